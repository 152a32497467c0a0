// Package runner orchestrates the executor and fuzz driver across every
// discovered test contract and function, grounded on the teacher's own
// fixed-size worker pool idiom (a buffered channel of work items drained by
// a bounded set of goroutines, as seen throughout core's parallel state
// processors) rather than a heavier external pool library: cfg.Workers
// goroutines each take whole contracts off the channel, which never needs
// more machinery than sync.WaitGroup plus a channel.
package runner

import (
	"context"
	"regexp"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/log"

	"github.com/forge-run/forge/backend"
	"github.com/forge-run/forge/executor"
	"github.com/forge-run/forge/forgetypes"
	"github.com/forge-run/forge/fuzz"
)

// BackendFactory constructs a fresh backend instance for one contract's test
// batch; the runner never shares a backend across workers, per TR's
// scheduling model.
type BackendFactory func() (backend.Backend, error)

// Runner drives TE/FD across all discovered tests.
type Runner struct {
	cfg     forgetypes.Config
	newBackend BackendFactory
	filter  *regexp.Regexp
}

func New(cfg forgetypes.Config, newBackend BackendFactory, filter *regexp.Regexp) *Runner {
	forgetypes.SetDefaults(&cfg)
	return &Runner{cfg: cfg, newBackend: newBackend, filter: filter}
}

type workItem struct {
	artifact forgetypes.Artifact
	descs    []forgetypes.FunctionDescriptor
}

// Run executes every contract's test batch, fanning out across cfg.Workers
// goroutines and returning the aggregate report. Cancellation is observed at
// each test's classification boundary rather than mid-call, per §5.
func (r *Runner) Run(ctx context.Context, artifacts []forgetypes.Artifact) *forgetypes.TestRunReport {
	report := forgetypes.NewTestRunReport()
	var mu sync.Mutex

	items := r.plan(artifacts)
	work := make(chan workItem, len(items))
	for _, it := range items {
		work <- it
	}
	close(work)

	workers := r.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range work {
				r.runContract(ctx, it, func(fn string, res forgetypes.TestResult) {
					mu.Lock()
					report.Record(it.artifact.Name, fn, res)
					mu.Unlock()
				})
			}
		}()
	}
	wg.Wait()
	return report
}

// plan resolves which (contract, function) pairs match the filter and
// orders each contract's functions lexicographically by signature, per TR's
// deterministic-ordering requirement.
func (r *Runner) plan(artifacts []forgetypes.Artifact) []workItem {
	items := make([]workItem, 0, len(artifacts))
	for _, a := range artifacts {
		descs := discoverTests(a)
		if r.filter != nil {
			filtered := descs[:0]
			for _, d := range descs {
				if r.filter.MatchString(a.Name + "." + d.Function) {
					filtered = append(filtered, d)
				}
			}
			descs = filtered
		}
		if len(descs) == 0 {
			continue
		}
		sort.Slice(descs, func(i, j int) bool { return descs[i].Function < descs[j].Function })
		items = append(items, workItem{artifact: a, descs: descs})
	}
	return items
}

// discoverTests scans the artifact's ABI for test*/testFail* functions; this
// is the minimal slice of real test discovery this core needs (full
// name-pattern discovery across a whole project is out of scope).
func discoverTests(a forgetypes.Artifact) []forgetypes.FunctionDescriptor {
	var out []forgetypes.FunctionDescriptor
	for name, m := range a.ABI.Methods {
		if !isTestName(name) {
			continue
		}
		kind := forgetypes.TestKind{}
		if len(m.Inputs) > 0 {
			kind.Fuzz = true
			kind.Signature = make([]forgetypes.ParamType, len(m.Inputs))
			for i, in := range m.Inputs {
				kind.Signature[i] = paramTypeOf(in.Type)
			}
		}
		out = append(out, forgetypes.FunctionDescriptor{Contract: a.Name, Function: name, Kind: kind})
	}
	return out
}

var testNamePattern = regexp.MustCompile(`^test`)

func isTestName(name string) bool {
	return testNamePattern.MatchString(name)
}

func paramTypeOf(t abi.Type) forgetypes.ParamType {
	var pt forgetypes.ParamType
	switch t.T {
	case abi.UintTy:
		pt = forgetypes.ParamType{Kind: forgetypes.KindUint, Bits: t.Size}
	case abi.IntTy:
		pt = forgetypes.ParamType{Kind: forgetypes.KindInt, Bits: t.Size}
	case abi.AddressTy:
		pt = forgetypes.ParamType{Kind: forgetypes.KindAddress}
	case abi.BoolTy:
		pt = forgetypes.ParamType{Kind: forgetypes.KindBool}
	case abi.FixedBytesTy:
		pt = forgetypes.ParamType{Kind: forgetypes.KindFixedBytes, Size: t.Size}
	case abi.BytesTy:
		pt = forgetypes.ParamType{Kind: forgetypes.KindBytes}
	case abi.StringTy:
		pt = forgetypes.ParamType{Kind: forgetypes.KindString}
	case abi.SliceTy, abi.ArrayTy:
		elem := paramTypeOf(*t.Elem)
		size := 0
		if t.T == abi.ArrayTy {
			size = t.Size
		}
		pt = forgetypes.ParamType{Kind: forgetypes.KindArray, Size: size, Elem: &elem}
	case abi.TupleTy:
		elems := make([]forgetypes.ParamType, len(t.TupleElems))
		for i, e := range t.TupleElems {
			elems[i] = paramTypeOf(*e)
		}
		pt = forgetypes.ParamType{Kind: forgetypes.KindTuple, Elements: elems}
	default:
		pt = forgetypes.ParamType{Kind: forgetypes.KindBytes}
	}
	return pt.WithABIType(t)
}

// runContract runs one contract's full test batch sequentially against one
// backend lineage, since setUp runs once per contract instance and every
// test must see the same S0.
func (r *Runner) runContract(ctx context.Context, it workItem, record func(fn string, res forgetypes.TestResult)) {
	b, err := r.newBackend()
	if err != nil {
		for _, d := range it.descs {
			record(d.Function, forgetypes.TestResult{Status: forgetypes.StatusFail, Reason: "backend init: " + err.Error()})
		}
		return
	}

	te := executor.New(b, r.cfg)
	if err := te.Deploy(it.artifact); err != nil {
		log.Warn("deploy failed", "contract", it.artifact.Name, "err", err)
		for _, d := range it.descs {
			record(d.Function, forgetypes.TestResult{Status: forgetypes.StatusFail, Reason: err.Error()})
		}
		return
	}
	if err := te.SetUp(it.artifact); err != nil {
		log.Warn("setUp failed", "contract", it.artifact.Name, "err", err)
		for _, d := range it.descs {
			record(d.Function, forgetypes.TestResult{Status: forgetypes.StatusFail, Reason: err.Error()})
		}
		return
	}

	fd := fuzz.New(r.cfg)
	for _, d := range it.descs {
		select {
		case <-ctx.Done():
			record(d.Function, forgetypes.TestResult{Status: forgetypes.StatusSkipped, Reason: "cancelled"})
			continue
		default:
		}

		if d.Kind.Fuzz {
			method, ok := it.artifact.ABI.Methods[d.Function]
			if !ok {
				record(d.Function, forgetypes.TestResult{Status: forgetypes.StatusFail, Reason: "method missing from ABI"})
				continue
			}
			record(d.Function, fd.Run(te, d, method))
			continue
		}

		record(d.Function, te.Run(d, selectorOnly(it.artifact.ABI, d.Function)))
	}
}

func selectorOnly(a abi.ABI, name string) []byte {
	m, ok := a.Methods[name]
	if !ok {
		return nil
	}
	return m.ID
}
