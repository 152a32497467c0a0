// Package forgetypes holds the data model shared by every stage of the
// engine: backends, the state layer, the cheatcode dispatcher, the
// executor, the fuzz driver and the runner. None of these types carry
// behavior of their own beyond simple constructors and string forms —
// the packages that consume them own the logic.
package forgetypes

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Address and Word reuse the teacher stack's own 20/32-byte types instead of
// redefining them, avoiding a conversion at every backend boundary.
type (
	Address = common.Address
	Word    = common.Hash
)

// Account is a read view over one address's state, assembled on demand from
// a Store. It is not itself mutable ledger state.
type Account struct {
	Address Address
	Balance *big.Int
	Nonce   uint64
	Code    []byte
}

func (a Account) IsContract() bool { return len(a.Code) > 0 }

// WorldContext is the block-level context observed atomically by every call
// until explicitly changed, per the data model's invariant on block context.
type WorldContext struct {
	Timestamp uint64
	Number    uint64
	BaseFee   *big.Int
	Coinbase  Address
	ChainID   *big.Int
	GasLimit  uint64
	Difficulty *big.Int
}

// DefaultWorldContext is a post-merge placeholder block: zero difficulty,
// block number and timestamp 1, and the same chain id and base fee the
// backends configure.
func DefaultWorldContext() WorldContext {
	return WorldContext{
		Timestamp:  1,
		Number:     1,
		BaseFee:    big.NewInt(875000000),
		Coinbase:   Address{},
		ChainID:    big.NewInt(31337),
		GasLimit:   30_000_000,
		Difficulty: new(big.Int),
	}
}

// LogRecord is an append-only event emitted during a call. Seq orders logs
// within a single top-level call across nested sub-calls; reverted sub-calls
// never contribute entries because the backend only reports logs that
// survived to the root frame's successful completion.
type LogRecord struct {
	Address Address
	Topics  []Word
	Data    []byte
	Seq     uint64
}

// FromGethLog adapts the teacher's core/types.Log into a LogRecord, assigning
// the sequence number since upstream logs carry only a per-block index.
func FromGethLog(l *types.Log, seq uint64) LogRecord {
	return LogRecord{
		Address: l.Address,
		Topics:  append([]Word(nil), l.Topics...),
		Data:    append([]byte(nil), l.Data...),
		Seq:     seq,
	}
}

// Snapshot is an opaque restore-point token. Backends hand these out and
// accept them back; a token from one backend instance is never valid
// against another.
type Snapshot struct {
	id uint64
}

func NewSnapshot(id uint64) Snapshot { return Snapshot{id: id} }
func (s Snapshot) ID() uint64        { return s.id }

// PrankState records the sender override in effect while the prank
// cheatcode makes its own sub-call; prank clears it when that call returns.
type PrankState struct {
	Sender common.Address
	Target common.Address
	Armed  bool
}

// CheatcodeState is process-wide per test. The executor zeroes it via Reset
// before setUp and at the start of every test run; backend snapshot
// restores do not touch it.
type CheatcodeState struct {
	ExpectedRevert    []byte
	HasExpectedRevert bool

	// RevertConsumed/RevertSatisfied are written by the backend's call
	// tracer, not the dispatcher: the dispatcher only arms the
	// expectation, the next external sub-call decides whether it held.
	RevertConsumed  bool
	RevertSatisfied bool

	Prank      PrankState
	FFIEnabled bool
}

func (c *CheatcodeState) Reset(ffiEnabled bool) {
	c.ExpectedRevert = nil
	c.HasExpectedRevert = false
	c.RevertConsumed = false
	c.RevertSatisfied = false
	c.Prank = PrankState{}
	c.FFIEnabled = ffiEnabled
}

// ArmExpectRevert is called by the cheatcode dispatcher; ConsumeExpectRevert
// is called by the backend's tracer on the next qualifying sub-call.
func (c *CheatcodeState) ArmExpectRevert(expected []byte) {
	c.ExpectedRevert = expected
	c.HasExpectedRevert = true
	c.RevertConsumed = false
	c.RevertSatisfied = false
}

func (c *CheatcodeState) ConsumeExpectRevert(reverted bool, output []byte) {
	if !c.HasExpectedRevert || c.RevertConsumed {
		return
	}
	c.RevertConsumed = true
	c.RevertSatisfied = reverted && bytesEqual(output, c.ExpectedRevert)
	c.HasExpectedRevert = false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TestStatus is the terminal classification of one test function.
type TestStatus int

const (
	StatusPass TestStatus = iota
	StatusFail
	StatusSkipped
)

func (s TestStatus) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusFail:
		return "fail"
	case StatusSkipped:
		return "skip"
	default:
		return "unknown"
	}
}

// TestResult is the outcome of one (contract, function) execution, possibly
// after a fuzz campaign.
type TestResult struct {
	Status         TestStatus
	Reason         string
	GasUsed        uint64
	Logs           []LogRecord
	Counterexample []any
}

// ParamKind enumerates the ABI type variants the fuzz driver must generate
// and shrink values for.
type ParamKind int

const (
	KindUint ParamKind = iota
	KindInt
	KindAddress
	KindBool
	KindFixedBytes
	KindBytes
	KindString
	KindArray
	KindTuple
)

// ParamType is a recursive description of one ABI parameter, sufficient to
// both generate and shrink fuzzed values without needing the full abi.Type
// machinery (which is used instead for encoding the already-generated
// values via Dispatcher/Executor's use of accounts/abi).
type ParamType struct {
	Kind     ParamKind
	Bits     int         // KindUint/KindInt bit width, e.g. 256
	Size     int         // KindFixedBytes byte length, KindArray fixed length (0 = dynamic)
	Elem     *ParamType  // KindArray element type
	Elements []ParamType // KindTuple field types
	abiType  *abi.Type
}

// WithABIType attaches the resolved accounts/abi.Type used to pack/unpack
// the generated Go value for this parameter.
func (p ParamType) WithABIType(t abi.Type) ParamType {
	p.abiType = &t
	return p
}

func (p ParamType) ABIType() abi.Type {
	if p.abiType == nil {
		return abi.Type{}
	}
	return *p.abiType
}

// TestKind distinguishes zero-argument tests from fuzzed ones.
type TestKind struct {
	Fuzz      bool
	Signature []ParamType
}

// TestRunReport is the structured result set the Runner hands back to its
// caller; rendering it is the caller's concern.
type TestRunReport struct {
	Results  map[string]map[string]TestResult
	Passed   int
	Failed   int
	Skipped  int
	DurationNanos int64
}

func NewTestRunReport() *TestRunReport {
	return &TestRunReport{Results: make(map[string]map[string]TestResult)}
}

func (r *TestRunReport) Record(contract, function string, res TestResult) {
	if r.Results[contract] == nil {
		r.Results[contract] = make(map[string]TestResult)
	}
	r.Results[contract][function] = res
	switch res.Status {
	case StatusPass:
		r.Passed++
	case StatusFail:
		r.Failed++
	case StatusSkipped:
		r.Skipped++
	}
}

// Artifact is the compiled-contract input the core accepts; producing it is
// out of scope (compilation lives outside this engine).
type Artifact struct {
	Name             string
	ABI              abi.ABI
	Bytecode         []byte
	DeployedBytecode []byte
}

// FunctionDescriptor names one (contract, function) pair a caller wants
// executed; building a filtered list of these is also out of scope.
type FunctionDescriptor struct {
	Contract string
	Function string
	Kind     TestKind
}
