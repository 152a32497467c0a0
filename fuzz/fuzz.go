// Package fuzz implements the property-based fuzzing loop for parameterised
// test functions: tuple generation over a ParamType signature, a seeded PRNG
// deterministic in {contract, function, configured seed}, and shrinking of
// the first failing tuple, grounded on the teacher's own deterministic-seed
// convention (crypto.Keccak256 folding several identifying fields into a
// fixed-size seed, as core/genesis.go derives a deterministic difficulty
// seed) and medusa's (other_examples) generator/shrinker split for ABI-typed
// fuzz campaigns.
package fuzz

import (
	"math/big"
	"math/rand/v2"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/forge-run/forge/backend"
	"github.com/forge-run/forge/forgetypes"
)

// Executor is the slice of executor.TE the fuzz driver drives: one call per
// candidate tuple, encoded by the caller's chosen ABI packing.
type Executor interface {
	Run(desc forgetypes.FunctionDescriptor, calldata []byte) forgetypes.TestResult
	Store() backend.Backend
	Snapshot0() forgetypes.Snapshot
}

const defaultShrinkBudget = 256

// Driver runs one fuzz campaign for a single (contract, function) pair.
type Driver struct {
	runs         uint32
	seed         []byte
	shrinkBudget int
}

func New(cfg forgetypes.Config) *Driver {
	runs := cfg.FuzzRuns
	if runs == 0 {
		runs = 256
	}
	return &Driver{runs: runs, seed: cfg.FuzzSeed, shrinkBudget: defaultShrinkBudget}
}

// seedFor derives the deterministic per-(contract,function) PRNG seed
// required by §8's determinism invariant: keccak256(contract || function ||
// configured seed); newRand folds its first 16 bytes into the two uint64
// halves math/rand/v2's PCG Source takes.
func (d *Driver) seedFor(contract, function string) [32]byte {
	h := crypto.Keccak256([]byte(contract), []byte(function), d.seed)
	var out [32]byte
	copy(out[:], h)
	return out
}

func newRand(seed [32]byte) *rand.Rand {
	var s1, s2 uint64
	for i := 0; i < 8; i++ {
		s1 = s1<<8 | uint64(seed[i])
		s2 = s2<<8 | uint64(seed[i+8])
	}
	return rand.New(rand.NewPCG(s1, s2))
}

// tuple is one generated argument list alongside its packed calldata.
type tuple struct {
	args     []any
	calldata []byte
}

// Run draws up to d.runs tuples against desc.Kind.Signature, packing each
// with method, until one fails; on the first failure it shrinks before
// returning, per FD's contract. Every candidate executes against a fresh
// view of S0 (isolation invariant in §8).
func (d *Driver) Run(exec Executor, desc forgetypes.FunctionDescriptor, method abi.Method) forgetypes.TestResult {
	r := newRand(d.seedFor(desc.Contract, desc.Function))

	last := forgetypes.TestResult{Status: forgetypes.StatusPass}
	for i := uint32(0); i < d.runs; i++ {
		t := generateTuple(r, desc.Kind.Signature, method)
		res := d.call(exec, desc, t)
		if res.Status == forgetypes.StatusFail {
			return d.shrink(exec, desc, method, t, res, r)
		}
		last = res
	}
	return last
}

func (d *Driver) call(exec Executor, desc forgetypes.FunctionDescriptor, t tuple) forgetypes.TestResult {
	store := exec.Store()
	snap := store.Snapshot()
	defer store.Revert(snap)
	res := exec.Run(desc, t.calldata)
	res.Counterexample = t.args
	return res
}

// shrink iteratively proposes smaller tuples that still fail, stopping after
// shrinkBudget unproductive attempts, satisfying the shrink-monotonicity
// invariant: the returned counterexample has no smaller failing sibling
// found within budget.
func (d *Driver) shrink(exec Executor, desc forgetypes.FunctionDescriptor, method abi.Method, failing tuple, failingResult forgetypes.TestResult, r *rand.Rand) forgetypes.TestResult {
	current := failing
	currentResult := failingResult
	attempts := 0
	for attempts < d.shrinkBudget {
		candidate, ok := shrinkOnce(r, desc.Kind.Signature, method, current)
		if !ok {
			attempts++
			continue
		}
		res := d.call(exec, desc, candidate)
		if res.Status == forgetypes.StatusFail {
			current = candidate
			currentResult = res
			attempts = 0
			continue
		}
		attempts++
	}
	return currentResult
}

// generateTuple draws one candidate per ParamType and packs it via method's
// own accounts/abi.Arguments, so the dispatcher never needs to know these
// values were fuzzed rather than hand-written.
func generateTuple(r *rand.Rand, sig []forgetypes.ParamType, method abi.Method) tuple {
	args := make([]any, len(sig))
	for i, pt := range sig {
		args[i] = generate(r, pt)
	}
	return pack(method, sig, args)
}

func pack(method abi.Method, sig []forgetypes.ParamType, args []any) tuple {
	selector := method.ID
	packed, err := method.Inputs.Pack(args...)
	if err != nil {
		// A generated value that method.Inputs rejects indicates a
		// generator/type mismatch; retry with a zero value is not
		// attempted here since this would mask the actual bug.
		packed = nil
	}
	out := make([]byte, 0, 4+len(packed))
	out = append(out, selector...)
	out = append(out, packed...)
	return tuple{args: args, calldata: out}
}

// generate draws one value for a ParamType, biasing dynamic-length types
// toward 0, 1, small, and boundary sizes per §4.5.
func generate(r *rand.Rand, pt forgetypes.ParamType) any {
	switch pt.Kind {
	case forgetypes.KindUint:
		return randomUint(r, pt.Bits)
	case forgetypes.KindInt:
		return randomInt(r, pt.Bits)
	case forgetypes.KindAddress:
		var a common.Address
		fillRandom(r, a[:])
		return a
	case forgetypes.KindBool:
		return r.IntN(2) == 1
	case forgetypes.KindFixedBytes:
		b := make([]byte, pt.Size)
		fillRandom(r, b)
		return fixedBytesTo(pt.Size, b)
	case forgetypes.KindBytes:
		return randomBytes(r, biasedLength(r))
	case forgetypes.KindString:
		return string(randomBytes(r, biasedLength(r)))
	case forgetypes.KindArray:
		n := pt.Size
		if n == 0 {
			n = biasedLength(r) % 8
		}
		return generateArray(r, *pt.Elem, n)
	case forgetypes.KindTuple:
		out := make([]any, len(pt.Elements))
		for i, e := range pt.Elements {
			out[i] = generate(r, e)
		}
		return out
	default:
		return nil
	}
}

// biasedLength favours 0, 1, small sizes, and a boundary value (32), the
// sizes most likely to expose off-by-one handling in tested contracts.
func biasedLength(r *rand.Rand) int {
	switch r.IntN(10) {
	case 0:
		return 0
	case 1:
		return 1
	case 2:
		return 32
	default:
		return r.IntN(64)
	}
}

func randomBytes(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	fillRandom(r, b)
	return b
}

// fillRandom fills buf from r's Uint64 stream; math/rand/v2's Rand has no
// Read method (dropped from v1's API), so every byte-slice consumer in this
// package goes through this helper instead.
func fillRandom(r *rand.Rand, buf []byte) {
	for i := 0; i < len(buf); {
		v := r.Uint64()
		for j := 0; j < 8 && i < len(buf); j++ {
			buf[i] = byte(v)
			v >>= 8
			i++
		}
	}
}

func randomUint(r *rand.Rand, bits int) *big.Int {
	if bits <= 0 {
		bits = 256
	}
	switch r.IntN(8) {
	case 0:
		return new(big.Int)
	case 1:
		return big.NewInt(1)
	case 2:
		return maxUint(bits)
	}
	buf := randomBytes(r, bits/8)
	v := new(big.Int).SetBytes(buf)
	return v.Mod(v, new(big.Int).Add(maxUint(bits), big.NewInt(1)))
}

func randomInt(r *rand.Rand, bits int) *big.Int {
	v := randomUint(r, bits)
	if r.IntN(2) == 0 {
		return v
	}
	return new(big.Int).Neg(v)
}

func maxUint(bits int) *big.Int {
	return new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), uint(bits)), big.NewInt(1))
}

func generateArray(r *rand.Rand, elem forgetypes.ParamType, n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = generate(r, elem)
	}
	return out
}

func fixedBytesTo(size int, b []byte) any {
	switch size {
	case 32:
		var out [32]byte
		copy(out[:], b)
		return out
	case 20:
		var out [20]byte
		copy(out[:], b)
		return out
	default:
		return b
	}
}
