// Package backendtest provides an in-memory backend.Backend used only by
// other packages' tests, following the standard library's own nettest/
// iotest convention of a dedicated test-helper package rather than
// exporting test doubles from the production package itself.
package backendtest

import (
	"math/big"

	"github.com/forge-run/forge/backend"
	"github.com/forge-run/forge/forgetypes"
)

// Fake is a minimal, non-EVM-executing backend.Backend: Call/Deploy never
// run bytecode, they only record what was asked of them and return
// whatever the test pre-loaded via Script. It exists so cheatcode,
// executor, fuzz and runner tests can exercise state-mutation and
// classification logic without a real EVM in the loop.
type Fake struct {
	balances map[forgetypes.Address]*big.Int
	nonces   map[forgetypes.Address]uint64
	code     map[forgetypes.Address][]byte
	storage  map[forgetypes.Address]map[forgetypes.Word]forgetypes.Word

	world forgetypes.WorldContext

	precompiles map[forgetypes.Address]backend.PrecompileHandler
	cheatState  *forgetypes.CheatcodeState

	tracing bool
	trace   []backend.TraceEntry

	unsupported map[string]bool

	nextSnap  uint64
	snapshots map[uint64]snapState

	// Script, if set, is consulted by Call for each call to a non-precompile
	// address; it lets a test script a sequence of call outcomes.
	Script func(from, to forgetypes.Address, calldata []byte) backend.CallResult

	// DeployAddr is returned by Deploy; DeployErr, if set, short-circuits it.
	DeployAddr forgetypes.Address
	DeployErr  error

	nextNonce uint64
}

type snapState struct {
	balances map[forgetypes.Address]*big.Int
	nonces   map[forgetypes.Address]uint64
	code     map[forgetypes.Address][]byte
	storage  map[forgetypes.Address]map[forgetypes.Word]forgetypes.Word
}

func New() *Fake {
	return &Fake{
		balances:    make(map[forgetypes.Address]*big.Int),
		nonces:      make(map[forgetypes.Address]uint64),
		code:        make(map[forgetypes.Address][]byte),
		storage:     make(map[forgetypes.Address]map[forgetypes.Word]forgetypes.Word),
		precompiles: make(map[forgetypes.Address]backend.PrecompileHandler),
		unsupported: make(map[string]bool),
		snapshots:   make(map[uint64]snapState),
		world:       forgetypes.DefaultWorldContext(),
	}
}

func (f *Fake) Call(from, to forgetypes.Address, value *big.Int, calldata []byte, gasLimit uint64) (backend.CallResult, error) {
	if h, ok := f.precompiles[to]; ok {
		ret, gasCost, revert, err := h(from, calldata, value)
		if err != nil {
			return backend.CallResult{}, err
		}
		if revert != nil {
			return backend.CallResult{Success: false, RevertReason: revert, GasUsed: gasCost}, nil
		}
		return backend.CallResult{Success: true, Return: ret, GasUsed: gasCost}, nil
	}
	if f.Script != nil {
		return f.Script(from, to, calldata), nil
	}
	return backend.CallResult{Success: true}, nil
}

func (f *Fake) Deploy(from forgetypes.Address, bytecode []byte, value *big.Int) (forgetypes.Address, error) {
	if f.DeployErr != nil {
		return forgetypes.Address{}, f.DeployErr
	}
	f.code[f.DeployAddr] = bytecode
	return f.DeployAddr, nil
}

func (f *Fake) SetBalance(addr forgetypes.Address, v *big.Int) { f.balances[addr] = v }
func (f *Fake) SetCode(addr forgetypes.Address, code []byte)   { f.code[addr] = code }

func (f *Fake) SetStorage(addr forgetypes.Address, slot, value forgetypes.Word) {
	if f.storage[addr] == nil {
		f.storage[addr] = make(map[forgetypes.Word]forgetypes.Word)
	}
	f.storage[addr][slot] = value
}

func (f *Fake) GetStorage(addr forgetypes.Address, slot forgetypes.Word) forgetypes.Word {
	return f.storage[addr][slot]
}

// ClearStorage wipes every slot of addr, leaving balance and nonce intact.
func (f *Fake) ClearStorage(addr forgetypes.Address) {
	delete(f.storage, addr)
}

func (f *Fake) GetNonce(addr forgetypes.Address) uint64    { return f.nonces[addr] }
func (f *Fake) SetNonce(addr forgetypes.Address, n uint64)  { f.nonces[addr] = n }
func (f *Fake) GetBalance(addr forgetypes.Address) *big.Int {
	if b, ok := f.balances[addr]; ok {
		return b
	}
	return new(big.Int)
}
func (f *Fake) GetCode(addr forgetypes.Address) []byte { return f.code[addr] }

func (f *Fake) SetBlock(ctx forgetypes.WorldContext) { f.world = ctx }
func (f *Fake) Block() forgetypes.WorldContext       { return f.world }

func (f *Fake) Snapshot() forgetypes.Snapshot {
	id := f.nextSnap
	f.nextSnap++
	f.snapshots[id] = snapState{
		balances: cloneBig(f.balances),
		nonces:   cloneU64(f.nonces),
		code:     cloneBytes(f.code),
		storage:  cloneStorage(f.storage),
	}
	return forgetypes.NewSnapshot(id)
}

func (f *Fake) Revert(s forgetypes.Snapshot) {
	st, ok := f.snapshots[s.ID()]
	if !ok {
		return
	}
	f.balances = st.balances
	f.nonces = st.nonces
	f.code = st.code
	f.storage = st.storage
}

func (f *Fake) InstallPrecompile(addr forgetypes.Address, h backend.PrecompileHandler) {
	f.precompiles[addr] = h
}

func (f *Fake) BindCheatState(state *forgetypes.CheatcodeState) { f.cheatState = state }

// FireSubcall simulates the backend tracer observing a depth-1 sub-call,
// letting cheatcode/executor tests exercise expectRevert consumption
// without a real EVM call stack.
func (f *Fake) FireSubcall(reverted bool, output []byte) {
	if f.cheatState != nil {
		f.cheatState.ConsumeExpectRevert(reverted, output)
	}
}

func (f *Fake) SetTracing(enabled bool) {
	f.tracing = enabled
	if enabled {
		f.trace = nil
	}
}

func (f *Fake) DrainTrace() []backend.TraceEntry {
	out := f.trace
	f.trace = nil
	return out
}

func (f *Fake) Unsupported(capability string) bool { return f.unsupported[capability] }

// MarkUnsupported lets a test declare a capability this fake cannot honour.
func (f *Fake) MarkUnsupported(capability string) { f.unsupported[capability] = true }

func cloneBig(m map[forgetypes.Address]*big.Int) map[forgetypes.Address]*big.Int {
	out := make(map[forgetypes.Address]*big.Int, len(m))
	for k, v := range m {
		out[k] = new(big.Int).Set(v)
	}
	return out
}

func cloneU64(m map[forgetypes.Address]uint64) map[forgetypes.Address]uint64 {
	out := make(map[forgetypes.Address]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneBytes(m map[forgetypes.Address][]byte) map[forgetypes.Address][]byte {
	out := make(map[forgetypes.Address][]byte, len(m))
	for k, v := range m {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

func cloneStorage(m map[forgetypes.Address]map[forgetypes.Word]forgetypes.Word) map[forgetypes.Address]map[forgetypes.Word]forgetypes.Word {
	out := make(map[forgetypes.Address]map[forgetypes.Word]forgetypes.Word, len(m))
	for addr, slots := range m {
		inner := make(map[forgetypes.Word]forgetypes.Word, len(slots))
		for k, v := range slots {
			inner[k] = v
		}
		out[addr] = inner
	}
	return out
}
