// Package backend defines the uniform contract every concrete EVM
// implementation must satisfy (BA in the design). Callers depend only on
// this interface; backend/direct and backend/chain are the two concrete
// variants selected at construction.
package backend

import (
	"math/big"

	"github.com/forge-run/forge/forgetypes"
)

// CallResult is the outcome of one call routed through a Backend, whether
// it reached the interpreter or was short-circuited by the cheatcode
// dispatcher.
type CallResult struct {
	Success      bool
	Return       []byte
	GasUsed      uint64
	Logs         []forgetypes.LogRecord
	RevertReason []byte
}

// PrecompileHandler is invoked for every call whose `to` matches an
// installed precompile address. It returns either return data and a gas
// cost, or a revert reason (mutually exclusive with a non-nil error).
type PrecompileHandler func(caller forgetypes.Address, input []byte, value *big.Int) (ret []byte, gasCost uint64, revert []byte, err error)

// Backend is the capability set of §4.1. No method may accept or return a
// backend-specific type; forgetypes and standard library types only.
type Backend interface {
	Call(from, to forgetypes.Address, value *big.Int, calldata []byte, gasLimit uint64) (CallResult, error)
	Deploy(from forgetypes.Address, bytecode []byte, value *big.Int) (forgetypes.Address, error)

	SetBalance(addr forgetypes.Address, v *big.Int)
	SetCode(addr forgetypes.Address, code []byte)
	SetStorage(addr forgetypes.Address, slot, value forgetypes.Word)
	GetStorage(addr forgetypes.Address, slot forgetypes.Word) forgetypes.Word

	// ClearStorage wipes every storage slot of addr, preserving its balance
	// and nonce. Used by the etch cheatcode, which per its spec table entry
	// clears storage when etching code onto a previously-empty account.
	ClearStorage(addr forgetypes.Address)
	GetNonce(addr forgetypes.Address) uint64
	SetNonce(addr forgetypes.Address, nonce uint64)
	GetBalance(addr forgetypes.Address) *big.Int
	GetCode(addr forgetypes.Address) []byte

	SetBlock(ctx forgetypes.WorldContext)
	Block() forgetypes.WorldContext

	Snapshot() forgetypes.Snapshot
	Revert(s forgetypes.Snapshot)

	InstallPrecompile(addr forgetypes.Address, handler PrecompileHandler)

	// BindCheatState gives the backend's call tracer somewhere to record
	// whether the next top-level sub-call (depth 1, not itself addressed
	// to the cheatcode precompile) satisfies an armed expectRevert. The
	// dispatcher only arms the expectation; only the tracer observes
	// whether the following call actually reverted with matching data.
	BindCheatState(state *forgetypes.CheatcodeState)

	SetTracing(enabled bool)
	DrainTrace() []TraceEntry

	// Unsupported reports whether this backend instance cannot honour a
	// named capability at all (not merely that it failed this call). The
	// executor does not consult it, so no test is reported Skipped because
	// of it.
	Unsupported(capability string) bool
}

// TraceEntry is one opcode step of a captured trace, named after the
// teacher's eth/tracers/logger.StructLog fields.
type TraceEntry struct {
	Pc      uint64
	Op      string
	Gas     uint64
	GasCost uint64
	Depth   int
	Err     string
}

// StateReader is the minimal read surface the statelayer package needs to
// build Account views; both concrete backends adapt their underlying
// *state.StateDB to it.
type StateReader interface {
	GetBalance(addr forgetypes.Address) *big.Int
	GetNonce(addr forgetypes.Address) uint64
	GetCode(addr forgetypes.Address) []byte
	GetState(addr forgetypes.Address, slot forgetypes.Word) forgetypes.Word
}
