// Package cheatbridge is the seam between go-ethereum's process-global
// precompile map and this engine's per-Backend cheatcode dispatcher.
//
// core/vm has no notion of a per-EVM-instance precompile set: the active
// map is resolved once from the chain rules in effect for a given call.
// Both backend/direct and backend/chain need the cheatcode address to
// resolve to their own dispatcher, so the registration into those maps
// lives here, once, rather than in each backend package — two independent
// init() funcs racing to set the same map key would make the last import
// win silently.
package cheatbridge

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"

	"github.com/forge-run/forge/backend"
	"github.com/forge-run/forge/forgetypes"
)

// Host is the subset of a concrete Backend's state the bridge needs while
// it owns the global precompile slot.
type Host interface {
	CheatHandler() backend.PrecompileHandler
	LastEnter() (caller common.Address, value *big.Int)
	SetRevertReason([]byte)
}

var (
	// callMu is held for the full duration of one EVM entry point, so at
	// most one Backend's call is ever in flight through the interpreter —
	// see WithOwnership. This is what makes plain reads of active safe
	// inside Run without a second lock.
	callMu sync.Mutex
	active Host
)

func init() {
	for _, set := range []map[common.Address]vm.PrecompiledContract{
		vm.PrecompiledContractsHomestead,
		vm.PrecompiledContractsByzantium,
		vm.PrecompiledContractsIstanbul,
		vm.PrecompiledContractsBerlin,
		vm.PrecompiledContractsCancun,
	} {
		set[forgetypes.CheatcodeAddress] = precompile{}
	}
}

type precompile struct{}

func (precompile) RequiredGas(input []byte) uint64 { return 100 }

func (precompile) Run(input []byte) ([]byte, error) {
	h := active
	if h == nil {
		return nil, vm.ErrExecutionReverted
	}
	handler := h.CheatHandler()
	if handler == nil {
		return nil, vm.ErrExecutionReverted
	}
	caller, value := h.LastEnter()
	ret, _, revert, err := handler(caller, input, value)
	if err != nil {
		return nil, err
	}
	if revert != nil {
		h.SetRevertReason(revert)
		return revert, vm.ErrExecutionReverted
	}
	return ret, nil
}

// WithOwnership runs fn with h installed as the sole recipient of calls to
// the cheatcode precompile. Callers must hold this for the full duration of
// one EVM entry point (Call/Deploy), since the precompile has no way to
// identify which Backend's call it is currently servicing other than this
// ambient slot.
func WithOwnership(h Host, fn func()) {
	callMu.Lock()
	defer callMu.Unlock()
	prev := active
	active = h
	defer func() { active = prev }()
	fn()
}
