// Package direct implements backend.Backend directly on top of
// github.com/ethereum/go-ethereum's core/vm.EVM and core/state.StateDB,
// grounded on the teacher's core/vm/runtime package (Execute/Call/Create
// against a long-lived *state.StateDB) and on medusa's testNode.callContract
// (other_examples), which assembles the same pieces by hand for the same
// "embed the EVM without the miner/p2p stack" purpose.
package direct

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/core/vm/runtime"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/forge-run/forge/backend"
	"github.com/forge-run/forge/backend/internal/cheatbridge"
	"github.com/forge-run/forge/forgetypes"
)

type enterRecord struct {
	from  common.Address
	to    common.Address
	value *big.Int
}

// Backend is the direct, per-call EVM backend.
type Backend struct {
	mu sync.Mutex

	db          *state.StateDB
	chainConfig *params.ChainConfig
	world       forgetypes.WorldContext

	cheatHandler backend.PrecompileHandler
	lastEnter    enterRecord
	revertReason []byte

	tracingOn bool
	trace     []backend.TraceEntry
	capturedLogs []*types.Log

	snapshots  map[uint64]snapshotState
	nextSnapID uint64

	unsupported map[string]bool

	cheatState     *forgetypes.CheatcodeState
	watchingRevert bool
}

type snapshotState struct {
	dbRev int
	world forgetypes.WorldContext
}

// New constructs a Backend with an empty world state, following
// core/vm/runtime_test.go's state.New(types.EmptyRootHash,
// state.NewDatabaseForTesting()) pattern.
func New() (*Backend, error) {
	db, err := state.New(types.EmptyRootHash, state.NewDatabaseForTesting())
	if err != nil {
		return nil, forgetypes.WrapError(forgetypes.ErrBackendInternal, "create state db", err)
	}
	return &Backend{
		db:          db,
		chainConfig: testChainConfig(),
		world:       forgetypes.DefaultWorldContext(),
		snapshots:   make(map[uint64]snapshotState),
		unsupported: make(map[string]bool),
	}, nil
}

// testChainConfig mirrors the all-forks-active chain config the teacher's
// own tests build by hand (e.g. core/vm/runtime_test.go's benchmark
// configs), but sets every fork block and fork time explicitly rather than
// trusting params.AllEthashProtocolChanges' defaults to include the
// post-merge time-based forks, so the EVM resolves Cancun rules.
// cheatbridge's init() installs the cheatcode precompile in every rule
// set's map, Cancun included.
func testChainConfig() *params.ChainConfig {
	zero := uint64(0)
	return &params.ChainConfig{
		ChainID:                       big.NewInt(31337),
		HomesteadBlock:                big.NewInt(0),
		EIP150Block:                   big.NewInt(0),
		EIP155Block:                   big.NewInt(0),
		EIP158Block:                   big.NewInt(0),
		ByzantiumBlock:                big.NewInt(0),
		ConstantinopleBlock:           big.NewInt(0),
		PetersburgBlock:               big.NewInt(0),
		IstanbulBlock:                 big.NewInt(0),
		MuirGlacierBlock:              big.NewInt(0),
		BerlinBlock:                   big.NewInt(0),
		LondonBlock:                   big.NewInt(0),
		ArrowGlacierBlock:             big.NewInt(0),
		GrayGlacierBlock:              big.NewInt(0),
		MergeNetsplitBlock:            big.NewInt(0),
		ShanghaiTime:                  &zero,
		CancunTime:                    &zero,
		TerminalTotalDifficulty:       big.NewInt(0),
		TerminalTotalDifficultyPassed: true,
	}
}

func (b *Backend) runtimeConfig(from forgetypes.Address, value *big.Int, gasLimit uint64) *runtime.Config {
	return &runtime.Config{
		ChainConfig: b.chainConfig,
		Origin:      from,
		State:       b.db,
		GasLimit:    gasLimit,
		GasPrice:    new(big.Int),
		Value:       value,
		Difficulty:  b.world.Difficulty,
		Time:        b.world.Timestamp,
		Coinbase:    b.world.Coinbase,
		BlockNumber: new(big.Int).SetUint64(b.world.Number),
		BaseFee:     b.world.BaseFee,
		EVMConfig: vm.Config{
			Tracer: b.hooks(),
		},
	}
}

func (b *Backend) hooks() *tracing.Hooks {
	return &tracing.Hooks{
		OnEnter: func(depth int, typ byte, from, to common.Address, input []byte, gas uint64, value *big.Int) {
			if to == forgetypes.CheatcodeAddress {
				b.lastEnter = enterRecord{from: from, to: to, value: value}
				return
			}
			if depth == 1 && b.cheatState != nil && b.cheatState.HasExpectedRevert && !b.watchingRevert {
				b.watchingRevert = true
			}
		},
		OnExit: func(depth int, output []byte, gasUsed uint64, err error, reverted bool) {
			if depth != 1 || !b.watchingRevert {
				return
			}
			b.watchingRevert = false
			if b.cheatState != nil {
				b.cheatState.ConsumeExpectRevert(reverted, output)
			}
		},
		OnLog: func(l *types.Log) {
			b.capturedLogs = append(b.capturedLogs, l)
		},
		OnOpcode: func(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, rData []byte, depth int, err error) {
			if !b.tracingOn {
				return
			}
			entry := backend.TraceEntry{Pc: pc, Op: vm.OpCode(op).String(), Gas: gas, GasCost: cost, Depth: depth}
			if err != nil {
				entry.Err = err.Error()
			}
			b.trace = append(b.trace, entry)
		},
	}
}

// CheatHandler, LastEnter and SetRevertReason satisfy cheatbridge.Host.
func (b *Backend) CheatHandler() backend.PrecompileHandler { return b.cheatHandler }

func (b *Backend) LastEnter() (common.Address, *big.Int) {
	return b.lastEnter.from, b.lastEnter.value
}

func (b *Backend) SetRevertReason(r []byte) { b.revertReason = r }

func (b *Backend) BindCheatState(state *forgetypes.CheatcodeState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cheatState = state
}

func (b *Backend) withPrecompileOwnership(fn func()) {
	cheatbridge.WithOwnership(b, fn)
}

func (b *Backend) Call(from, to forgetypes.Address, value *big.Int, calldata []byte, gasLimit uint64) (backend.CallResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.capturedLogs = nil
	b.revertReason = nil
	b.lastEnter = enterRecord{}
	if value == nil {
		value = new(big.Int)
	}

	cfg := b.runtimeConfig(from, value, gasLimit)
	var (
		ret    []byte
		leftover uint64
		err    error
	)
	b.withPrecompileOwnership(func() {
		ret, leftover, err = runtime.Call(to, calldata, cfg)
	})

	res := backend.CallResult{GasUsed: gasLimit - leftover}
	if err != nil {
		res.Success = false
		res.RevertReason = revertData(ret, b.revertReason)
		return res, nil
	}
	res.Success = true
	res.Return = ret
	res.Logs = b.collectLogs()
	return res, nil
}

func revertData(ret, captured []byte) []byte {
	if len(captured) > 0 {
		return captured
	}
	return ret
}

func (b *Backend) collectLogs() []forgetypes.LogRecord {
	out := make([]forgetypes.LogRecord, 0, len(b.capturedLogs))
	for i, l := range b.capturedLogs {
		out = append(out, forgetypes.FromGethLog(l, uint64(i)))
	}
	return out
}

func (b *Backend) Deploy(from forgetypes.Address, bytecode []byte, value *big.Int) (forgetypes.Address, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if value == nil {
		value = new(big.Int)
	}
	cfg := b.runtimeConfig(from, value, 1_000_000_000)
	var (
		addr   common.Address
		err    error
	)
	b.withPrecompileOwnership(func() {
		_, addr, _, err = runtime.Create(bytecode, cfg)
	})
	if err != nil {
		return forgetypes.Address{}, forgetypes.WrapError(forgetypes.ErrDeployFailed, "constructor reverted", err)
	}
	return addr, nil
}

func (b *Backend) SetBalance(addr forgetypes.Address, v *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	amt, _ := uint256.FromBig(v)
	b.db.SetBalance(addr, amt, tracing.BalanceChangeUnspecified)
}

func (b *Backend) SetCode(addr forgetypes.Address, code []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.db.SetCode(addr, code)
}

func (b *Backend) SetStorage(addr forgetypes.Address, slot, value forgetypes.Word) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.db.SetState(addr, slot, value)
}

func (b *Backend) GetStorage(addr forgetypes.Address, slot forgetypes.Word) forgetypes.Word {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.GetState(addr, slot)
}

// ClearStorage wipes addr's storage trie association via CreateAccount
// (the same primitive core/state uses to wipe a prior occupant's storage
// on redeploy-at-the-same-address), restoring the balance and nonce it
// clobbers along with it.
func (b *Backend) ClearStorage(addr forgetypes.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bal := b.db.GetBalance(addr)
	nonce := b.db.GetNonce(addr)
	b.db.CreateAccount(addr)
	b.db.SetBalance(addr, bal, tracing.BalanceChangeUnspecified)
	b.db.SetNonce(addr, nonce)
}

func (b *Backend) GetNonce(addr forgetypes.Address) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.GetNonce(addr)
}

func (b *Backend) SetNonce(addr forgetypes.Address, nonce uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.db.SetNonce(addr, nonce)
}

func (b *Backend) GetBalance(addr forgetypes.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.GetBalance(addr).ToBig()
}

func (b *Backend) GetCode(addr forgetypes.Address) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.GetCode(addr)
}

func (b *Backend) SetBlock(ctx forgetypes.WorldContext) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.world = ctx
}

func (b *Backend) Block() forgetypes.WorldContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.world
}

func (b *Backend) Snapshot() forgetypes.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSnapID
	b.nextSnapID++
	b.snapshots[id] = snapshotState{dbRev: b.db.Snapshot(), world: b.world}
	return forgetypes.NewSnapshot(id)
}

func (b *Backend) Revert(s forgetypes.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.snapshots[s.ID()]
	if !ok {
		return
	}
	b.db.RevertToSnapshot(st.dbRev)
	b.world = st.world
	for id := range b.snapshots {
		if id > s.ID() {
			delete(b.snapshots, id)
		}
	}
}

func (b *Backend) InstallPrecompile(addr forgetypes.Address, handler backend.PrecompileHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if addr != forgetypes.CheatcodeAddress {
		// This engine only ever installs the one fixed cheatcode
		// precompile; anything else is a capability this backend does not
		// support, per §4.1's Skipped contract.
		b.unsupported[fmt.Sprintf("precompile:%s", addr.Hex())] = true
		return
	}
	b.cheatHandler = handler
}

func (b *Backend) SetTracing(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tracingOn = enabled
	if enabled {
		b.trace = nil
	}
}

func (b *Backend) DrainTrace() []backend.TraceEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.trace
	b.trace = nil
	return out
}

func (b *Backend) Unsupported(capability string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unsupported[capability]
}
