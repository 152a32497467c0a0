// Package chain implements backend.Backend on top of a real
// github.com/ethereum/go-ethereum core.BlockChain, grounded on
// accounts/abi/bind/backends.SimulatedBackend (other_examples,
// carver-turbo-geth variant) and crytic-medusa's testNode (other_examples):
// both wrap a genesis-seeded in-memory chain and a long-lived pending state,
// advancing real blocks via core.GenerateChain/InsertChain rather than
// calling into the interpreter directly.
//
// Where backend/direct trades chain fidelity for speed by running
// core/vm/runtime.Call against a bare state.StateDB, this backend pays for
// real block history: BLOCKHASH resolves against actually-inserted blocks,
// nonces are bumped by the production transaction path
// (core.ApplyMessage), and SetBlock mines a block rather than only
// overwriting a context struct.
package chain

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus/beacon"
	"github.com/ethereum/go-ethereum/consensus/ethash"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/forge-run/forge/backend"
	"github.com/forge-run/forge/backend/internal/cheatbridge"
	"github.com/forge-run/forge/forgetypes"
)

type enterRecord struct {
	from  common.Address
	value *big.Int
}

// Backend is the block-oriented EVM backend.
type Backend struct {
	mu sync.Mutex

	db          ethdb.Database
	blockchain  *core.BlockChain
	chainConfig *params.ChainConfig

	pendingState *state.StateDB
	pendingBlock *types.Block

	cheatHandler backend.PrecompileHandler
	lastEnter    enterRecord
	revertReason []byte

	tracingOn    bool
	trace        []backend.TraceEntry
	capturedLogs []*types.Log

	snapshots  map[uint64]snapshotState
	nextSnapID uint64

	unsupported map[string]bool

	cheatState     *forgetypes.CheatcodeState
	watchingRevert bool
}

type snapshotState struct {
	dbRev int
	state *state.StateDB
	block *types.Block
}

func chainConfig() *params.ChainConfig {
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

// New constructs a Backend with a freshly mined, empty genesis block, the
// way NewSimulatedBackend builds its genesis from a core.GenesisAlloc.
func New() (*Backend, error) {
	cfg := chainConfig()
	db := rawdb.NewMemoryDatabase()
	gspec := &core.Genesis{
		Config:     cfg,
		Alloc:      types.GenesisAlloc{},
		Difficulty: common.Big0,
		BaseFee:    big.NewInt(875000000),
		GasLimit:   30_000_000,
	}
	bc, err := core.NewBlockChain(db, nil, gspec, nil, beacon.New(ethash.NewFaker()), vm.Config{}, nil, nil)
	if err != nil {
		return nil, forgetypes.WrapError(forgetypes.ErrBackendInternal, "init chain", err)
	}
	st, err := bc.State()
	if err != nil {
		return nil, forgetypes.WrapError(forgetypes.ErrBackendInternal, "init pending state", err)
	}
	genesisBlock := bc.GetBlockByNumber(0)
	return &Backend{
		db:           db,
		blockchain:   bc,
		chainConfig:  cfg,
		pendingState: st,
		pendingBlock: genesisBlock,
		snapshots:    make(map[uint64]snapshotState),
		unsupported:  make(map[string]bool),
	}, nil
}

func (b *Backend) hooks() *tracing.Hooks {
	return &tracing.Hooks{
		OnEnter: func(depth int, typ byte, from, to common.Address, input []byte, gas uint64, value *big.Int) {
			if to == forgetypes.CheatcodeAddress {
				b.lastEnter = enterRecord{from: from, value: value}
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

func (b *Backend) newEVM(from forgetypes.Address, value *big.Int, gasLimit uint64) *vm.EVM {
	header := b.pendingBlock.Header()
	blockCtx := core.NewEVMBlockContext(header, b.blockchain, &header.Coinbase)
	txCtx := vm.TxContext{Origin: from, GasPrice: new(big.Int)}
	return vm.NewEVM(blockCtx, txCtx, b.pendingState, b.chainConfig, vm.Config{Tracer: b.hooks(), NoBaseFee: true})
}

func (b *Backend) apply(from, to forgetypes.Address, create bool, data []byte, value *big.Int, gasLimit uint64) (*core.ExecutionResult, forgetypes.Address, error) {
	b.capturedLogs = nil
	b.revertReason = nil
	b.lastEnter = enterRecord{}
	if value == nil {
		value = new(big.Int)
	}

	evm := b.newEVM(from, value, gasLimit)
	nonce := b.pendingState.GetNonce(from)

	msg := &core.Message{
		From:      from,
		Nonce:     nonce,
		Value:     value,
		GasLimit:  gasLimit,
		GasPrice:  new(big.Int),
		GasFeeCap: new(big.Int),
		GasTipCap: new(big.Int),
		Data:      data,
		SkipAccountChecks: true,
	}
	var deployed forgetypes.Address
	if create {
		deployed = crypto.CreateAddress(from, nonce)
	} else {
		msg.To = &to
	}

	gp := new(core.GasPool).AddGas(gasLimit)
	var (
		res *core.ExecutionResult
		err error
	)
	b.withPrecompileOwnership(func() {
		res, err = core.ApplyMessage(evm, msg, gp)
	})
	return res, deployed, err
}

func (b *Backend) withPrecompileOwnership(fn func()) {
	cheatbridge.WithOwnership(b, fn)
}

func (b *Backend) Call(from, to forgetypes.Address, value *big.Int, calldata []byte, gasLimit uint64) (backend.CallResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, _, err := b.apply(from, to, false, calldata, value, gasLimit)
	if err != nil {
		return backend.CallResult{}, forgetypes.WrapError(forgetypes.ErrBackendInternal, "apply message", err)
	}
	out := backend.CallResult{GasUsed: res.UsedGas}
	if res.Failed() {
		out.Success = false
		out.RevertReason = revertData(res.ReturnData, b.revertReason)
		return out, nil
	}
	out.Success = true
	out.Return = res.ReturnData
	out.Logs = b.collectLogs()
	return out, nil
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

	res, addr, err := b.apply(from, forgetypes.Address{}, true, bytecode, value, 1_000_000_000)
	if err != nil {
		return forgetypes.Address{}, forgetypes.WrapError(forgetypes.ErrDeployFailed, "apply create message", err)
	}
	if res.Failed() {
		return forgetypes.Address{}, forgetypes.WrapError(forgetypes.ErrDeployFailed, "constructor reverted", res.Err)
	}
	b.pendingState.SetCode(addr, res.ReturnData)
	return addr, nil
}

func (b *Backend) SetBalance(addr forgetypes.Address, v *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	amt, _ := uint256.FromBig(v)
	b.pendingState.SetBalance(addr, amt, tracing.BalanceChangeUnspecified)
}

func (b *Backend) SetCode(addr forgetypes.Address, code []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingState.SetCode(addr, code)
}

func (b *Backend) SetStorage(addr forgetypes.Address, slot, value forgetypes.Word) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingState.SetState(addr, slot, value)
}

func (b *Backend) GetStorage(addr forgetypes.Address, slot forgetypes.Word) forgetypes.Word {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingState.GetState(addr, slot)
}

// ClearStorage wipes addr's storage trie association via CreateAccount,
// preserving balance and nonce, the same primitive backend/direct uses.
func (b *Backend) ClearStorage(addr forgetypes.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bal := b.pendingState.GetBalance(addr)
	nonce := b.pendingState.GetNonce(addr)
	b.pendingState.CreateAccount(addr)
	b.pendingState.SetBalance(addr, bal, tracing.BalanceChangeUnspecified)
	b.pendingState.SetNonce(addr, nonce)
}

func (b *Backend) GetNonce(addr forgetypes.Address) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingState.GetNonce(addr)
}

func (b *Backend) SetNonce(addr forgetypes.Address, nonce uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingState.SetNonce(addr, nonce)
}

func (b *Backend) GetBalance(addr forgetypes.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingState.GetBalance(addr).ToBig()
}

func (b *Backend) GetCode(addr forgetypes.Address) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingState.GetCode(addr)
}

// SetBlock mines one new, empty block onto the chain (so a later BLOCKHASH
// lookup finds real history). Only ctx.Coinbase and ctx.Timestamp are taken
// from ctx: the block's number is always the parent's plus one, and the
// other fields keep the values the chain gives the block. A Timestamp not
// later than the parent's is ignored, leaving GenerateChain's default of
// parent time plus 10 seconds.
func (b *Backend) SetBlock(ctx forgetypes.WorldContext) {
	b.mu.Lock()
	defer b.mu.Unlock()

	blocks, _ := core.GenerateChain(b.chainConfig, b.pendingBlock, beacon.New(ethash.NewFaker()), b.db, 1, func(i int, gen *core.BlockGen) {
		gen.SetCoinbase(ctx.Coinbase)
		if ctx.Timestamp > b.pendingBlock.Time() {
			// GenerateChain already places the block 10 seconds after its parent.
			gen.OffsetTime(int64(ctx.Timestamp) - int64(b.pendingBlock.Time()) - 10)
		}
	})
	if len(blocks) == 0 {
		return
	}
	if _, err := b.blockchain.InsertChain(blocks); err != nil {
		return
	}
	b.pendingBlock = blocks[0]
	st, err := b.blockchain.State()
	if err != nil {
		return
	}
	b.pendingState = st
}

func (b *Backend) Block() forgetypes.WorldContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.pendingBlock.Header()
	return forgetypes.WorldContext{
		Timestamp:  h.Time,
		Number:     h.Number.Uint64(),
		BaseFee:    h.BaseFee,
		Coinbase:   h.Coinbase,
		ChainID:    b.chainConfig.ChainID,
		GasLimit:   h.GasLimit,
		Difficulty: h.Difficulty,
	}
}

func (b *Backend) Snapshot() forgetypes.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSnapID
	b.nextSnapID++
	b.snapshots[id] = snapshotState{dbRev: b.pendingState.Snapshot(), state: b.pendingState, block: b.pendingBlock}
	return forgetypes.NewSnapshot(id)
}

// Revert rolls back to the exact *state.StateDB instance the snapshot was
// taken against, not merely the revision id: SetBlock swaps b.pendingState
// for a freshly fetched StateDB whenever it mines a block, and that fresh
// object's validRevisions is empty, so calling RevertToSnapshot on whatever
// happens to be the *current* pendingState would panic for any snapshot
// taken before an intervening SetBlock (warp/roll in particular, since
// executor.TE.Run reverts to S0 after every test, including tests that
// warped or rolled).
func (b *Backend) Revert(s forgetypes.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.snapshots[s.ID()]
	if !ok {
		return
	}
	st.state.RevertToSnapshot(st.dbRev)
	b.pendingState = st.state
	b.pendingBlock = st.block
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
		b.unsupported["precompile:"+addr.Hex()] = true
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
