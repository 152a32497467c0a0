// Package executor runs the Deploying → SettingUp → Running → Classifying
// state machine for one (contract, test function) pair. It owns the
// backend instance, the cheatcode dispatcher wired to it, and the
// DSTest-style assertion slot check, grounded on how the teacher's own
// core/vm/runtime package drives a deploy-then-call sequence against one
// long-lived state.StateDB.
package executor

import (
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/forge-run/forge/backend"
	"github.com/forge-run/forge/cheatcode"
	"github.com/forge-run/forge/forgetypes"
)

// assertionSlot is the storage slot ds-test's `failed()` convention reads:
// the literal ASCII bytes of "failed" left-justified into a bytes32, the
// same layout a Solidity `bytes32("failed")` literal produces (as opposed
// to common.BytesToHash, which right-justifies). Base test contracts write
// a non-zero value here on the first failed assertion.
var assertionSlot = func() common.Hash {
	var h common.Hash
	copy(h[:], []byte("failed"))
	return h
}()

var testFailPattern = regexp.MustCompile(`^testFail`)

// TE executes tests for one deployed contract instance.
type TE struct {
	store   backend.Backend
	dispatch *cheatcode.Dispatcher
	state   forgetypes.CheatcodeState
	cfg     forgetypes.Config

	contractAddr forgetypes.Address
	s0           forgetypes.Snapshot
}

// State and the embedded backend.Backend satisfy cheatcode.Host.
func (t *TE) State() *forgetypes.CheatcodeState { return &t.state }

var _ cheatcode.Host = (*teHost)(nil)

// teHost adapts TE to cheatcode.Host without exporting backend.Backend
// method promotion on TE itself (TE deliberately does not embed
// backend.Backend, since callers drive it through RunTest, not the raw
// backend surface).
type teHost struct {
	*TE
	backend.Backend
}

// New constructs a TE over a fresh backend instance, wiring the cheatcode
// dispatcher to it immediately as the spec's CD installation requires.
func New(store backend.Backend, cfg forgetypes.Config) *TE {
	t := &TE{store: store, cfg: cfg}
	host := teHost{TE: t, Backend: store}
	t.dispatch = cheatcode.New(host)
	store.InstallPrecompile(forgetypes.CheatcodeAddress, t.dispatch.Handler())
	store.BindCheatState(&t.state)
	return t
}

// Deploy credits the configured sender and deploys the test contract
// artifact from it, per TE steps 2-3.
func (t *TE) Deploy(artifact forgetypes.Artifact) error {
	t.store.SetBalance(t.cfg.Sender, t.cfg.InitialBalance)
	addr, err := t.store.Deploy(t.cfg.Sender, artifact.Bytecode, nil)
	if err != nil {
		return err
	}
	t.contractAddr = addr
	return nil
}

// SetUp calls setUp() if the artifact exposes it; a revert here is fatal
// to the whole contract's test batch (step 4), and takes S0 immediately
// after (step 5).
func (t *TE) SetUp(artifact forgetypes.Artifact) error {
	t.state.Reset(t.cfg.FFI)
	if hasSetUp(artifact.ABI) {
		res, err := t.store.Call(t.cfg.Sender, t.contractAddr, new(big.Int), setUpCalldata(), t.cfg.GasLimit)
		if err != nil {
			return forgetypes.WrapError(forgetypes.ErrSetUpFailed, "setUp call", err)
		}
		if !res.Success {
			return forgetypes.WrapError(forgetypes.ErrSetUpFailed, "setUp reverted", nil)
		}
	}
	t.s0 = t.store.Snapshot()
	return nil
}

func hasSetUp(a abi.ABI) bool {
	_, ok := a.Methods["setUp"]
	return ok
}

func setUpCalldata() []byte {
	return selector("setUp()")
}

func selector(signature string) []byte {
	return crypto.Keccak256([]byte(strings.TrimSpace(signature)))[:4]
}

// Run executes one test function call with the given already-encoded
// calldata (cheatcode-free ABI arguments packed by the caller, e.g. the
// fuzz driver), classifies the outcome, and restores S0 before returning,
// per steps 6-8.
func (t *TE) Run(desc forgetypes.FunctionDescriptor, calldata []byte) forgetypes.TestResult {
	t.state.Reset(t.cfg.FFI)

	res, err := t.store.Call(t.cfg.Sender, t.contractAddr, new(big.Int), calldata, t.cfg.GasLimit)
	defer t.store.Revert(t.s0)

	if err != nil {
		return forgetypes.TestResult{Status: forgetypes.StatusFail, Reason: err.Error()}
	}

	result := t.classify(desc, res)
	result.GasUsed = res.GasUsed
	result.Logs = res.Logs
	return result
}

func (t *TE) classify(desc forgetypes.FunctionDescriptor, res backend.CallResult) forgetypes.TestResult {
	expectsRevert := testFailPattern.MatchString(desc.Function)

	if expectsRevert {
		if res.Success {
			return forgetypes.TestResult{Status: forgetypes.StatusFail, Reason: "expected revert (testFail*) but call succeeded"}
		}
		return forgetypes.TestResult{Status: forgetypes.StatusPass}
	}

	if !res.Success {
		return forgetypes.TestResult{Status: forgetypes.StatusFail, Reason: "call reverted: " + string(res.RevertReason)}
	}

	if t.state.HasExpectedRevert {
		return forgetypes.TestResult{Status: forgetypes.StatusFail, Reason: "ExpectedRevertMismatch: armed expectRevert was never consumed by a subsequent call"}
	}
	if t.state.RevertConsumed && !t.state.RevertSatisfied {
		return forgetypes.TestResult{Status: forgetypes.StatusFail, Reason: "ExpectedRevertMismatch: next call did not revert with the expected data"}
	}

	if t.assertionFailed() {
		return forgetypes.TestResult{Status: forgetypes.StatusFail, Reason: "AssertionFailed"}
	}

	return forgetypes.TestResult{Status: forgetypes.StatusPass}
}

func (t *TE) assertionFailed() bool {
	v := t.store.GetStorage(t.contractAddr, assertionSlot)
	return v != (common.Hash{})
}

// ContractAddress exposes the deployed address for callers (e.g. the fuzz
// driver, which needs it to build calldata against the same contract).
func (t *TE) ContractAddress() forgetypes.Address { return t.contractAddr }

// Snapshot0 exposes S0 to callers that need to branch execution themselves
// (the fuzz driver resets to S0 once per candidate tuple).
func (t *TE) Snapshot0() forgetypes.Snapshot { return t.s0 }

// Store exposes the backend so the fuzz driver and runner can pack
// calldata and read back cheatcode-unrelated state without the executor
// needing to re-expose every backend method.
func (t *TE) Store() backend.Backend { return t.store }

