package executor

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forge-run/forge/backend"
	"github.com/forge-run/forge/backend/backendtest"
	"github.com/forge-run/forge/forgetypes"
)

func newTE() (*TE, *backendtest.Fake) {
	fake := backendtest.New()
	cfg := forgetypes.Config{}
	forgetypes.SetDefaults(&cfg)
	te := New(fake, cfg)
	te.contractAddr = forgetypes.Address{1}
	return te, fake
}

func TestClassifyTestFailPatternSuccessFails(t *testing.T) {
	te, _ := newTE()
	desc := forgetypes.FunctionDescriptor{Function: "testFailDivByZero"}
	res := te.classify(desc, backend.CallResult{Success: true})
	require.Equal(t, forgetypes.StatusFail, res.Status)
}

func TestClassifyTestFailPatternRevertPasses(t *testing.T) {
	te, _ := newTE()
	desc := forgetypes.FunctionDescriptor{Function: "testFailDivByZero"}
	res := te.classify(desc, backend.CallResult{Success: false})
	require.Equal(t, forgetypes.StatusPass, res.Status)
}

func TestClassifyRevertedCallFails(t *testing.T) {
	te, _ := newTE()
	desc := forgetypes.FunctionDescriptor{Function: "testSomething"}
	res := te.classify(desc, backend.CallResult{Success: false, RevertReason: []byte("nope")})
	require.Equal(t, forgetypes.StatusFail, res.Status)
}

func TestClassifyPassesWhenClean(t *testing.T) {
	te, _ := newTE()
	desc := forgetypes.FunctionDescriptor{Function: "testSomething"}
	res := te.classify(desc, backend.CallResult{Success: true})
	require.Equal(t, forgetypes.StatusPass, res.Status)
}

func TestClassifyAssertionFailureFails(t *testing.T) {
	te, fake := newTE()
	fake.SetStorage(te.contractAddr, assertionSlot, forgetypes.Word{31: 1})
	desc := forgetypes.FunctionDescriptor{Function: "testSomething"}
	res := te.classify(desc, backend.CallResult{Success: true})
	require.Equal(t, forgetypes.StatusFail, res.Status)
	require.Contains(t, res.Reason, "AssertionFailed")
}

func TestClassifyExpectRevertNeverConsumedFails(t *testing.T) {
	te, _ := newTE()
	te.state.ArmExpectRevert([]byte("boom"))
	desc := forgetypes.FunctionDescriptor{Function: "testSomething"}
	res := te.classify(desc, backend.CallResult{Success: true})
	require.Equal(t, forgetypes.StatusFail, res.Status)
	require.Contains(t, res.Reason, "ExpectedRevertMismatch")
}

func TestClassifyExpectRevertSatisfiedPasses(t *testing.T) {
	te, _ := newTE()
	te.state.ArmExpectRevert([]byte("boom"))
	te.state.ConsumeExpectRevert(true, []byte("boom"))
	desc := forgetypes.FunctionDescriptor{Function: "testSomething"}
	res := te.classify(desc, backend.CallResult{Success: true})
	require.Equal(t, forgetypes.StatusPass, res.Status)
}

func TestClassifyExpectRevertMismatchedDataFails(t *testing.T) {
	te, _ := newTE()
	te.state.ArmExpectRevert([]byte("boom"))
	te.state.ConsumeExpectRevert(true, []byte("something else"))
	desc := forgetypes.FunctionDescriptor{Function: "testSomething"}
	res := te.classify(desc, backend.CallResult{Success: true})
	require.Equal(t, forgetypes.StatusFail, res.Status)
	require.Contains(t, res.Reason, "ExpectedRevertMismatch")
}

func TestDeployCreditsSenderAndRecordsAddress(t *testing.T) {
	fake := backendtest.New()
	fake.DeployAddr = forgetypes.Address{9}
	cfg := forgetypes.Config{InitialBalance: big.NewInt(500)}
	forgetypes.SetDefaults(&cfg)
	te := New(fake, cfg)

	err := te.Deploy(forgetypes.Artifact{Bytecode: []byte{0x60, 0x00}})
	require.NoError(t, err)
	require.Equal(t, forgetypes.Address{9}, te.ContractAddress())
	require.Equal(t, big.NewInt(500), fake.GetBalance(cfg.Sender))
}
