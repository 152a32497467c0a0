package executor_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/forge-run/forge/backend/direct"
	"github.com/forge-run/forge/executor"
	"github.com/forge-run/forge/forgetypes"
)

// revertingRuntime is a runtime body that unconditionally reverts with no
// data, standing in for a Solidity `revert()` call.
var revertingRuntime = []byte{0x60, 0x00, 0x60, 0x00, 0xfd} // PUSH1 0, PUSH1 0, REVERT

// wrapConstructor assembles deploy bytecode whose constructor CODECOPYs the
// given runtime body and returns it, generalising backend/direct's
// fixed-length returnsFortyTwo test fixture to an arbitrary runtime length.
func wrapConstructor(runtime []byte) []byte {
	n := len(runtime)
	lenBytes := [2]byte{byte(n >> 8), byte(n)}
	const initLen = 15
	out := []byte{0x61, lenBytes[0], lenBytes[1]} // PUSH2 len
	out = append(out, 0x61, 0x00, initLen)        // PUSH2 offset
	out = append(out, 0x60, 0x00)                 // PUSH1 0
	out = append(out, 0x39)                       // CODECOPY
	out = append(out, 0x61, lenBytes[0], lenBytes[1])
	out = append(out, 0x60, 0x00) // PUSH1 0
	out = append(out, 0xf3)       // RETURN
	out = append(out, runtime...)
	return out
}

func push1(v byte) []byte { return []byte{0x60, v} }

// pushBytes emits the minimal-width PUSHN for up to 32 bytes of immediate
// data.
func pushBytes(b []byte) []byte {
	return append([]byte{byte(0x60 + len(b) - 1)}, b...)
}

func pushInt(v int64) []byte {
	if v == 0 {
		return push1(0)
	}
	return pushBytes(big.NewInt(v).Bytes())
}

// buildWarpRuntime assembles a runtime body that calls the cheatcode
// precompile's warp(uint256) with x, then returns block.timestamp, used to
// observe the cheatcode's effect from within the same EVM call that
// invoked it (the way a Solidity test contract would read block.timestamp
// right after `vm.warp(x)`).
func buildWarpRuntime(x int64) []byte {
	var out []byte
	sel := crypto.Keccak256([]byte("warp(uint256)"))[:4]
	for i, b := range sel {
		out = append(out, push1(b)...)
		out = append(out, push1(byte(i))...)
		out = append(out, 0x53) // MSTORE8
	}
	xWord := make([]byte, 32)
	big.NewInt(x).FillBytes(xWord)
	out = append(out, pushBytes(xWord)...) // value
	out = append(out, push1(4)...)         // offset
	out = append(out, 0x52)                // MSTORE

	out = append(out, pushInt(0)...)                                   // retSize
	out = append(out, pushInt(0)...)                                   // retOffset
	out = append(out, pushInt(36)...)                                  // argsSize
	out = append(out, pushInt(0)...)                                   // argsOffset
	out = append(out, pushInt(0)...)                                   // value
	out = append(out, pushBytes(forgetypes.CheatcodeAddress.Bytes())...) // addr
	out = append(out, pushInt(100_000)...)                             // gas
	out = append(out, 0xf1)                                            // CALL

	out = append(out, 0x42)        // TIMESTAMP
	out = append(out, push1(0)...) // offset
	out = append(out, 0x52)        // MSTORE

	out = append(out, push1(0x20)...) // size
	out = append(out, push1(0)...)    // offset
	out = append(out, 0xf3)           // RETURN
	return out
}

func newDirectTE(t *testing.T) (*executor.TE, forgetypes.Config) {
	store, err := direct.New()
	require.NoError(t, err)
	var cfg forgetypes.Config
	forgetypes.SetDefaults(&cfg)
	return executor.New(store, cfg), cfg
}

// Scenario 1 from the spec's testable-properties list: warp succeeds and
// block.timestamp observes the new value within the call that set it.
func TestWarpCheatcodeObservedWithinSameCall(t *testing.T) {
	te, cfg := newDirectTE(t)
	runtime := buildWarpRuntime(100)
	require.NoError(t, te.Deploy(forgetypes.Artifact{Name: "Foo", Bytecode: wrapConstructor(runtime)}))

	res, err := te.Store().Call(cfg.Sender, te.ContractAddress(), nil, nil, cfg.GasLimit)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, uint64(100), new(big.Int).SetBytes(res.Return).Uint64())
}

// Scenario 4: a testFail-prefixed function that reverts is reported Pass.
func TestFailNamingConventionPassesOnRevert(t *testing.T) {
	te, _ := newDirectTE(t)
	require.NoError(t, te.Deploy(forgetypes.Artifact{Name: "Foo", Bytecode: wrapConstructor(revertingRuntime)}))
	require.NoError(t, te.SetUp(forgetypes.Artifact{Name: "Foo"}))

	desc := forgetypes.FunctionDescriptor{Contract: "Foo", Function: "testFailBar"}
	result := te.Run(desc, nil)
	require.Equal(t, forgetypes.StatusPass, result.Status)
}

// A plain (non-testFail) function that reverts is reported Fail.
func TestPlainFunctionFailsOnRevert(t *testing.T) {
	te, _ := newDirectTE(t)
	require.NoError(t, te.Deploy(forgetypes.Artifact{Name: "Foo", Bytecode: wrapConstructor(revertingRuntime)}))
	require.NoError(t, te.SetUp(forgetypes.Artifact{Name: "Foo"}))

	desc := forgetypes.FunctionDescriptor{Contract: "Foo", Function: "testBar"}
	result := te.Run(desc, nil)
	require.Equal(t, forgetypes.StatusFail, result.Status)
}
