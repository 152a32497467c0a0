package chain

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forge-run/forge/forgetypes"
)

// returnsFortyTwo mirrors backend/direct's fixture: a constructor that
// CODECOPYs a ten-byte runtime body and returns it, the runtime body MSTOREs
// 42 and returns the word.
var returnsFortyTwo = []byte{
	0x60, 0x0a, 0x60, 0x0c, 0x60, 0x00, 0x39, 0x60, 0x0a, 0x60, 0x00, 0xf3,
	0x60, 0x2a, 0x60, 0x00, 0x52, 0x60, 0x20, 0x60, 0x00, 0xf3,
}

func TestChainDeployAndCallReturnsValue(t *testing.T) {
	b, err := New()
	require.NoError(t, err)

	from := forgetypes.Address{1}
	b.SetBalance(from, big.NewInt(1_000_000_000))

	addr, err := b.Deploy(from, returnsFortyTwo, nil)
	require.NoError(t, err)
	require.NotEmpty(t, b.GetCode(addr))

	res, err := b.Call(from, addr, nil, nil, 1_000_000)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, uint64(42), new(big.Int).SetBytes(res.Return).Uint64())
}

func TestChainDeployBumpsNonceViaApplyMessage(t *testing.T) {
	b, err := New()
	require.NoError(t, err)

	from := forgetypes.Address{1}
	b.SetBalance(from, big.NewInt(1_000_000_000))
	require.Equal(t, uint64(0), b.GetNonce(from))

	_, err = b.Deploy(from, returnsFortyTwo, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), b.GetNonce(from))
}

func TestSetBlockMinesAndAdvancesHistory(t *testing.T) {
	b, err := New()
	require.NoError(t, err)

	start := b.Block()
	b.SetBlock(forgetypes.WorldContext{Timestamp: start.Timestamp + 100, Coinbase: forgetypes.Address{9}})

	next := b.Block()
	require.Equal(t, start.Number+1, next.Number)
	require.Equal(t, start.Timestamp+100, next.Timestamp)
	require.Equal(t, forgetypes.Address{9}, next.Coinbase)
}

func TestChainSnapshotRevertRestoresStorageAndBlock(t *testing.T) {
	b, err := New()
	require.NoError(t, err)

	addr := forgetypes.Address{2}
	slot := forgetypes.Word{}
	b.SetStorage(addr, slot, forgetypes.Word{31: 1})

	snap := b.Snapshot()
	blockBefore := b.Block().Number

	b.SetStorage(addr, slot, forgetypes.Word{31: 2})
	b.SetBlock(forgetypes.WorldContext{Timestamp: 12345})
	require.Equal(t, forgetypes.Word{31: 2}, b.GetStorage(addr, slot))
	require.NotEqual(t, blockBefore, b.Block().Number)

	b.Revert(snap)
	require.Equal(t, forgetypes.Word{31: 1}, b.GetStorage(addr, slot))
	require.Equal(t, blockBefore, b.Block().Number)
}

func TestChainTracingCapturesOpcodes(t *testing.T) {
	b, err := New()
	require.NoError(t, err)

	from := forgetypes.Address{3}
	b.SetBalance(from, big.NewInt(1_000_000_000))
	addr, err := b.Deploy(from, returnsFortyTwo, nil)
	require.NoError(t, err)

	b.SetTracing(true)
	_, err = b.Call(from, addr, nil, nil, 1_000_000)
	require.NoError(t, err)
	trace := b.DrainTrace()
	require.NotEmpty(t, trace)
	require.Equal(t, "PUSH1", trace[0].Op)
}

func TestChainUnsupportedPrecompileAddressIsSkippable(t *testing.T) {
	b, err := New()
	require.NoError(t, err)

	other := forgetypes.Address{0xff}
	b.InstallPrecompile(other, nil)
	require.True(t, b.Unsupported("precompile:"+other.Hex()))
}
