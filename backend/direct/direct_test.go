package direct

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forge-run/forge/forgetypes"
)

// returnsFortyTwo is deploy bytecode whose constructor copies a ten-byte
// runtime body into memory and returns it; the runtime body itself just
// MSTOREs 42 and returns the word, the smallest "call and observe a return
// value" fixture, in the same raw-opcode style as runtime_test.go's
// hand-assembled PUSH1/MSTORE/RETURN sequences.
var returnsFortyTwo = []byte{
	// constructor: CODECOPY(dst=0, src=12, len=10); RETURN(0, 10)
	0x60, 0x0a, 0x60, 0x0c, 0x60, 0x00, 0x39, 0x60, 0x0a, 0x60, 0x00, 0xf3,
	// runtime: MSTORE(0, 42); RETURN(0, 32)
	0x60, 0x2a, 0x60, 0x00, 0x52, 0x60, 0x20, 0x60, 0x00, 0xf3,
}

func TestDeployAndCallReturnsValue(t *testing.T) {
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

func TestSnapshotRevertRestoresStorage(t *testing.T) {
	b, err := New()
	require.NoError(t, err)

	addr := forgetypes.Address{2}
	slot := forgetypes.Word{}
	b.SetStorage(addr, slot, forgetypes.Word{31: 1})

	snap := b.Snapshot()
	b.SetStorage(addr, slot, forgetypes.Word{31: 2})
	require.Equal(t, forgetypes.Word{31: 2}, b.GetStorage(addr, slot))

	b.Revert(snap)
	require.Equal(t, forgetypes.Word{31: 1}, b.GetStorage(addr, slot))
}

func TestUnsupportedPrecompileAddressIsSkippable(t *testing.T) {
	b, err := New()
	require.NoError(t, err)

	other := forgetypes.Address{0xff}
	b.InstallPrecompile(other, nil)
	require.True(t, b.Unsupported("precompile:"+other.Hex()))
}

func TestTracingCapturesOpcodes(t *testing.T) {
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
