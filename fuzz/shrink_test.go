package fuzz

import (
	"math/big"
	"math/rand/v2"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/forge-run/forge/forgetypes"
)

func TestShrinkValueUintHalves(t *testing.T) {
	v, ok := shrinkValue(forgetypes.ParamType{Kind: forgetypes.KindUint, Bits: 256}, big.NewInt(42))
	require.True(t, ok)
	require.Equal(t, big.NewInt(21), v)
}

func TestShrinkValueUintZeroIsMinimal(t *testing.T) {
	_, ok := shrinkValue(forgetypes.ParamType{Kind: forgetypes.KindUint}, new(big.Int))
	require.False(t, ok)
}

func TestShrinkValueAddressZeroesOut(t *testing.T) {
	v, ok := shrinkValue(forgetypes.ParamType{Kind: forgetypes.KindAddress}, common.HexToAddress("0xabc"))
	require.True(t, ok)
	require.Equal(t, common.Address{}, v)
}

func TestShrinkValueAddressZeroIsMinimal(t *testing.T) {
	_, ok := shrinkValue(forgetypes.ParamType{Kind: forgetypes.KindAddress}, common.Address{})
	require.False(t, ok)
}

func TestShrinkValueBytesHalvesLength(t *testing.T) {
	v, ok := shrinkValue(forgetypes.ParamType{Kind: forgetypes.KindBytes}, []byte{1, 2, 3, 4})
	require.True(t, ok)
	require.Len(t, v.([]byte), 2)
}

func TestShrinkValueStringHalvesLength(t *testing.T) {
	v, ok := shrinkValue(forgetypes.ParamType{Kind: forgetypes.KindString}, "abcdefgh")
	require.True(t, ok)
	require.Len(t, v.(string), 4)
}

func TestShrinkValueBoolFalseIsMinimal(t *testing.T) {
	_, ok := shrinkValue(forgetypes.ParamType{Kind: forgetypes.KindBool}, false)
	require.False(t, ok)
}

func TestGenerateUintStaysWithinRange(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 200; i++ {
		v := generate(r, forgetypes.ParamType{Kind: forgetypes.KindUint, Bits: 256}).(*big.Int)
		require.True(t, v.Sign() >= 0)
		require.True(t, v.Cmp(maxUint(256)) <= 0)
	}
}

func TestGenerateBytesBiasedTowardSmallSizes(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	sawZero := false
	for i := 0; i < 500; i++ {
		b := generate(r, forgetypes.ParamType{Kind: forgetypes.KindBytes}).([]byte)
		if len(b) == 0 {
			sawZero = true
		}
		require.True(t, len(b) <= 64)
	}
	require.True(t, sawZero, "expected at least one zero-length draw across many samples")
}

func TestSeedForIsDeterministic(t *testing.T) {
	d := New(forgetypes.Config{FuzzSeed: []byte("seed")})
	a := d.seedFor("Contract", "testFoo")
	b := d.seedFor("Contract", "testFoo")
	require.Equal(t, a, b)

	c := d.seedFor("Contract", "testBar")
	require.NotEqual(t, a, c)
}
