package runner

import (
	"regexp"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/stretchr/testify/require"

	"github.com/forge-run/forge/forgetypes"
)

const sampleABI = `[
	{"type":"function","name":"setUp","inputs":[],"outputs":[]},
	{"type":"function","name":"testSimple","inputs":[],"outputs":[]},
	{"type":"function","name":"testFailDivByZero","inputs":[],"outputs":[]},
	{"type":"function","name":"testFuzzValue","inputs":[{"name":"x","type":"uint256"},{"name":"who","type":"address"}],"outputs":[]},
	{"type":"function","name":"helperNotATest","inputs":[],"outputs":[]}
]`

func mustParseABI(t *testing.T) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(sampleABI))
	require.NoError(t, err)
	return parsed
}

func TestDiscoverTestsOnlyMatchesTestPrefixed(t *testing.T) {
	a := forgetypes.Artifact{Name: "Sample", ABI: mustParseABI(t)}
	descs := discoverTests(a)

	names := make([]string, 0, len(descs))
	for _, d := range descs {
		names = append(names, d.Function)
	}
	require.ElementsMatch(t, []string{"testSimple", "testFailDivByZero", "testFuzzValue"}, names)
}

func TestDiscoverTestsMarksFuzzKindBySignature(t *testing.T) {
	a := forgetypes.Artifact{Name: "Sample", ABI: mustParseABI(t)}
	descs := discoverTests(a)

	for _, d := range descs {
		switch d.Function {
		case "testSimple", "testFailDivByZero":
			require.False(t, d.Kind.Fuzz)
		case "testFuzzValue":
			require.True(t, d.Kind.Fuzz)
			require.Len(t, d.Kind.Signature, 2)
			require.Equal(t, forgetypes.KindUint, d.Kind.Signature[0].Kind)
			require.Equal(t, 256, d.Kind.Signature[0].Bits)
			require.Equal(t, forgetypes.KindAddress, d.Kind.Signature[1].Kind)
		}
	}
}

func TestPlanOrdersLexicographicallyAndAppliesFilter(t *testing.T) {
	a := forgetypes.Artifact{Name: "Sample", ABI: mustParseABI(t)}
	r := New(forgetypes.Config{}, nil, nil)
	items := r.plan([]forgetypes.Artifact{a})
	require.Len(t, items, 1)

	fns := make([]string, len(items[0].descs))
	for i, d := range items[0].descs {
		fns[i] = d.Function
	}
	for i := 1; i < len(fns); i++ {
		require.LessOrEqual(t, fns[i-1], fns[i])
	}

	filtered := New(forgetypes.Config{}, nil, regexp.MustCompile(`^Sample\.testFail`)).plan([]forgetypes.Artifact{a})
	require.Len(t, filtered, 1)
	require.Len(t, filtered[0].descs, 1)
	require.Equal(t, "testFailDivByZero", filtered[0].descs[0].Function)
}
