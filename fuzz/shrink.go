package fuzz

import (
	"math/big"
	"math/rand/v2"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/forge-run/forge/forgetypes"
)

// shrinkOnce proposes one smaller tuple by shrinking exactly one argument
// (chosen at random, weighted toward earlier-failing-looking arguments is
// unnecessary here since the caller retries on no-op proposals), per the
// fixed shrink rules: smaller integers toward 0, shorter byte strings,
// zeroed addresses. Returns ok=false when the chosen argument is already at
// its minimal form.
func shrinkOnce(r *rand.Rand, sig []forgetypes.ParamType, method abi.Method, t tuple) (tuple, bool) {
	if len(t.args) == 0 {
		return tuple{}, false
	}
	idx := r.IntN(len(t.args))
	shrunk, ok := shrinkValue(sig[idx], t.args[idx])
	if !ok {
		return tuple{}, false
	}
	args := append([]any(nil), t.args...)
	args[idx] = shrunk
	return pack(method, sig, args), true
}

func shrinkValue(pt forgetypes.ParamType, v any) (any, bool) {
	switch pt.Kind {
	case forgetypes.KindUint:
		n := v.(*big.Int)
		if n.Sign() == 0 {
			return nil, false
		}
		return new(big.Int).Rsh(n, 1), true
	case forgetypes.KindInt:
		n := v.(*big.Int)
		if n.Sign() == 0 {
			return nil, false
		}
		half := new(big.Int).Quo(n, big.NewInt(2))
		if half.Cmp(n) == 0 {
			return nil, false
		}
		return half, true
	case forgetypes.KindAddress:
		a := v.(common.Address)
		if a == (common.Address{}) {
			return nil, false
		}
		return common.Address{}, true
	case forgetypes.KindBool:
		b := v.(bool)
		if !b {
			return nil, false
		}
		return false, true
	case forgetypes.KindFixedBytes:
		return shrinkFixedBytes(v)
	case forgetypes.KindBytes:
		b := v.([]byte)
		if len(b) == 0 {
			return nil, false
		}
		return b[:len(b)/2], true
	case forgetypes.KindString:
		s := v.(string)
		if len(s) == 0 {
			return nil, false
		}
		return s[:len(s)/2], true
	case forgetypes.KindArray:
		arr := v.([]any)
		if len(arr) == 0 {
			return nil, false
		}
		return arr[:len(arr)/2], true
	case forgetypes.KindTuple:
		elems := v.([]any)
		for i, e := range pt.Elements {
			shrunk, ok := shrinkValue(e, elems[i])
			if ok {
				out := append([]any(nil), elems...)
				out[i] = shrunk
				return out, true
			}
		}
		return nil, false
	default:
		return nil, false
	}
}

func shrinkFixedBytes(v any) (any, bool) {
	switch b := v.(type) {
	case [32]byte:
		if b == ([32]byte{}) {
			return nil, false
		}
		return [32]byte{}, true
	case [20]byte:
		if b == ([20]byte{}) {
			return nil, false
		}
		return [20]byte{}, true
	case []byte:
		allZero := true
		for _, x := range b {
			if x != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			return nil, false
		}
		return make([]byte, len(b)), true
	default:
		return nil, false
	}
}
