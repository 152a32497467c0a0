// Package cheatcode implements the Forge cheatcode precompile: decoding
// calldata routed to the fixed cheatcode address, mutating backend state
// or CheatcodeState, and encoding a return value the way a Solidity ABI
// caller expects. Selector derivation follows accounts/abi's own
// convention (keccak256 of the canonical signature, first four bytes),
// grounded on the teacher's accounts/abi/bind binding generator, which
// computes method IDs the same way.
package cheatcode

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"os/exec"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/forge-run/forge/backend"
	"github.com/forge-run/forge/forgetypes"
)

// Host is the slice of backend.Backend plus shared CheatcodeState the
// dispatcher needs. The executor owns both and passes them in, so the
// dispatcher itself holds no per-test state beyond what's given here.
type Host interface {
	backend.Backend
	State() *forgetypes.CheatcodeState
}

// Dispatcher decodes and executes one cheatcode call.
type Dispatcher struct {
	host Host
}

func New(host Host) *Dispatcher {
	return &Dispatcher{host: host}
}

// Handler adapts Dispatcher to backend.PrecompileHandler.
func (d *Dispatcher) Handler() backend.PrecompileHandler {
	return func(caller forgetypes.Address, input []byte, value *big.Int) ([]byte, uint64, []byte, error) {
		return d.Dispatch(caller, input)
	}
}

var errBadCheatCode = errors.New("BadCheatCode")

const gasCost = 100

type selectorFunc func(d *Dispatcher, caller forgetypes.Address, args []byte) (ret []byte, revert []byte, err error)

var selectors = map[[4]byte]struct {
	name string
	args abi.Arguments
	fn   selectorFunc
}{}

func register(signature string, args abi.Arguments, fn selectorFunc) {
	sel := [4]byte{}
	copy(sel[:], crypto.Keccak256([]byte(signature))[:4])
	selectors[sel] = struct {
		name string
		args abi.Arguments
		fn   selectorFunc
	}{name: signature, args: args, fn: fn}
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

func args(types ...string) abi.Arguments {
	out := make(abi.Arguments, 0, len(types))
	for _, t := range types {
		out = append(out, abi.Argument{Type: mustType(t)})
	}
	return out
}

func init() {
	register("warp(uint256)", args("uint256"), (*Dispatcher).warp)
	register("roll(uint256)", args("uint256"), (*Dispatcher).roll)
	register("store(address,bytes32,bytes32)", args("address", "bytes32", "bytes32"), (*Dispatcher).store)
	register("load(address,bytes32)", args("address", "bytes32"), (*Dispatcher).load)
	register("sign(uint256,bytes32)", args("uint256", "bytes32"), (*Dispatcher).sign)
	register("addr(uint256)", args("uint256"), (*Dispatcher).addr)
	register("ffi(string[])", args("string[]"), (*Dispatcher).ffi)
	register("deal(address,uint256)", args("address", "uint256"), (*Dispatcher).deal)
	register("etch(address,bytes)", args("address", "bytes"), (*Dispatcher).etch)
	register("prank(address,address,bytes)", args("address", "address", "bytes"), (*Dispatcher).prank)
	register("expectRevert(bytes)", args("bytes"), (*Dispatcher).expectRevert)
}

// Dispatch decodes the selector, unpacks arguments and runs the matching
// operation. An unknown selector or malformed arguments both surface as
// BadCheatCode, per CD's contract.
func (d *Dispatcher) Dispatch(caller forgetypes.Address, input []byte) ([]byte, uint64, []byte, error) {
	if len(input) < 4 {
		return nil, gasCost, encodeRevert(errBadCheatCode), nil
	}
	var sel [4]byte
	copy(sel[:], input[:4])
	entry, ok := selectors[sel]
	if !ok {
		return nil, gasCost, encodeRevert(errBadCheatCode), nil
	}
	ret, revert, err := entry.fn(d, caller, input[4:])
	if err != nil {
		return nil, gasCost, nil, err
	}
	if revert != nil {
		return nil, gasCost, revert, nil
	}
	return ret, gasCost, nil, nil
}

func encodeRevert(err error) []byte {
	errType := mustType("string")
	packed, _ := abi.Arguments{{Type: errType}}.Pack(err.Error())
	out := make([]byte, 0, 4+len(packed))
	out = append(out, []byte{0x08, 0xc3, 0x79, 0xa0}...) // Error(string) selector
	return append(out, packed...)
}

func (d *Dispatcher) unpack(sig string, data []byte) ([]interface{}, error) {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(sig))[:4])
	entry := selectors[sel]
	return entry.args.Unpack(data)
}

func (d *Dispatcher) warp(caller forgetypes.Address, data []byte) ([]byte, []byte, error) {
	vals, err := d.unpack("warp(uint256)", data)
	if err != nil {
		return nil, encodeRevert(errBadCheatCode), nil
	}
	ts := vals[0].(*big.Int)
	ctx := d.host.Block()
	ctx.Timestamp = ts.Uint64()
	d.host.SetBlock(ctx)
	return nil, nil, nil
}

func (d *Dispatcher) roll(caller forgetypes.Address, data []byte) ([]byte, []byte, error) {
	vals, err := d.unpack("roll(uint256)", data)
	if err != nil {
		return nil, encodeRevert(errBadCheatCode), nil
	}
	num := vals[0].(*big.Int)
	ctx := d.host.Block()
	ctx.Number = num.Uint64()
	d.host.SetBlock(ctx)
	return nil, nil, nil
}

func (d *Dispatcher) store(caller forgetypes.Address, data []byte) ([]byte, []byte, error) {
	vals, err := d.unpack("store(address,bytes32,bytes32)", data)
	if err != nil {
		return nil, encodeRevert(errBadCheatCode), nil
	}
	addr := vals[0].(common.Address)
	slot := common.Hash(vals[1].([32]byte))
	val := common.Hash(vals[2].([32]byte))
	d.host.SetStorage(addr, slot, val)
	return nil, nil, nil
}

func (d *Dispatcher) load(caller forgetypes.Address, data []byte) ([]byte, []byte, error) {
	vals, err := d.unpack("load(address,bytes32)", data)
	if err != nil {
		return nil, encodeRevert(errBadCheatCode), nil
	}
	addr := vals[0].(common.Address)
	slot := common.Hash(vals[1].([32]byte))
	v := d.host.GetStorage(addr, slot)
	out, _ := args("bytes32").Pack([32]byte(v))
	return out, nil, nil
}

func (d *Dispatcher) sign(caller forgetypes.Address, data []byte) ([]byte, []byte, error) {
	vals, err := d.unpack("sign(uint256,bytes32)", data)
	if err != nil {
		return nil, encodeRevert(errBadCheatCode), nil
	}
	sk := vals[0].(*big.Int)
	digest := common.Hash(vals[1].([32]byte))

	priv, ok := skToKey(sk)
	if !ok {
		return nil, encodeRevert(errors.New("invalid private key")), nil
	}
	sig, err := crypto.Sign(digest[:], priv)
	if err != nil {
		return nil, encodeRevert(err), nil
	}
	var r, s [32]byte
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v := uint8(sig[64]) + 27

	out, _ := args("uint8", "bytes32", "bytes32").Pack(v, r, s)
	return out, nil, nil
}

func (d *Dispatcher) addr(caller forgetypes.Address, data []byte) ([]byte, []byte, error) {
	vals, err := d.unpack("addr(uint256)", data)
	if err != nil {
		return nil, encodeRevert(errBadCheatCode), nil
	}
	sk := vals[0].(*big.Int)
	priv, ok := skToKey(sk)
	if !ok {
		return nil, encodeRevert(errors.New("invalid private key")), nil
	}
	a := crypto.PubkeyToAddress(priv.PublicKey)
	out, _ := args("address").Pack(a)
	return out, nil, nil
}

// skToKey converts a raw scalar to a secp256k1 private key, rejecting 0
// and values at or above the curve order, per sign/addr's shared contract.
func skToKey(sk *big.Int) (*ecdsa.PrivateKey, bool) {
	n := crypto.S256().Params().N
	if sk.Sign() <= 0 || sk.Cmp(n) >= 0 {
		return nil, false
	}
	buf := make([]byte, 32)
	sk.FillBytes(buf)
	priv, err := crypto.ToECDSA(buf)
	if err != nil {
		return nil, false
	}
	return priv, true
}

func (d *Dispatcher) ffi(caller forgetypes.Address, data []byte) ([]byte, []byte, error) {
	if !d.host.State().FFIEnabled {
		return nil, encodeRevert(errors.New("ffi disabled")), nil
	}
	vals, err := d.unpack("ffi(string[])", data)
	if err != nil {
		return nil, encodeRevert(errBadCheatCode), nil
	}
	argv := vals[0].([]string)
	if len(argv) == 0 {
		return nil, encodeRevert(errBadCheatCode), nil
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, encodeRevert(forgetypes.WrapError(forgetypes.ErrFfiDisabled, "ffi subprocess failed", err)), nil
	}
	out, _ := args("bytes").Pack(stdout.Bytes())
	return out, nil, nil
}

func (d *Dispatcher) deal(caller forgetypes.Address, data []byte) ([]byte, []byte, error) {
	vals, err := d.unpack("deal(address,uint256)", data)
	if err != nil {
		return nil, encodeRevert(errBadCheatCode), nil
	}
	addr := vals[0].(common.Address)
	amt := vals[1].(*big.Int)
	d.host.SetBalance(addr, amt)
	return nil, nil, nil
}

func (d *Dispatcher) etch(caller forgetypes.Address, data []byte) ([]byte, []byte, error) {
	vals, err := d.unpack("etch(address,bytes)", data)
	if err != nil {
		return nil, encodeRevert(errBadCheatCode), nil
	}
	addr := vals[0].(common.Address)
	code := vals[1].([]byte)
	if len(d.host.GetCode(addr)) == 0 {
		d.host.ClearStorage(addr)
	}
	d.host.SetCode(addr, code)
	return nil, nil, nil
}

func (d *Dispatcher) prank(caller forgetypes.Address, data []byte) ([]byte, []byte, error) {
	vals, err := d.unpack("prank(address,address,bytes)", data)
	if err != nil {
		return nil, encodeRevert(errBadCheatCode), nil
	}
	st := d.host.State()
	if st.Prank.Armed {
		return nil, encodeRevert(errors.New("prank already armed")), nil
	}
	sender := vals[0].(common.Address)
	target := vals[1].(common.Address)
	calldata := vals[2].([]byte)

	st.Prank = forgetypes.PrankState{Sender: sender, Target: target, Armed: true}
	res, err := d.host.Call(sender, target, new(big.Int), calldata, 1_000_000_000)
	st.Prank = forgetypes.PrankState{}
	if err != nil {
		return nil, encodeRevert(err), nil
	}
	out, _ := args("bool", "bytes").Pack(res.Success, res.Return)
	return out, nil, nil
}

func (d *Dispatcher) expectRevert(caller forgetypes.Address, data []byte) ([]byte, []byte, error) {
	vals, err := d.unpack("expectRevert(bytes)", data)
	if err != nil {
		return nil, encodeRevert(errBadCheatCode), nil
	}
	expected := vals[0].([]byte)
	d.host.State().ArmExpectRevert(expected)
	return nil, nil, nil
}
