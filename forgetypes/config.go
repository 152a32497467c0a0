package forgetypes

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the recognised configuration surface from the spec's external
// interfaces section. It is populated by the caller (compiler/CLI layer);
// this package only defines its shape and defaults.
type Config struct {
	FFI             bool
	FuzzRuns        uint32
	FuzzSeed        []byte
	ForkURL         string
	ForkBlock       *uint64
	ForkTimeout     time.Duration
	Sender          Address
	InitialBalance  *big.Int
	GasLimit        uint64
	Trace           bool
	Workers         int
}

// DefaultSender is the conventional Forge test-sender address, derived the
// same way upstream Forge derives it (keccak256("foundry default caller")
// truncated) — fixed here as a literal since this engine does not need to
// recompute it.
var DefaultSender = common.HexToAddress("0x1804c8AB1F12E6bbf3894d4083f33e07309d1f38")

// SetDefaults fills unset fields the way runtime.setDefaults does for the
// teacher's core/vm/runtime.Config, so callers can construct a bare Config
// literal and still get a runnable engine.
func SetDefaults(cfg *Config) {
	if cfg.FuzzRuns == 0 {
		cfg.FuzzRuns = 256
	}
	if cfg.ForkTimeout == 0 {
		cfg.ForkTimeout = 30 * time.Second
	}
	if (cfg.Sender == Address{}) {
		cfg.Sender = DefaultSender
	}
	if cfg.InitialBalance == nil {
		cfg.InitialBalance = new(big.Int).Lsh(big.NewInt(1), 254) // 2**254
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 1_000_000_000
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
}

// CheatcodeAddress is the fixed, load-bearing precompile address the
// dispatcher installs at.
var CheatcodeAddress = common.HexToAddress("0x7109709ECfa91a80626fF3989D68f67F5b1DD12D")
