package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/forge-run/forge/forgetypes"
)

// artifactFile is the on-disk shape of one compiled-contract entry; producing
// these is the out-of-scope compiler's job, this binary only consumes them.
type artifactFile struct {
	Name             string          `json:"name"`
	ABI              json.RawMessage `json:"abi"`
	Bytecode         string          `json:"bytecode"`
	DeployedBytecode string          `json:"deployedBytecode"`
}

func loadArtifacts(path string) ([]forgetypes.Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifacts: %w", err)
	}
	var files []artifactFile
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil, fmt.Errorf("parse artifacts: %w", err)
	}
	out := make([]forgetypes.Artifact, 0, len(files))
	for _, f := range files {
		parsedABI, err := abi.JSON(strings.NewReader(string(f.ABI)))
		if err != nil {
			return nil, fmt.Errorf("artifact %s: parse abi: %w", f.Name, err)
		}
		bytecode, err := decodeHex(f.Bytecode)
		if err != nil {
			return nil, fmt.Errorf("artifact %s: bytecode: %w", f.Name, err)
		}
		deployed, err := decodeHex(f.DeployedBytecode)
		if err != nil {
			return nil, fmt.Errorf("artifact %s: deployedBytecode: %w", f.Name, err)
		}
		out = append(out, forgetypes.Artifact{
			Name:             f.Name,
			ABI:              parsedABI,
			Bytecode:         bytecode,
			DeployedBytecode: deployed,
		})
	}
	return out, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

// configFile is the JSON shape of forgetypes.Config from §6 of the external
// interfaces, loaded by this binary rather than by the core itself.
type configFile struct {
	FFI            bool   `json:"ffi"`
	FuzzRuns       uint32 `json:"fuzzRuns"`
	FuzzSeed       string `json:"fuzzSeed"`
	ForkURL        string `json:"forkUrl"`
	ForkBlock      *uint64 `json:"forkBlock"`
	ForkTimeoutSec int    `json:"forkTimeoutSeconds"`
	Sender         string `json:"sender"`
	InitialBalance string `json:"initialBalance"`
	GasLimit       uint64 `json:"gasLimit"`
	Trace          bool   `json:"trace"`
	Workers        int    `json:"workers"`
}

func loadConfig(path string) (forgetypes.Config, error) {
	var cfg forgetypes.Config
	if path == "" {
		forgetypes.SetDefaults(&cfg)
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	var f configFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg = forgetypes.Config{
		FFI:         f.FFI,
		FuzzRuns:    f.FuzzRuns,
		ForkURL:     f.ForkURL,
		ForkBlock:   f.ForkBlock,
		ForkTimeout: time.Duration(f.ForkTimeoutSec) * time.Second,
		GasLimit:    f.GasLimit,
		Trace:       f.Trace,
		Workers:     f.Workers,
	}
	if f.FuzzSeed != "" {
		seed, err := decodeHex(f.FuzzSeed)
		if err != nil {
			return cfg, fmt.Errorf("fuzzSeed: %w", err)
		}
		cfg.FuzzSeed = seed
	}
	if f.Sender != "" {
		cfg.Sender = common.HexToAddress(f.Sender)
	}
	if f.InitialBalance != "" {
		bal, ok := new(big.Int).SetString(f.InitialBalance, 0)
		if !ok {
			return cfg, fmt.Errorf("initialBalance: invalid integer %q", f.InitialBalance)
		}
		cfg.InitialBalance = bal
	}
	forgetypes.SetDefaults(&cfg)
	return cfg, nil
}
