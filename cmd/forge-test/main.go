// Command forge-test is the thin process entrypoint wiring a compiled
// artifact manifest and a config file into the runner package: flag
// parsing, artifact/result marshalling and report rendering live here
// because the engine itself is a library, following the teacher's own
// cmd/* convention of a small main.go calling into an App built with
// urfave/cli/v2.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"

	"github.com/urfave/cli/v2"

	"github.com/ethereum/go-ethereum/log"

	"github.com/forge-run/forge/backend"
	"github.com/forge-run/forge/backend/chain"
	"github.com/forge-run/forge/backend/direct"
	"github.com/forge-run/forge/forgetypes"
	"github.com/forge-run/forge/runner"
)

var (
	artifactsFlag = &cli.StringFlag{
		Name:     "artifacts",
		Usage:    "path to the compiled-artifact manifest (JSON)",
		Required: true,
	}
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "path to a runner config file (JSON)",
	}
	filterFlag = &cli.StringFlag{
		Name:  "filter",
		Usage: `regex over "ContractName.functionName" restricting which tests run`,
	}
	chainFlag = &cli.BoolFlag{
		Name:  "chain",
		Usage: "use the block-oriented backend instead of the direct one",
	}
)

func main() {
	app := &cli.App{
		Name:  "forge-test",
		Usage: "run EVM tests against compiled contract artifacts",
		Flags: []cli.Flag{artifactsFlag, configFlag, filterFlag, chainFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Error("forge-test failed", "err", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	artifacts, err := loadArtifacts(c.String(artifactsFlag.Name))
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c.String(configFlag.Name))
	if err != nil {
		return err
	}

	var filter *regexp.Regexp
	if pattern := c.String(filterFlag.Name); pattern != "" {
		filter, err = regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid filter: %w", err)
		}
	}

	newBackend := backendFactory(c.Bool(chainFlag.Name))
	r := runner.New(cfg, newBackend, filter)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report := r.Run(ctx, artifacts)
	renderReport(report)
	if report.Failed > 0 {
		os.Exit(1)
	}
	return nil
}

func backendFactory(useChain bool) runner.BackendFactory {
	if useChain {
		return func() (backend.Backend, error) {
			return chain.New()
		}
	}
	return func() (backend.Backend, error) {
		return direct.New()
	}
}

func renderReport(r *forgetypes.TestRunReport) {
	for contract, fns := range r.Results {
		for fn, res := range fns {
			fmt.Printf("[%s] %s.%s gas=%d\n", res.Status, contract, fn, res.GasUsed)
			if res.Reason != "" {
				fmt.Printf("    %s\n", res.Reason)
			}
		}
	}
	fmt.Printf("\n%d passed, %d failed, %d skipped\n", r.Passed, r.Failed, r.Skipped)
}
