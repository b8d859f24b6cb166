// Command calibrate recomputes committee voting weights from a labeled
// golden set and rewrites the pool config atomically. It runs offline; the
// service only ever reads the artifact this command writes.
//
// Usage:
//
//	calibrate -pool committee.yaml -golden golden.json [-out committee.yaml] [-floor 0.1] [-timeout 30s] [-dry-run]
//
// The golden set is a JSON array of samples, each an evidence pack plus the
// human-verified column id per canonical field.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/orderdesk-io/orderdesk/pkg/committee"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("calibrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		poolPath   string
		goldenPath string
		outPath    string
		floor      float64
		timeout    time.Duration
		dryRun     bool
	)
	fs.StringVar(&poolPath, "pool", "committee.yaml", "pool config to calibrate")
	fs.StringVar(&goldenPath, "golden", "golden.json", "labeled golden set (JSON)")
	fs.StringVar(&outPath, "out", "", "output path (default: overwrite -pool)")
	fs.Float64Var(&floor, "floor", 0.1, "minimum normalized weight per provider")
	fs.DurationVar(&timeout, "timeout", 30*time.Second, "per-call timeout")
	fs.BoolVar(&dryRun, "dry-run", false, "print weights without writing")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if outPath == "" {
		outPath = poolPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	pool, err := committee.LoadPoolConfig(poolPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	samples, err := committee.LoadGoldenSet(goldenPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}

	ids := make([]string, 0, len(pool.Providers))
	raw := make(map[string]float64, len(pool.Providers))
	for _, pc := range pool.Providers {
		p, err := committee.NewProvider(pc)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			return 1
		}
		ids = append(ids, pc.ID)

		logger.Info("evaluating provider", "id", pc.ID, "samples", len(samples))
		acc := committee.Evaluate(ctx, p, samples, timeout)
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "Error: interrupted")
			return 1
		}
		raw[pc.ID] = committee.CalibrateWeight(acc.Rate())
		logger.Info("provider scored",
			"id", pc.ID,
			"accuracy", fmt.Sprintf("%.3f", acc.Rate()),
			"correct", acc.Correct, "total", acc.Total, "failed_calls", acc.Failures)
	}

	weights := committee.NormalizeWeights(raw, ids, floor)

	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("%-24s accuracy-weight=%.4f normalized=%.4f\n", id, raw[id], weights[id])
	}

	if dryRun {
		fmt.Println("dry run, pool config not written")
		return 0
	}

	pool.Weights = weights
	pool.CalibratedAt = time.Now().UTC().Format(time.RFC3339)
	pool.SampleCount = len(samples)
	if err := committee.SavePoolConfig(outPath, pool); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	fmt.Printf("wrote %s (%d providers, %d samples)\n", outPath, len(ids), len(samples))
	return 0
}
