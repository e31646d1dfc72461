package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	dmaperf "github.com/ehrlich-b/go-dmaperf"
	"github.com/ehrlich-b/go-dmaperf/internal/cli"
)

func main() {
	os.Exit(run())
}

func run() int {
	var flags cli.Flags
	flags.Register(flag.CommandLine)
	flag.Parse()

	logger := flags.NewLogger(os.Stderr)
	defer logger.Close()

	setup, err := flags.Build(logger)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return 2
	}

	// One packet per request so every sample is a single transfer.
	setup.Params.Burst = 1

	engine, err := dmaperf.New(setup.Params, setup.Options)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		return 2
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			engine.ForceExit()
		}
	}()

	res, err := engine.Run(context.Background())
	if res != nil {
		report(res.Metrics)
	}
	if err != nil {
		logger.Error("run failed", "error", err)
		return 1
	}
	return 0
}

func report(m dmaperf.MetricsSnapshot) {
	for _, d := range []struct {
		label string
		snap  dmaperf.DirectionSnapshot
	}{
		{"WRITE", m.H2C},
		{"READ", m.C2H},
	} {
		if d.snap.Ops == 0 {
			continue
		}
		fmt.Printf("%s: requests = %d errors = %d\n", d.label, d.snap.Ops, d.snap.Errors)
		fmt.Printf("%s: latency min = %v avg = %v max = %v\n", d.label,
			time.Duration(d.snap.MinLatencyNs), time.Duration(d.snap.AvgLatencyNs), time.Duration(d.snap.MaxLatencyNs))
		fmt.Printf("%s: latency p50 = %v p99 = %v p99.9 = %v\n", d.label,
			time.Duration(d.snap.LatencyP50Ns), time.Duration(d.snap.LatencyP99Ns), time.Duration(d.snap.LatencyP999Ns))
	}
	if m.H2C.Ops == 0 && m.C2H.Ops == 0 {
		fmt.Println("No IOs happened")
	}
	fmt.Printf("outstanding avg = %.1f max = %d\n", m.AvgOutstanding, m.MaxOutstanding)
}
