package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

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

	engine, err := dmaperf.New(setup.Params, setup.Options)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		return 2
	}

	// Ctrl+C ends submission early; in-flight requests still drain and
	// the queues are torn down before exit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			logger.Info("received shutdown signal")
			engine.ForceExit()
		}
	}()

	logger.Info("starting load",
		"queues", len(setup.Params.Queues),
		"threads_per_queue", setup.Params.ThreadsPerQueue,
		"runtime", setup.Params.Runtime.String())

	res, err := engine.Run(context.Background())
	if res != nil {
		for _, line := range res.Lines() {
			fmt.Println(line)
		}
		logger.Debug("run finished", "elapsed", res.Elapsed.String(), "workers", len(res.Reports))
	}
	if err != nil {
		logger.Error("run failed", "error", err)
		return 1
	}
	return 0
}
