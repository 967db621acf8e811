// Command replay checks a recorded ReportWorkflow history against the
// current workflow code and fails on any non-deterministic change.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/temporal"
)

func main() {
	historyPath := flag.String("history", "", "Path to Temporal workflow history JSON (temporal workflow show --output json)")
	flag.Parse()

	if *historyPath == "" {
		fmt.Fprintln(os.Stderr, "usage: replay -history /path/to/history.json")
		os.Exit(2)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	replayer := worker.NewWorkflowReplayer()
	replayer.RegisterWorkflow(temporal.ReportWorkflow)

	if err := replayer.ReplayWorkflowHistoryFromJSONFile(temporal.NewZapAdapter(logger), *historyPath); err != nil {
		logger.Fatal("Replay failed (non-deterministic change or invalid history)", zap.String("history", *historyPath), zap.Error(err))
	}
	logger.Info("Replay succeeded", zap.String("history", *historyPath))
}
