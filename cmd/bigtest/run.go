package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	bterrors "github.com/odvcencio/bigtest/pkg/errors"
	"github.com/odvcencio/bigtest/pkg/gateway"
	"github.com/odvcencio/bigtest/pkg/orchestrator"
	"github.com/odvcencio/bigtest/pkg/protocol"
	"github.com/odvcencio/bigtest/pkg/state"
)

var stdout io.Writer = os.Stdout

func runRunCommand(args []string) error {
	var agents []string
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file")
	url := fs.String("url", "", "orchestrator URL (default: http://<server.addr>)")
	runID := fs.String("id", "", "test run id (default: generated)")
	stepTimeout := fs.Duration("step-timeout", 0, "per step and assertion timeout (default: from config)")
	timeout := fs.Duration("timeout", 0, "give up waiting after this long (0 waits forever)")
	asJSON := fs.Bool("json", false, "print the finished run as JSON")
	fs.Var(&stringListValue{target: &agents}, "agent", "agent to run on (repeatable; default: every connected agent)")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if strings.ContainsAny(*runID, ".[]") {
		return withExitCode(bterrors.New(bterrors.ErrCodeInvalidInput, "run id must not contain dots or brackets"), exitUsage)
	}

	cfg, err := loadConfigFn(*configPath)
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	base := baseURL(*url, cfg.Server.Addr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, *timeout)
		defer cancelTimeout()
	}

	api := newAPIClient(base)
	req := orchestrator.RunRequest{TestRunID: *runID, Agents: agents}
	if *stepTimeout > 0 {
		req.StepTimeout = stepTimeout.Milliseconds()
	}
	var started struct {
		TestRunID string `json:"testRunId"`
	}
	if err := api.do(ctx, "POST", "/api/runs", req, &started); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "test run %s started\n", started.TestRunID)

	if err := followRun(ctx, wsURL(base, "/query"), started.TestRunID); err != nil {
		return err
	}

	var run state.TestRun
	if err := api.do(ctx, "GET", "/api/runs/"+started.TestRunID, nil, &run); err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			return err
		}
	} else {
		printSummary(stdout, &run)
	}
	if run.Status != protocol.StatusOK {
		return withExitCode(fmt.Errorf("test run %s %s", run.TestRunID, run.Status), exitFailure)
	}
	return nil
}

// followRun reports lane progress until the run has finished.
func followRun(ctx context.Context, url, runID string) error {
	c, err := gateway.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer c.Close()

	sub, err := c.Subscribe(ctx, gateway.PathQuery{
		Path:   "testRuns." + runID,
		Fields: []string{"status", "finishedAt", "agents"},
	})
	if err != nil {
		return err
	}
	defer sub.Close()

	settled := -1
	for {
		v, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		snapshot, ok := v.(map[string]any)
		if !ok {
			return bterrors.New(bterrors.ErrCodeRunNotFound, "test run disappeared").
				WithContext("test_run_id", runID)
		}
		if n := settledLanes(snapshot["agents"]); n != settled {
			settled = n
			fmt.Fprintf(os.Stderr, "  %d lanes settled\n", n)
		}
		if snapshot["finishedAt"] != nil {
			return nil
		}
	}
}

func settledLanes(agents any) int {
	n := 0
	byAgent, _ := agents.(map[string]any)
	for _, ar := range byAgent {
		record, _ := ar.(map[string]any)
		lanes, _ := record["lanes"].([]any)
		for _, l := range lanes {
			lane, _ := l.(map[string]any)
			if status, _ := lane["status"].(string); protocol.Status(status).Terminal() {
				n++
			}
		}
	}
	return n
}

func printSummary(w io.Writer, run *state.TestRun) {
	duration := time.Duration(0)
	if run.FinishedAt != nil {
		duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond)
	}
	fmt.Fprintf(w, "test run %s: %s (%s)\n", run.TestRunID, run.Status, duration)

	ids := make([]string, 0, len(run.Agents))
	for id := range run.Agents {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		ar := run.Agents[id]
		var ok, failed, timedOut int
		for _, l := range ar.Lanes {
			switch {
			case l.Timeout:
				timedOut++
			case l.Status == protocol.StatusOK:
				ok++
			case l.Status == protocol.StatusFailed:
				failed++
			}
		}
		fmt.Fprintf(w, "  %-20s %-12s lanes: %d ok, %d failed, %d timed out\n", id, ar.Status, ok, failed, timedOut)
		if ar.Error != "" {
			fmt.Fprintf(w, "    error: %s\n", ar.Error)
		}
	}
}
