package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/odvcencio/bigtest/pkg/gateway"
)

func runQueryCommand(args []string) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file")
	url := fs.String("url", "", "orchestrator URL (default: http://<server.addr>)")
	live := fs.Bool("live", false, "print a new answer on every state change until interrupted")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}

	cfg, err := loadConfigFn(*configPath)
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	query := queryArg(strings.Join(fs.Args(), " "))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c, err := gateway.Dial(ctx, wsURL(baseURL(*url, cfg.Server.Addr), "/query"))
	if err != nil {
		return err
	}
	defer c.Close()

	if !*live {
		data, err := c.Query(ctx, query)
		if err != nil {
			return err
		}
		return printJSON(stdout, data)
	}

	sub, err := c.Subscribe(ctx, query)
	if err != nil {
		return err
	}
	defer sub.Close()
	for {
		data, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := printJSON(stdout, data); err != nil {
			return err
		}
	}
}

// queryArg accepts a JSON query as is and treats anything else as a path.
func queryArg(arg string) json.RawMessage {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return json.RawMessage(`""`)
	}
	if strings.HasPrefix(arg, "{") || strings.HasPrefix(arg, `"`) {
		return json.RawMessage(arg)
	}
	data, _ := json.Marshal(arg)
	return data
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
