package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/odvcencio/bigtest/pkg/config"
	"github.com/odvcencio/bigtest/pkg/orchestrator"
)

// Version information - set via ldflags during build
var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var loadConfigFn = loadConfig

func main() {
	orchestrator.Version = version
	os.Exit(dispatch(os.Args[1:]))
}

func dispatch(args []string) int {
	if len(args) == 0 {
		printHelp()
		return 2
	}
	switch args[0] {
	case "--version", "-v", "version":
		printVersion()
		return 0
	case "--help", "-h", "help":
		printHelp()
		return 0
	case "server":
		return runCommand(runServerCommand, args[1:])
	case "run":
		return runCommand(runRunCommand, args[1:])
	case "query":
		return runCommand(runQueryCommand, args[1:])
	case "config":
		return runCommand(runConfigCommand, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		printHelp()
		return 2
	}
}

func runCommand(handler func([]string) error, args []string) int {
	if err := handler(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeForError(err)
	}
	return 0
}

// loadConfig reads path when set and the usual hierarchy otherwise.
func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func printHelp() {
	fmt.Println("bigtest - orchestrate test runs across connected agents")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  bigtest COMMAND [FLAGS]")
	fmt.Println()
	fmt.Println("COMMANDS:")
	fmt.Println("  server [--addr ADDR] [--manifest PATH]")
	fmt.Println("                                   Start the orchestrator")
	fmt.Println("  run [--agent ID]... [--id RUN]   Start a test run and wait for its result")
	fmt.Println("  query [--live] [PATH | JSON]     Query the orchestrator state")
	fmt.Println("  config [show|check]              Print or validate the effective configuration")
	fmt.Println("  version                          Print version information")
	fmt.Println()
	fmt.Println("CONFIGURATION:")
	fmt.Println("  ~/.bigtest/config.yaml           User configuration")
	fmt.Println("  ./.bigtest/config.yaml           Project configuration")
	fmt.Println("  BIGTEST_* environment variables  Override both")
}

func printVersion() {
	fmt.Printf("bigtest %s\n", version)
	if commit != "unknown" {
		fmt.Printf("  Commit:     %s\n", commit)
	}
	if buildDate != "unknown" {
		fmt.Printf("  Built:      %s\n", buildDate)
	}
	fmt.Printf("  Go version: %s\n", runtime.Version())
}

type stringListValue struct {
	target *[]string
}

func (s *stringListValue) String() string {
	if s == nil || s.target == nil {
		return ""
	}
	return strings.Join(*s.target, ",")
}

func (s *stringListValue) Set(value string) error {
	if s.target == nil {
		return fmt.Errorf("no target slice configured")
	}
	for _, part := range strings.Split(value, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		*s.target = append(*s.target, trimmed)
	}
	return nil
}
