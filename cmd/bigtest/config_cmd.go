package main

import (
	"flag"
	"fmt"

	"gopkg.in/yaml.v3"
)

func runConfigCommand(args []string) error {
	subCmd := "show"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		subCmd = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	cfg, err := loadConfigFn(*configPath)
	if err != nil {
		return withExitCode(err, exitUsage)
	}

	switch subCmd {
	case "show":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = stdout.Write(data)
		return err
	case "check":
		if err := cfg.Validate(); err != nil {
			return withExitCode(err, exitUsage)
		}
		for _, warning := range cfg.ValidationWarnings() {
			fmt.Fprintf(stdout, "warning: %s\n", warning)
		}
		fmt.Fprintln(stdout, "configuration ok")
		return nil
	default:
		return withExitCode(fmt.Errorf("unknown config command %q (want show or check)", subCmd), exitUsage)
	}
}
