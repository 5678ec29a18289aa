// Command desk runs the WyseTrade trading desk.
package main

import (
	"fmt"
	"os"

	"wysetrade-desk/internal/cli"
	"wysetrade-desk/internal/config"
	"wysetrade-desk/internal/logging"
)

func main() {
	cfg, err := config.Load(os.Getenv("WYSETRADE_CONFIG_DIR"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLoggerWithConfig(cfg.LogConfig())

	if err := cli.NewRootCmd(cfg, logger).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
