// Command healthcheck inspects the collector's output directory and log
// file and exits non-zero when the collector looks unhealthy. It is meant
// for container HEALTHCHECK directives.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"hyperflow/config"
	"hyperflow/internal/health"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to configuration file")
	asJSON := flag.Bool("json", false, "Print the report as JSON")
	timeout := flag.Duration("timeout", 10*time.Second, "Overall probe timeout")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rep := health.NewProbe(cfg.Health, cfg.Storage.CSV.Dir, cfg.Source.Hyperliquid.Coin).Run(ctx)
	if *asJSON {
		printJSON(rep)
	} else {
		fmt.Printf("=== health check %s ===\n", rep.Time.Format(time.RFC3339))
		for _, r := range rep.Results {
			fmt.Printf("%-7s %-8s %s\n", strings.ToUpper(string(r.Level)), r.Check, r.Message)
		}
		if rep.Healthy {
			fmt.Println("=== HEALTHY ===")
		} else {
			fmt.Println("=== UNHEALTHY ===")
		}
	}

	if !rep.Healthy {
		os.Exit(1)
	}
}
