package main

import (
	"encoding/json"
	"os"

	"hyperflow/internal/health"
)

func printJSON(rep health.Report) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(rep)
}
