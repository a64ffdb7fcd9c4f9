package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache, history and resource statistics",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().String("product", "", "Restrict trend analysis to a product")
	statsCmd.Flags().String("arch", "", "Restrict trend analysis to an architecture")
	statsCmd.Flags().String("build-type", "", "Restrict trend analysis to a build type")
	statsCmd.Flags().Int("days", 30, "History window in days (0 for all)")
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	product, _ := cmd.Flags().GetString("product")
	arch, _ := cmd.Flags().GetString("arch")
	buildType, _ := cmd.Flags().GetString("build-type")
	days, _ := cmd.Flags().GetInt("days")

	recent := a.ledger.Recent(days)
	succeeded := 0
	for _, rec := range recent {
		if rec.Succeeded {
			succeeded++
		}
	}

	payload := map[string]interface{}{
		"history": map[string]interface{}{
			"total_records":  a.ledger.Len(),
			"window_records": len(recent),
			"window_success": succeeded,
		},
		"resources": a.gate.Check(),
		"limits":    a.gate.Limits(),
	}

	if a.store != nil {
		payload["cache"] = a.store.Stats()
	}
	if product != "" && arch != "" && buildType != "" {
		payload["trend"] = a.ledger.Trend(product, arch, buildType)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
