package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove stale workspace locks",
	RunE:  runCleanup,
}

func runCleanup(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	removed := a.lock.CleanupStale(a.cfg.Workspace.LockMaxAge)
	if removed > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d stale lock(s)\n", removed)
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "No stale locks found")
	}
	return nil
}
