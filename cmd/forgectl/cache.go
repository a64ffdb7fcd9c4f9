package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the artifact cache",
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove every cached artifact",
	RunE:  runCachePurge,
}

func init() {
	cacheCmd.AddCommand(cachePurgeCmd)
}

func runCachePurge(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	if a.store == nil {
		return fmt.Errorf("artifact cache is disabled")
	}

	removed := a.store.Purge()
	fmt.Fprintf(cmd.OutOrStdout(), "Purged %d cache entries\n", removed)
	return nil
}
