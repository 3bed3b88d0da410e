package main

import (
	"github.com/spf13/cobra"

	offlinecache "github.com/huykn/offline-cache"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "maintenance",
	Short:   "Manage versioned caches",
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete every cache not tagged with --cache-version",
	Long: `Delete every cache not tagged with --cache-version.

This is the activation step of serve, without installing anything. Only
useful with a shared backend such as redis; the memory backend starts
empty.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(newLogger())
		if err != nil {
			return err
		}
		cfg.EnableMetrics = false

		layer, err := offlinecache.New(cfg)
		if err != nil {
			return err
		}
		defer layer.Close()

		deleted, err := layer.Lifecycle().Activate(cmd.Context())
		if err != nil {
			return err
		}
		if deleted == nil {
			deleted = []string{}
		}
		return printJSON(map[string]any{
			"version": cfg.VersionTag,
			"deleted": deleted,
		})
	},
}

func init() {
	cacheCmd.AddCommand(cachePruneCmd)
	rootCmd.AddCommand(cacheCmd)
}
