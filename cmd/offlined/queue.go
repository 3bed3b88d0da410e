package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/huykn/offline-cache/cache"
	"github.com/huykn/offline-cache/queue"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "maintenance",
	Short:   "Inspect the pending-request queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending requests, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		pending, err := q.List(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(pending)
	},
}

var queueAbandonedCmd = &cobra.Command{
	Use:   "abandoned",
	Short: "List abandoned requests, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		q, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		abandoned, err := q.ListAbandoned(cmd.Context(), limit)
		if err != nil {
			return err
		}
		return printJSON(abandoned)
	},
}

var queueAbandonCmd = &cobra.Command{
	Use:   "abandon <id>",
	Short: "Cancel a pending request",
	Long: `Cancel a pending request by editing the queue file directly.

No alert is raised: the record only shows up in "queue abandoned" and
/_offline/abandoned. While the proxy is running, use
POST /_offline/abandon/{id} instead so connected clients are notified.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		ab, err := q.Abandon(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("abandon %s: %w", args[0], err)
		}
		return printJSON(ab)
	},
}

func init() {
	queueAbandonedCmd.Flags().Int("limit", 50, "maximum number of entries")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueAbandonedCmd)
	queueCmd.AddCommand(queueAbandonCmd)
	rootCmd.AddCommand(queueCmd)
}

// openQueue opens the queue file alone, without the rest of the layer.
func openQueue() (*queue.Queue, error) {
	opts := queue.DefaultOptions(viper.GetString("queue"))
	opts.EntryTTL = viper.GetDuration("entry-ttl")
	opts.Policy.BaseDelay = viper.GetDuration("retry-base")
	opts.Policy.MaxDelay = viper.GetDuration("retry-max")
	opts.Policy.CeilingAttempts = viper.GetInt("retry-ceiling")
	opts.Logger = cache.NewSlogLogger(newLogger())
	return queue.Open(opts)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
