// campaignctl drives the periodic and manual entry points of the campaign
// server: the publish and processing sweeps, queue purges and one-off
// publishes. Cron jobs call it instead of hand-written curl lines.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/unclebandit/notification-campaigns/internal/config"
)

type options struct {
	server  string
	actor   string
	timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "campaignctl",
		Short:         "Operate the notification campaign server",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", config.GetEnv("CAMPAIGN_SERVER", "http://localhost:8080"), "campaign server base URL")
	root.PersistentFlags().StringVar(&opts.actor, "actor", config.GetEnv("CAMPAIGN_ACTOR", "campaignctl"), "value sent as X-User-Email")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request timeout")

	root.AddCommand(
		postCmd(opts, "sweep-publish", "Move due SCHEDULED campaigns to IN_PROGRESS and enqueue their publish", "/campaigns/publish/sweep"),
		postCmd(opts, "sweep-process", "Enqueue sheet processing for campaigns nearing their schedule", "/campaigns/data/process"),
		postCmd(opts, "purge", "Delete processed queue rows past the retention window", "/campaigns/queue/purge"),
		publishCmd(opts),
		processCmd(opts),
		stopCmd(opts),
	)
	return root
}

func postCmd(opts *options, use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newClient(opts).post(cmd.Context(), path, cmd.OutOrStdout())
		},
	}
}

func publishCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <campaign-id>",
		Short: "Start a publish pass for an IN_PROGRESS campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := campaignID(args[0])
			if err != nil {
				return err
			}
			return newClient(opts).post(cmd.Context(), fmt.Sprintf("/campaigns/publish/%d", id), cmd.OutOrStdout())
		},
	}
}

func processCmd(opts *options) *cobra.Command {
	var publishNow bool
	cmd := &cobra.Command{
		Use:   "process <campaign-id>",
		Short: "Materialize a campaign's recipient sheet into its queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := campaignID(args[0])
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/campaigns/data/process/%d?publishNow=%t", id, publishNow)
			return newClient(opts).post(cmd.Context(), path, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&publishNow, "publish-now", false, "publish right after processing when the campaign is IN_PROGRESS")
	return cmd
}

func stopCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <campaign-id>",
		Short: "Stop a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := campaignID(args[0])
			if err != nil {
				return err
			}
			return newClient(opts).post(cmd.Context(), fmt.Sprintf("/campaigns/%d/stop", id), cmd.OutOrStdout())
		},
	}
}

func campaignID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid campaign id %q", arg)
	}
	return id, nil
}
