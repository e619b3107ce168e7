package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/callhook/internal/coordinator"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish domain events",
}

var publishCmd = &cobra.Command{
	Use:   "publish [event-type] [event-id] [payload-json]",
	Short: "Publish an event to every matching subscription",
	Long: `Publish an event. Publishing the same event id twice creates no new deliveries.

Example:
  callhookctl event publish call.completed call_789 '{"duration_s":61}'`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"event_type": args[0], "event_id": args[1]}
		if len(args) == 3 {
			data, err := parseJSONObject(args[2])
			if err != nil {
				return fmt.Errorf("invalid payload JSON: %w", err)
			}
			body["data"] = data
		}
		occurred, _ := cmd.Flags().GetString("occurred-at")
		at, err := parseTimestamp(occurred)
		if err != nil {
			return err
		}
		if at != nil {
			body["occurred_at"] = at
		}

		ctx, cancel := requestContext()
		defer cancel()
		var res coordinator.NotifyResult
		if err := newClient().post(ctx, "/v1/events", body, &res); err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, res)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Published %s %s\n", args[0], args[1])
		fmt.Fprintf(out, "  Matched: %d  Created: %d  Existing: %d\n", res.Matched, res.Created, res.Existing)
		for _, id := range res.Deliveries {
			fmt.Fprintf(out, "  Delivery: %s\n", id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(publishCmd)
	publishCmd.Flags().String("occurred-at", "", "event time (RFC3339), defaults to now")
	publishCmd.ValidArgsFunction = func(cmd *cobra.Command, args []string, s string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return completeEventTypes(cmd, args, s)
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
}
