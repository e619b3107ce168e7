package cmd

import (
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/callhook/internal/coordinator"
	"github.com/austindbirch/callhook/internal/delivery"
	"github.com/austindbirch/callhook/internal/deliverylog"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:     "delivery",
	Aliases: []string{"deliveries"},
	Short:   "Inspect and redeliver webhook deliveries",
}

var listDeliveriesCmd = &cobra.Command{
	Use:   "list",
	Short: "List deliveries, newest first",
	Long: `List deliveries, newest first.

Example:
  callhookctl delivery list --subscription sub_123 --status terminal`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if v, _ := cmd.Flags().GetString("subscription"); v != "" {
			q.Set("subscription_id", v)
		}
		if v, _ := cmd.Flags().GetString("status"); v != "" {
			q.Set("status", v)
		}
		if v, _ := cmd.Flags().GetInt("limit"); v > 0 {
			q.Set("limit", strconv.Itoa(v))
		}
		if v, _ := cmd.Flags().GetBool("include-test"); v {
			q.Set("include_test", "true")
		}
		cursor, _ := cmd.Flags().GetString("cursor")
		all, _ := cmd.Flags().GetBool("all")

		client := newClient()
		var deliveries []*delivery.Delivery
		var next string
		for {
			if cursor != "" {
				q.Set("cursor", cursor)
			}
			ctx, cancel := requestContext()
			var page deliverylog.Page
			err := client.get(ctx, "/v1/deliveries", q, &page)
			cancel()
			if err != nil {
				return fmt.Errorf("failed to list deliveries: %w", err)
			}
			deliveries = append(deliveries, page.Deliveries...)
			next = page.NextCursor
			if !all || next == "" {
				break
			}
			cursor = next
		}

		if outputJSON {
			return printJSON(cmd, deliverylog.Page{Deliveries: deliveries, NextCursor: next})
		}
		if len(deliveries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No deliveries found")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tEVENT\tEVENT ID\tSTATUS\tATTEMPTS\tLAST HTTP\tCREATED")
		for _, d := range deliveries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
				d.ID, d.EventType, d.EventID, d.Status, d.AttemptsMade, d.MaxAttempts,
				httpStatus(d.LastStatusCode), formatTime(&d.CreatedAt))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if next != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "\nMore results: --cursor %s\n", next)
		}
		return nil
	},
}

var getDeliveryCmd = &cobra.Command{
	Use:   "get [delivery-id]",
	Short: "Show a delivery and its attempt log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		var resp struct {
			Delivery *delivery.Delivery  `json:"delivery"`
			Attempts []*delivery.Attempt `json:"attempts"`
		}
		if err := newClient().get(ctx, "/v1/deliveries/"+args[0], nil, &resp); err != nil {
			return fmt.Errorf("failed to get delivery: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, resp)
		}
		d := resp.Delivery
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Delivery: %s\n", d.ID)
		fmt.Fprintf(out, "  Subscription: %s\n", d.SubscriptionID)
		fmt.Fprintf(out, "  Event: %s (%s)\n", d.EventType, d.EventID)
		fmt.Fprintf(out, "  Status: %s\n", d.Status)
		fmt.Fprintf(out, "  Attempts: %d/%d (+%d manual)\n", d.AttemptsMade, d.MaxAttempts, d.ManualAttempts)
		if d.NextRetryAt != nil {
			fmt.Fprintf(out, "  Next retry: %s\n", formatTime(d.NextRetryAt))
		}
		if d.LastError != "" {
			fmt.Fprintf(out, "  Last error: %s\n", d.LastError)
		}
		if d.IsTest {
			fmt.Fprintln(out, "  Test delivery")
		}
		for _, a := range resp.Attempts {
			fmt.Fprintf(out, "\n  Attempt %d (%s) at %s\n", a.Number, a.Kind, formatTime(&a.AttemptedAt))
			fmt.Fprintf(out, "    Result: %s  HTTP: %s  Latency: %dms\n", a.Class, httpStatus(a.StatusCode), a.LatencyMs)
			if a.Error != "" {
				fmt.Fprintf(out, "    Error: %s\n", a.Error)
			}
		}
		return nil
	},
}

var redeliverCmd = &cobra.Command{
	Use:   "redeliver [delivery-id]",
	Short: "Attempt a delivered or failed delivery once more",
	Long: `Run one manual attempt for a delivery that already reached delivered or
failed. The attempt does not count against max attempts.

Example:
  callhookctl delivery redeliver dlv_456`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		var res coordinator.ManualResult
		if err := newClient().post(ctx, "/v1/deliveries/"+args[0]+"/redeliver", nil, &res); err != nil {
			return fmt.Errorf("failed to redeliver: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, res)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Redelivered %s\n", res.Delivery.ID)
		fmt.Fprintf(out, "  Result: %s  HTTP: %s\n", res.Attempt.Class, httpStatus(res.Attempt.StatusCode))
		fmt.Fprintf(out, "  Status: %s\n", res.Delivery.Status)
		return nil
	},
}

func httpStatus(code int) string {
	if code == 0 {
		return "-"
	}
	return strconv.Itoa(code)
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(listDeliveriesCmd, getDeliveryCmd, redeliverCmd)

	listDeliveriesCmd.Flags().String("subscription", "", "filter by subscription id")
	listDeliveriesCmd.Flags().String("status", "", "filter by status: pending, retrying, delivered, failed, terminal or non_terminal")
	listDeliveriesCmd.Flags().Int("limit", 0, "page size")
	listDeliveriesCmd.Flags().String("cursor", "", "continue from a previous page")
	listDeliveriesCmd.Flags().Bool("include-test", false, "include test deliveries")
	listDeliveriesCmd.Flags().Bool("all", false, "follow cursors until the last page")

	_ = listDeliveriesCmd.RegisterFlagCompletionFunc("subscription", func(cmd *cobra.Command, _ []string, s string) ([]string, cobra.ShellCompDirective) {
		return completeSubscriptionIDs(cmd, nil, s)
	})
	_ = listDeliveriesCmd.RegisterFlagCompletionFunc("status", completeDeliveryStatuses)
}
