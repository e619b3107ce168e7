package cmd

import (
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/austindbirch/callhook/internal/delivery"
	"github.com/austindbirch/callhook/internal/deliverylog"
)

type retryPolicyView struct {
	Kind       string `json:"kind"`
	IntervalMs int64  `json:"interval_ms,omitempty"`
	BaseMs     int64  `json:"base_ms,omitempty"`
	CapMs      int64  `json:"cap_ms,omitempty"`
}

func (p retryPolicyView) String() string {
	switch p.Kind {
	case "fixed":
		return fmt.Sprintf("fixed(%s)", time.Duration(p.IntervalMs)*time.Millisecond)
	case "exponential":
		return fmt.Sprintf("exponential(%s..%s)", time.Duration(p.BaseMs)*time.Millisecond, time.Duration(p.CapMs)*time.Millisecond)
	}
	return p.Kind
}

type subscriptionView struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Events      []string          `json:"events"`
	Active      bool              `json:"active"`
	RetryPolicy retryPolicyView   `json:"retry_policy"`
	MaxAttempts int               `json:"max_attempts"`
	TimeoutMs   int64             `json:"timeout_ms"`
	Headers     map[string]string `json:"headers,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// subscriptionCmd represents the subscription command
var subscriptionCmd = &cobra.Command{
	Use:     "subscription",
	Aliases: []string{"sub", "subscriptions"},
	Short:   "Manage webhook subscriptions",
	Long:    `Create, inspect, update and delete the webhook subscriptions of a tenant.`,
}

var listSubscriptionsCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscriptions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		var resp struct {
			Subscriptions []subscriptionView `json:"subscriptions"`
		}
		if err := newClient().get(ctx, "/v1/subscriptions", nil, &resp); err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, resp)
		}
		if len(resp.Subscriptions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No subscriptions found")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tURL\tEVENTS\tACTIVE")
		for _, s := range resp.Subscriptions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n", s.ID, s.Name, s.URL, strings.Join(s.Events, ","), s.Active)
		}
		return tw.Flush()
	},
}

var createSubscriptionCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a subscription",
	Long: `Create a subscription. The signing secret is printed once and cannot be
retrieved later.

Example:
  callhookctl subscription create --url https://example.com/hooks \
    --events call.completed,call.failed --policy exponential --base 30s --cap 1h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := subscriptionBody(cmd.Flags(), true)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		var resp struct {
			Subscription subscriptionView `json:"subscription"`
			Secret       string           `json:"secret"`
		}
		if err := newClient().post(ctx, "/v1/subscriptions", body, &resp); err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, resp)
		}
		printSubscription(cmd, resp.Subscription)
		fmt.Fprintf(cmd.OutOrStdout(), "  Secret: %s\n", resp.Secret)
		fmt.Fprintln(cmd.OutOrStdout(), "Store the secret now; it is not shown again.")
		return nil
	},
}

var getSubscriptionCmd = &cobra.Command{
	Use:   "get [subscription-id]",
	Short: "Show a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		var sub subscriptionView
		if err := newClient().get(ctx, "/v1/subscriptions/"+args[0], nil, &sub); err != nil {
			return fmt.Errorf("failed to get subscription: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, sub)
		}
		printSubscription(cmd, sub)
		return nil
	},
}

var updateSubscriptionCmd = &cobra.Command{
	Use:   "update [subscription-id]",
	Short: "Update a subscription",
	Long: `Update the fields given as flags; everything else is left unchanged.

Example:
  callhookctl subscription update sub_123 --active=false`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := subscriptionBody(cmd.Flags(), false)
		if err != nil {
			return err
		}
		if len(body) == 0 {
			return fmt.Errorf("nothing to update; pass at least one flag")
		}
		ctx, cancel := requestContext()
		defer cancel()
		var sub subscriptionView
		if err := newClient().do(ctx, http.MethodPatch, "/v1/subscriptions/"+args[0], nil, body, &sub); err != nil {
			return fmt.Errorf("failed to update subscription: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, sub)
		}
		printSubscription(cmd, sub)
		return nil
	},
}

var deleteSubscriptionCmd = &cobra.Command{
	Use:   "delete [subscription-id]",
	Short: "Delete a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		if err := newClient().do(ctx, http.MethodDelete, "/v1/subscriptions/"+args[0], nil, nil, nil); err != nil {
			return fmt.Errorf("failed to delete subscription: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted subscription %s\n", args[0])
		return nil
	},
}

var testSubscriptionCmd = &cobra.Command{
	Use:   "test [subscription-id]",
	Short: "Send a test delivery",
	Long: `Queue a synthetic delivery to the subscription. Test deliveries are signed
and retried like real ones but are excluded from stats.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{}
		if ev, _ := cmd.Flags().GetString("event"); ev != "" {
			body["event_type"] = ev
		}
		ctx, cancel := requestContext()
		defer cancel()
		var resp struct {
			Delivery *delivery.Delivery `json:"delivery"`
		}
		if err := newClient().post(ctx, "/v1/subscriptions/"+args[0]+"/test", body, &resp); err != nil {
			return fmt.Errorf("failed to send test delivery: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, resp)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queued test delivery %s (%s)\n", resp.Delivery.ID, resp.Delivery.EventType)
		return nil
	},
}

var statsSubscriptionCmd = &cobra.Command{
	Use:   "stats [subscription-id]",
	Short: "Show delivery counts by status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		var st deliverylog.Stats
		if err := newClient().get(ctx, "/v1/subscriptions/"+args[0]+"/stats", nil, &st); err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, st)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Subscription %s\n", st.SubscriptionID)
		fmt.Fprintf(out, "  Pending:   %d\n", st.Pending)
		fmt.Fprintf(out, "  Retrying:  %d\n", st.Retrying)
		fmt.Fprintf(out, "  Delivered: %d\n", st.Delivered)
		fmt.Fprintf(out, "  Failed:    %d\n", st.Failed)
		fmt.Fprintf(out, "  Total:     %d\n", st.Total)
		return nil
	},
}

func printSubscription(cmd *cobra.Command, s subscriptionView) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Subscription: %s\n", s.ID)
	if s.Name != "" {
		fmt.Fprintf(out, "  Name: %s\n", s.Name)
	}
	fmt.Fprintf(out, "  URL: %s\n", s.URL)
	fmt.Fprintf(out, "  Events: %s\n", strings.Join(s.Events, ", "))
	fmt.Fprintf(out, "  Active: %v\n", s.Active)
	fmt.Fprintf(out, "  Retry policy: %s\n", s.RetryPolicy)
	fmt.Fprintf(out, "  Max attempts: %d\n", s.MaxAttempts)
	fmt.Fprintf(out, "  Timeout: %s\n", time.Duration(s.TimeoutMs)*time.Millisecond)
	for k, v := range s.Headers {
		fmt.Fprintf(out, "  Header: %s: %s\n", k, v)
	}
}

// subscriptionBody builds a create or update request from flags. For
// updates only flags that were set are sent.
func subscriptionBody(flags *pflag.FlagSet, create bool) (map[string]any, error) {
	body := map[string]any{}
	set := func(name string) bool { return create || flags.Changed(name) }

	if url, _ := flags.GetString("url"); set("url") && url != "" {
		body["url"] = url
	}
	if flags.Changed("name") {
		name, _ := flags.GetString("name")
		body["name"] = name
	}
	if evs, _ := flags.GetStringSlice("events"); set("events") && len(evs) > 0 {
		body["events"] = evs
	}
	if create {
		if url, _ := flags.GetString("url"); url == "" {
			return nil, fmt.Errorf("--url is required")
		}
		if evs, _ := flags.GetStringSlice("events"); len(evs) == 0 {
			return nil, fmt.Errorf("--events is required")
		}
	}
	if flags.Changed("active") {
		active, _ := flags.GetBool("active")
		body["active"] = active
	}
	if flags.Changed("max-attempts") {
		n, _ := flags.GetInt("max-attempts")
		body["max_attempts"] = n
	}
	if flags.Changed("attempt-timeout") {
		d, _ := flags.GetDuration("attempt-timeout")
		body["timeout_ms"] = d.Milliseconds()
	}
	if flags.Changed("header") {
		raw, _ := flags.GetStringArray("header")
		headers, err := parseHeaders(raw)
		if err != nil {
			return nil, err
		}
		body["headers"] = headers
	}
	if flags.Changed("policy") {
		policy, err := policyBody(flags)
		if err != nil {
			return nil, err
		}
		body["retry_policy"] = policy
	}
	return body, nil
}

func policyBody(flags *pflag.FlagSet) (map[string]any, error) {
	kind, _ := flags.GetString("policy")
	p := map[string]any{"kind": kind}
	switch kind {
	case "none":
	case "fixed":
		d, _ := flags.GetDuration("interval")
		if d <= 0 {
			return nil, fmt.Errorf("--interval is required for a fixed policy")
		}
		p["interval_ms"] = d.Milliseconds()
	case "exponential":
		base, _ := flags.GetDuration("base")
		limit, _ := flags.GetDuration("cap")
		if base <= 0 || limit <= 0 {
			return nil, fmt.Errorf("--base and --cap are required for an exponential policy")
		}
		p["base_ms"] = base.Milliseconds()
		p["cap_ms"] = limit.Milliseconds()
	default:
		return nil, fmt.Errorf("unknown policy %q (none, fixed, exponential)", kind)
	}
	return p, nil
}

// parseHeaders parses repeated "Name: value" or "Name=value" flags.
func parseHeaders(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, h := range raw {
		i := strings.IndexAny(h, ":=")
		if i <= 0 {
			return nil, fmt.Errorf("invalid header %q (want Name: value)", h)
		}
		out[strings.TrimSpace(h[:i])] = strings.TrimSpace(h[i+1:])
	}
	return out, nil
}

func addSubscriptionFlags(c *cobra.Command) {
	c.Flags().String("url", "", "target URL")
	c.Flags().String("name", "", "display name")
	c.Flags().StringSlice("events", nil, "event types, comma separated")
	c.Flags().Bool("active", true, "whether the subscription receives events")
	c.Flags().String("policy", "", "retry policy: none, fixed or exponential")
	c.Flags().Duration("interval", 0, "fixed policy interval")
	c.Flags().Duration("base", 0, "exponential policy base delay")
	c.Flags().Duration("cap", 0, "exponential policy maximum delay")
	c.Flags().Int("max-attempts", 0, "automatic attempts before a delivery fails")
	c.Flags().Duration("attempt-timeout", 0, "per-attempt timeout, e.g. 10s")
	c.Flags().StringArray("header", nil, `custom header "Name: value", repeatable`)
}

func init() {
	rootCmd.AddCommand(subscriptionCmd)
	subscriptionCmd.AddCommand(listSubscriptionsCmd, createSubscriptionCmd, getSubscriptionCmd,
		updateSubscriptionCmd, deleteSubscriptionCmd, testSubscriptionCmd, statsSubscriptionCmd)

	addSubscriptionFlags(createSubscriptionCmd)
	addSubscriptionFlags(updateSubscriptionCmd)
	testSubscriptionCmd.Flags().String("event", "", "event type (defaults to the first subscribed type)")

	for _, c := range []*cobra.Command{getSubscriptionCmd, updateSubscriptionCmd, deleteSubscriptionCmd, testSubscriptionCmd, statsSubscriptionCmd} {
		c.ValidArgsFunction = completeSubscriptionIDs
	}
	_ = createSubscriptionCmd.RegisterFlagCompletionFunc("events", completeEventTypes)
	_ = updateSubscriptionCmd.RegisterFlagCompletionFunc("events", completeEventTypes)
	_ = testSubscriptionCmd.RegisterFlagCompletionFunc("event", completeEventTypes)
}
