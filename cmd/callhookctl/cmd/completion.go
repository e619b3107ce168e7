package cmd

import (
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/austindbirch/callhook/internal/delivery"
	"github.com/austindbirch/callhook/internal/events"
)

var completionShells = map[string]func(root *cobra.Command, w io.Writer, descriptions bool) error{
	"bash": func(root *cobra.Command, w io.Writer, descriptions bool) error {
		return root.GenBashCompletionV2(w, descriptions)
	},
	"zsh": func(root *cobra.Command, w io.Writer, descriptions bool) error {
		if descriptions {
			return root.GenZshCompletion(w)
		}
		return root.GenZshCompletionNoDesc(w)
	},
	"fish": func(root *cobra.Command, w io.Writer, descriptions bool) error {
		return root.GenFishCompletion(w, descriptions)
	},
	"powershell": func(root *cobra.Command, w io.Writer, descriptions bool) error {
		if descriptions {
			return root.GenPowerShellCompletionWithDesc(w)
		}
		return root.GenPowerShellCompletion(w)
	},
}

func completionShellNames() []string {
	names := make([]string, 0, len(completionShells))
	for name := range completionShells {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

var completionCmd = &cobra.Command{
	Use:   "completion <shell>",
	Short: "Print a shell completion script for callhookctl",
	Long: `Print a completion script for bash, zsh, fish or powershell.

  source <(callhookctl completion bash)
  callhookctl completion zsh > "${fpath[1]}/_callhookctl"
  callhookctl completion fish > ~/.config/fish/completions/callhookctl.fish
  callhookctl completion powershell | Out-String | Invoke-Expression

Subscription IDs, event types and delivery statuses complete as flag values
once the script is loaded.`,
	DisableFlagsInUseLine: true,
	ValidArgs:             completionShellNames(),
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		noDesc, _ := cmd.Flags().GetBool("no-descriptions")
		return completionShells[args[0]](cmd.Root(), cmd.OutOrStdout(), !noDesc)
	},
}

func init() {
	completionCmd.Flags().Bool("no-descriptions", false, "omit completion descriptions")
	rootCmd.AddCommand(completionCmd)
}

func completeEventTypes(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
	return events.Strings(), cobra.ShellCompDirectiveNoFileComp
}

func completeDeliveryStatuses(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
	return []string{
		string(delivery.StatusPending), string(delivery.StatusRetrying),
		string(delivery.StatusDelivered), string(delivery.StatusFailed),
		"terminal", "non_terminal",
	}, cobra.ShellCompDirectiveNoFileComp
}

// completeSubscriptionIDs asks the API for the tenant's subscriptions.
func completeSubscriptionIDs(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	ctx, cancel := requestContext()
	defer cancel()
	var resp struct {
		Subscriptions []subscriptionView `json:"subscriptions"`
	}
	if err := newClient().get(ctx, "/v1/subscriptions", nil, &resp); err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	ids := make([]string, 0, len(resp.Subscriptions))
	for _, s := range resp.Subscriptions {
		ids = append(ids, s.ID+"\t"+s.URL)
	}
	return ids, cobra.ShellCompDirectiveNoFileComp
}
