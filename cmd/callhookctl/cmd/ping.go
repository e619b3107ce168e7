package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/callhook/internal/health"
)

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping the ingest API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		var resp map[string]string
		if err := newClient().get(ctx, "/v1/ping", nil, &resp); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, resp)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pong! Service is running: %s\n", resp["message"])
		return nil
	},
}

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show dependency health of the ingest service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		var status health.Status
		err := newClient().get(ctx, "/healthz", nil, &status)
		// An unhealthy service answers 503 with the same body.
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
			err = json.Unmarshal(apiErr.Body, &status)
		}
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, status)
		}
		out := cmd.OutOrStdout()
		if status.OK {
			fmt.Fprintln(out, "✓ Service is healthy")
		} else {
			fmt.Fprintln(out, "✗ Service is unhealthy")
		}
		for name, ok := range status.Components {
			mark := "✓"
			if !ok {
				mark = "✗"
			}
			fmt.Fprintf(out, "  %s %s\n", mark, name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd, healthCmd)
}
