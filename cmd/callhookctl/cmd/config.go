package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configKeys = map[string]string{
	"server":  "string",
	"timeout": "duration",
	"json":    "bool",
	"pretty":  "bool",
	"token":   "string",
	"tenant":  "string",
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage callhookctl configuration",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := map[string]any{
			"server":  viper.GetString("server"),
			"timeout": viper.GetDuration("timeout").String(),
			"json":    viper.GetBool("json"),
			"pretty":  viper.GetBool("pretty"),
			"tenant":  viper.GetString("tenant"),
			"token":   viper.GetString("token") != "",
		}
		if outputJSON {
			return printJSON(cmd, cfg)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Current configuration:")
		fmt.Fprintf(out, "  Server: %s\n", cfg["server"])
		fmt.Fprintf(out, "  Timeout: %s\n", cfg["timeout"])
		fmt.Fprintf(out, "  JSON Output: %v\n", cfg["json"])
		fmt.Fprintf(out, "  Pretty JSON: %v\n", cfg["pretty"])
		fmt.Fprintf(out, "  Tenant header: %s\n", cfg["tenant"])
		fmt.Fprintf(out, "  Token set: %v\n", cfg["token"])
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(out, "  Config file: none (using defaults)")
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  callhookctl config set server https://callhook.internal:8443
  callhookctl config set timeout 60s
  callhookctl config set tenant tn_123`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		v, err := parseConfigValue(key, value)
		if err != nil {
			return err
		}
		viper.Set(key, v)

		path, err := configPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\nConfiguration saved to: %s\n", key, value, path)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			if force, _ := cmd.Flags().GetBool("force"); !force {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}
		}
		viper.Set("server", "http://localhost:8080")
		viper.Set("timeout", "30s")
		viper.Set("json", false)
		viper.Set("pretty", false)
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", path)
		return nil
	},
}

// parseConfigValue checks key and converts value to the key's type.
func parseConfigValue(key, value string) (any, error) {
	kind, ok := configKeys[key]
	if !ok {
		return nil, fmt.Errorf("invalid configuration key: %s. Valid keys are: server, timeout, json, pretty, token, tenant", key)
	}
	switch kind {
	case "bool":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
		}
		return b, nil
	case "duration":
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("invalid duration for %s: %w", key, err)
		}
		return d.String(), nil
	}
	return value, nil
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".callhookctl.yaml"), nil
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd, configSetCmd, configInitCmd)
	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}
