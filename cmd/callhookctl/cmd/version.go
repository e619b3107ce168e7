package cmd

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X github.com/austindbirch/callhook/cmd/callhookctl/cmd.Version=..."
var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

type buildVersion struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// currentVersion prefers linker-set values and falls back to the VCS
// stamp the go tool embeds in module builds.
func currentVersion(info *debug.BuildInfo, ok bool) buildVersion {
	v := buildVersion{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if !ok {
		return v
	}
	if v.Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		v.Version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if v.GitCommit == "" {
				v.GitCommit = s.Value
			}
		case "vcs.time":
			if v.BuildTime == "" {
				v.BuildTime = s.Value
			}
		case "vcs.modified":
			v.Modified = s.Value == "true"
		}
	}
	return v
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the callhookctl build version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v := currentVersion(debug.ReadBuildInfo())
		if outputJSON {
			return printJSON(cmd, v)
		}
		commit := v.GitCommit
		if commit == "" {
			commit = "unknown"
		} else if len(commit) > 12 {
			commit = commit[:12]
		}
		if v.Modified {
			commit += "-dirty"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "callhookctl %s (%s", v.Version, commit)
		if v.BuildTime != "" {
			fmt.Fprintf(cmd.OutOrStdout(), ", %s", v.BuildTime)
		}
		fmt.Fprintf(cmd.OutOrStdout(), ") %s %s\n", v.GoVersion, v.Platform)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
