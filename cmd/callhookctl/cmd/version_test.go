package cmd

import (
	"encoding/json"
	"runtime/debug"
	"strings"
	"testing"
)

func TestCurrentVersion(t *testing.T) {
	stamped := &debug.BuildInfo{
		Main: debug.Module{Version: "v0.4.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef"},
			{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	tests := []struct {
		name   string
		linker [3]string
		info   *debug.BuildInfo
		ok     bool
		want   buildVersion
	}{
		{
			name:   "no build info",
			linker: [3]string{"dev", "", ""},
			want:   buildVersion{Version: "dev"},
		},
		{
			name:   "vcs stamp",
			linker: [3]string{"dev", "", ""},
			info:   stamped,
			ok:     true,
			want:   buildVersion{Version: "v0.4.1", GitCommit: "0123456789abcdef", BuildTime: "2026-10-01T12:00:00Z", Modified: true},
		},
		{
			name:   "linker values win",
			linker: [3]string{"1.2.0", "cafe", "today"},
			info:   stamped,
			ok:     true,
			want:   buildVersion{Version: "1.2.0", GitCommit: "cafe", BuildTime: "today", Modified: true},
		},
		{
			name:   "devel main module",
			linker: [3]string{"dev", "", ""},
			info:   &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}},
			ok:     true,
			want:   buildVersion{Version: "dev"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := [3]string{Version, GitCommit, BuildTime}
			Version, GitCommit, BuildTime = tt.linker[0], tt.linker[1], tt.linker[2]
			t.Cleanup(func() { Version, GitCommit, BuildTime = prev[0], prev[1], prev[2] })

			got := currentVersion(tt.info, tt.ok)
			got.GoVersion, got.Platform = "", ""
			if got != tt.want {
				t.Errorf("currentVersion() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "http://127.0.0.1:1", "version")
	if err != nil || !strings.HasPrefix(out, "callhookctl ") {
		t.Errorf("version = %q, %v", out, err)
	}

	out, err = execute(t, "http://127.0.0.1:1", "--json", "version")
	if err != nil {
		t.Fatal(err)
	}
	var v buildVersion
	if err := json.Unmarshal([]byte(out), &v); err != nil || v.Version == "" || v.GoVersion == "" {
		t.Errorf("version --json = %q, %v", out, err)
	}
}
