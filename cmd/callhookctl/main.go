package main

import (
	"os"

	"github.com/austindbirch/callhook/cmd/callhookctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
