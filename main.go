package main

import (
	"os"

	"github.com/bnema/testbay/cmd"
	"github.com/bnema/testbay/pkg/version"
)

// Stamped with -ldflags "-X main.buildVersion=...". Left empty, the module
// build info is used instead.
var (
	buildVersion string
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

func main() {
	if buildVersion != "" {
		version.Set(buildVersion, buildCommit, buildDate)
	}
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
