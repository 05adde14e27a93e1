package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/bnema/testbay/pkg/version"
)

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the testbay build",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		w := cmd.OutOrStdout()
		if versionShort {
			fmt.Fprintln(w, info.Version)
			return
		}
		fmt.Fprintf(w, "testbay %s\nCommit: %s\nBuilt: %s\nGo: %s %s/%s\n",
			info.Version, info.Commit, info.BuildDate,
			runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVarP(&versionShort, "short", "s", false, "print the version number only")
}
