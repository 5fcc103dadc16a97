package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/linkdata/jail/pkg/jlog"
)

// rootCmd owns only help/usage rendering and error reporting; flag parsing
// is disabled because the jail grammar's interleaved direct/queued/final
// tokens don't fit pflag's single parse-then-run model. With
// DisableFlagParsing set, RunE receives the raw argument list untouched,
// and Engine drives the full grammar over it.
var rootCmd = &cobra.Command{
	Use:                "jail [options] [commands...] user[:group] [-- | --execute] [prog args...]",
	Short:              "construct and enter a chroot jail",
	DisableFlagParsing: true,
	SilenceUsage:       true,
	SilenceErrors:      true,
	Args:               cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 && (args[0] == "-h" || args[0] == "--help") {
			return cmd.Help()
		}
		engine, err := NewEngine()
		if err != nil {
			return err
		}
		return engine.Run(args)
	},
}

// Execute is the process entrypoint, called from cmd/jail/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		jlog.Errorf("%s", err)
		os.Exit(1)
	}
}
