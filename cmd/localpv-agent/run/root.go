package run

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	localpv "github.com/carina-io/localpv-agent"
	"github.com/carina-io/localpv-agent/pkg/configuration"
)

var (
	configFile  string
	gitCommitID string
	exitCode    int
)

var rootCmd = &cobra.Command{
	Use:     localpv.AgentName,
	Version: localpv.Version,
	Short:   "Local PV node agent",
	Long: `localpv-agent formats, registers and mounts the raw block devices listed
in a node annotation or label, then removes the marker.

It runs once per invocation on the node named by the NODE_NAME environment
variable (see --node-name-env) and exits 0 on success, 1 otherwise. A device
that shows any sign of existing data aborts the run and leaves the marker in
place.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		code, err := subMain(cmd)
		exitCode = code
		return err
	},
}

// Execute runs the root command and returns the process exit code.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(commitID string) int {
	gitCommitID = commitID
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return exitCode
}

func init() {
	fs := rootCmd.Flags()
	fs.StringVar(&configFile, "config", "", "optional json or yaml configuration file")
	configuration.AddFlags(fs)

	goflags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(goflags)
	fs.AddGoFlagSet(goflags)
	// --kubeconfig
	fs.AddGoFlagSet(flag.CommandLine)
}
