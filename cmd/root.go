package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/oKV/cmd/bench"
	"github.com/ValentinKolb/oKV/cmd/shell"
	"github.com/ValentinKolb/oKV/cmd/util"
	"github.com/ValentinKolb/oKV/lib/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "okv",
		Short: "off-heap key-value store",
		Long: fmt.Sprintf(`oKV (v%s)

A concurrent key-value store written in Go that keeps its entries
outside the Go heap. Entries expire after a configurable time to
live and are evicted in the background by adaptive policies.`, Version),
		PersistentPreRunE: setup,
		SilenceUsage:      true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of oKV",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("oKV v%s\n", Version)
		},
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(shell.ShellCmd)
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	util.SetupMapFlags(RootCmd.PersistentFlags())
}

// setup binds the flags, loads the config file and configures logging
func setup(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	return logging.InitLoggers(viper.GetString("log-level"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
