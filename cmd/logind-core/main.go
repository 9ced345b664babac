package main

import (
	"fmt"
	"os"

	"github.com/lightseat/logind-core/internal/logging"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "logind-core",
	Short: "Multi-seat login and session lifecycle daemon",
	Long:  `logind-core manages display servers, greeters, and user sessions across one or more seats.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon in the foreground",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runServe())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("logind-core v%s\n", version)
	},
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Load and validate the configuration file without starting the daemon",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runValidateConfig())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default /etc/logind-core/logind-core.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
