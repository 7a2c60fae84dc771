// Command promptdock runs the local bridge daemon that lets paired browser
// apps drive coding agents on this machine.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const version = "0.4.0"

var (
	flagPort    int
	flagAgent   string
	flagConfig  string
	flagVerbose bool
	flagNoOpen  bool
	flagHub     string

	flagLogLines  int
	flagLogFollow bool
)

func main() {
	godotenv.Load()

	root := &cobra.Command{
		Use:           "promptdock",
		Short:         "Local bridge daemon for remote-controlled coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Run the daemon in the foreground",
		RunE:  runStart,
	}
	startCmd.Flags().IntVar(&flagPort, "port", 0, "HTTP port (message channel uses port+1)")
	startCmd.Flags().StringVar(&flagAgent, "agent", "", "preferred agent kind")
	startCmd.Flags().StringVar(&flagConfig, "config", "", "path to config.json")
	startCmd.Flags().BoolVar(&flagVerbose, "verbose", false, "debug logging")
	startCmd.Flags().StringVar(&flagHub, "hub", "", "hub URL to allow-list and open")
	startCmd.Flags().BoolVar(&flagNoOpen, "no-open", false, "do not open the hub in a browser")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		RunE:  runStop,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report daemon liveness and health",
		RunE:  runStatus,
	}

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Tail the daemon log",
		RunE:  runLogs,
	}
	logsCmd.Flags().IntVarP(&flagLogLines, "lines", "n", 50, "number of trailing lines")
	logsCmd.Flags().BoolVarP(&flagLogFollow, "follow", "f", false, "keep following the log")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE:  runConfig,
	}
	configCmd.Flags().StringVar(&flagConfig, "config", "", "path to config.json")

	testAgentCmd := &cobra.Command{
		Use:   "test-agent <kind>",
		Short: "Locate an agent binary and report its version",
		Args:  cobra.ExactArgs(1),
		RunE:  runTestAgent,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("promptdock " + version)
		},
	}

	root.AddCommand(startCmd, stopCmd, statusCmd, logsCmd, configCmd, testAgentCmd, versionCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
