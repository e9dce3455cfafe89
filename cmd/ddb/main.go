// Command ddb is the CLI entrypoint: it loads a YAML config, wires the
// orchestrator, and runs until the user exits the REPL or the process
// receives an interrupt.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/usc-nsl/ddb/internal/config"
	"github.com/usc-nsl/ddb/internal/orchestrator"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var debug bool

var rootCmd = &cobra.Command{
	Use:   "ddb <config.yaml>",
	Short: "Distributed GDB/MI debugger aggregator",
	Long:  "ddb attaches one GDB/MI session per component named in config.yaml and presents them as a single virtualized debuggee.",
	Args: func(cmd *cobra.Command, args []string) error {
		if v, _ := cmd.Flags().GetBool("version"); v {
			return nil
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	// Silence cobra's own usage dump on a runtime (as opposed to
	// argument-parsing) error; RunE already logs the failure.
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(_ *cobra.Command, args []string) error {
		os.Exit(run(args[0]))
		return nil
	},
}

func init() {
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable verbose debug logging")
	rootCmd.Flags().BoolP("version", "v", false, "print version and exit")
	rootCmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Println("ddb", version)
			os.Exit(0)
		}
		return nil
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ddb:", err)
		os.Exit(1)
	}
}

// run loads configPath, starts the orchestrator, and returns the process
// exit code per spec.md §6 (0 normal, 130 interrupt, nonzero fatal).
func run(configPath string) int {
	homeDir, _ := os.UserHomeDir()
	cacheDir := filepath.Join(homeDir, ".cache", "ddb")
	_ = os.MkdirAll(cacheDir, 0755)

	// Redirect debug logs to file so they don't interfere with the (gdb)
	// readline prompt. Tail ~/.cache/ddb/debug.log to observe internal
	// session/router activity.
	if f, err := os.OpenFile(filepath.Join(cacheDir, "debug.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
		log.SetOutput(f)
		defer f.Close()
	} else if debug {
		log.SetOutput(os.Stderr)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ddb: config error:", err)
		return 1
	}

	logDir := filepath.Join(cacheDir, "sessions")

	orch := orchestrator.New(cfg, logDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return orch.Run(ctx)
}
