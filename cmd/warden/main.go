package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/warden/internal/config"
	"github.com/mattjoyce/warden/internal/events"
	"github.com/mattjoyce/warden/internal/lock"
	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/plugins"
	"github.com/mattjoyce/warden/internal/secrets"
	"github.com/mattjoyce/warden/internal/supervisor"
	"github.com/mattjoyce/warden/internal/tui"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "system":
		os.Exit(runSystemNoun(args))
	case "plugin":
		os.Exit(runPluginNoun(args))
	case "watch":
		os.Exit(runWatch(args))
	case "version":
		fmt.Printf("warden version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`warden - Serverless-worker supervisor

Usage:
  warden <noun> <action> [flags]

System Commands:
  system start      Start the supervisor and its workers in foreground

Plugin Commands:
  plugin lock       Record integrity hashes for a storage root's plugins
  plugin check      Verify plugin sources against recorded hashes

General:
  watch             Start the supervisor with a live status TUI
  version           Show version information
  help              Show this help message
`)
}

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: warden system start [--config <path>]")
		return 1
	}
	switch args[0] {
	case "start":
		return runStart(args[1:], false)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", args[0])
		return 1
	}
}

func runPluginNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: warden plugin <lock|check> --storage <dir>")
		return 1
	}

	fs := flag.NewFlagSet("plugin", flag.ContinueOnError)
	storage := fs.String("storage", ".", "worker storage root containing plugins/")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	dir := filepath.Join(*storage, "plugins")

	switch args[0] {
	case "lock":
		files, err := plugins.GenerateChecksums(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "lock failed: %v\n", err)
			return 1
		}
		fmt.Printf("Recorded %d plugin hashes in %s\n", len(files), dir)
		return 0
	case "check":
		if err := plugins.VerifyChecksums(dir); err != nil {
			fmt.Fprintf(os.Stderr, "check failed: %v\n", err)
			return 1
		}
		fmt.Println("All plugin sources match recorded hashes.")
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown plugin action: %s\n", args[0])
		return 1
	}
}

func runWatch(args []string) int {
	return runStart(args, true)
}

// runStart boots the supervisor, forks every configured worker, and runs
// until signalled. With watch, a live TUI replaces the passive wait.
func runStart(args []string, watch bool) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "./config.yaml", "path to supervisor config")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")

	pidLock, err := lock.AcquirePIDLock(cfg.LockFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Another supervisor appears to be running: %v\n", err)
		return 1
	}
	defer pidLock.Release()

	hub := events.NewHub(256)
	sup := supervisor.New(cfg.WorkerBin, secrets.FileLoader{}, hub)

	for _, wc := range cfg.Workers {
		if _, err := sup.CreateWorker(wc); err != nil {
			logger.Error("failed to start worker", "url_prefix", wc.URLPrefix, "error", err)
		}
	}

	if watch {
		p := tea.NewProgram(tui.NewModel(sup))
		if _, err := p.Run(); err != nil {
			logger.Error("watch tui failed", "error", err)
		}
	} else {
		logger.Info("supervisor running", "workers", len(sup.ListWorkers()))
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
	}

	if err := sup.TerminateAll(); err != nil {
		logger.Error("terminate workers", "error", err)
		return 1
	}
	return 0
}
