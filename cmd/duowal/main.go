//go:build linux

package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/google/uuid"

	"github.com/marmos91/duowal/internal/logger"
	"github.com/marmos91/duowal/pkg/config"
	"github.com/marmos91/duowal/pkg/metrics"
	"github.com/marmos91/duowal/pkg/wal"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usage = `duowal - dual-device crash-durable write-ahead log

Usage:
  duowal <command> [flags]

Commands:
  init     Initialize a sample configuration file
  append   Append records from arguments (or stdin lines) and flush
  replay   Replay the log, printing each record
  stat     Report the recovery state of a log pair without modifying it
  version  Show version information

Flags:
  --config string    Path to config file (default: $XDG_CONFIG_HOME/duowal/config.yaml)
  --force            Force overwrite existing config file (init command only)

Examples:
  # Initialize config file
  duowal init

  # Append three records
  duowal append "first" "second" "third"

  # Append every stdin line as a record
  cat batch.txt | duowal append

  # Replay the log
  duowal replay

  # Inspect a log pair
  duowal stat

  # Use environment variables to override config
  DUOWAL_LOGGING_LEVEL=DEBUG duowal replay

Environment Variables:
  Configuration options present in the config file can be overridden
  using environment variables; without a config file they are ignored.
  Format: DUOWAL_<SECTION>_<KEY> (use underscores for nested keys)

  Examples:
    DUOWAL_LOGGING_LEVEL=DEBUG
    DUOWAL_WAL_PRIMARY_PATH=/mnt/diska/primary.wal
    DUOWAL_WAL_VERIFY_READS=true
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit()
	case "append":
		runAppend()
	case "replay":
		runReplay()
	case "stat":
		runStat()
	case "help", "--help", "-h":
		fmt.Print(usage)
	case "version", "--version", "-v":
		fmt.Printf("duowal %s (commit: %s, built: %s)\n", version, commit, date)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

// runInit handles the init subcommand
func runInit() {
	initFlags := flag.NewFlagSet("init", flag.ExitOnError)
	configFile := initFlags.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/duowal/config.yaml)")
	force := initFlags.Bool("force", false, "Force overwrite existing config file")

	if err := initFlags.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	path := *configFile
	if path == "" {
		path = config.DefaultConfigPath()
	}

	if err := config.WriteDefaultConfig(path, *force); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Point wal.primary_path and wal.secondary_path at two devices")
	fmt.Println("  2. Append a record with: duowal append \"hello\"")
}

// runAppend handles the append subcommand
func runAppend() {
	appendFlags := flag.NewFlagSet("append", flag.ExitOnError)
	configFile := appendFlags.String("config", "", "Path to config file")

	if err := appendFlags.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	w := openWAL(*configFile)
	defer w.Close()

	payloads := appendFlags.Args()
	if len(payloads) == 0 {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			payloads = append(payloads, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			log.Fatalf("Failed to read stdin: %v", err)
		}
	}
	if len(payloads) == 0 {
		log.Fatal("Nothing to append")
	}

	for _, payload := range payloads {
		seq, err := w.Append([]byte(payload))
		if err != nil {
			log.Fatalf("Append failed: %v", err)
		}
		fmt.Printf("appended sequence %d (%d bytes)\n", seq, len(payload))
	}

	if err := w.Flush(); err != nil {
		log.Fatalf("Flush failed: %v", err)
	}
	fmt.Printf("%d records durable\n", len(payloads))
}

// runReplay handles the replay subcommand
func runReplay() {
	replayFlags := flag.NewFlagSet("replay", flag.ExitOnError)
	configFile := replayFlags.String("config", "", "Path to config file")

	if err := replayFlags.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	w := openWAL(*configFile)
	defer w.Close()

	err := w.Replay(func(sequence uint64, payload []byte) error {
		fmt.Printf("%8d  %q\n", sequence, payload)
		return nil
	})
	if err != nil {
		log.Fatalf("Replay failed: %v", err)
	}

	state := w.State()
	fmt.Printf("\nhighest sequence %d, next write offset %d\n",
		state.HighestSequence, state.NextWriteOffset)
}

// runStat handles the stat subcommand
func runStat() {
	statFlags := flag.NewFlagSet("stat", flag.ExitOnError)
	configFile := statFlags.String("config", "", "Path to config file")

	if err := statFlags.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	cfg := loadConfig(*configFile)

	state, err := wal.Inspect(cfg.WAL.PrimaryPath, cfg.WAL.SecondaryPath)
	if err != nil {
		log.Fatalf("Inspect failed: %v", err)
	}

	fmt.Printf("primary:          %s\n", cfg.WAL.PrimaryPath)
	fmt.Printf("secondary:        %s\n", cfg.WAL.SecondaryPath)
	fmt.Printf("highest sequence: %d\n", state.HighestSequence)
	fmt.Printf("valid records:    %d\n", state.ValidRecordCount)
	fmt.Printf("next offset:      %d\n", state.NextWriteOffset)
}

// loadConfig loads configuration and initializes logging and metrics.
func loadConfig(configFile string) *config.Config {
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		go func() {
			http.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Listen, nil); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	return cfg
}

// openWAL loads configuration and opens the WAL.
func openWAL(configFile string) *wal.WAL {
	cfg := loadConfig(configFile)

	runID := uuid.New().String()
	logger.Info("starting duowal", "version", version, "run_id", runID)

	w, err := wal.Open(wal.Config{
		PrimaryPath:   cfg.WAL.PrimaryPath,
		SecondaryPath: cfg.WAL.SecondaryPath,
		RingEntries:   cfg.WAL.RingEntries,
		VerifyReads:   cfg.WAL.VerifyReads,
		Metrics:       metrics.NewWALMetrics(),
	})
	if err != nil {
		log.Fatalf("Failed to open WAL: %v", err)
	}
	return w
}
