package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cyberkrunk69/black-swarm-sub007/internal/events"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/lock"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/model"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/pipeline"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/plan"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/review"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/reward"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/scheduler"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/setup"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/status"
	"github.com/cyberkrunk69/black-swarm-sub007/internal/store"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	case "plan":
		runPlan(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "reclaim":
		runReclaim(os.Args[2:])
	case "version":
		fmt.Printf("swarm %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runInit(args []string) {
	projectDir := "."
	projectName := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			i++
			projectName = args[i]
		default:
			if strings.HasPrefix(args[i], "-") {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: swarm init [project_dir] [--name <name>]\n", args[i])
				os.Exit(1)
			}
			projectDir = args[i]
		}
	}

	if err := setup.Run(projectDir, projectName); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(projectDir)
	fmt.Printf("Initialized %s in %s\n", setup.SwarmDir, absDir)
}

func runWorker(args []string) {
	maxTasks := 0
	continuous := false
	workerID := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--max-tasks":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--max-tasks requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 0 {
				fmt.Fprintf(os.Stderr, "invalid --max-tasks value: %s\n", args[i])
				os.Exit(1)
			}
			maxTasks = n
		case "--continuous":
			continuous = true
		case "--worker-id":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--worker-id requires a value")
				os.Exit(1)
			}
			i++
			workerID = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: swarm worker [--max-tasks <n>] [--continuous] [--worker-id <id>]\n", args[i])
			os.Exit(1)
		}
	}

	swarmDir := mustFindSwarmDir()
	cfg := mustLoadConfig(swarmDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker, cleanup, err := buildWorker(swarmDir, cfg, workerID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := worker.Run(ctx, maxTasks, continuous); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

// buildWorker wires the store, event log, ledger, pipeline, and the
// optional announce bus from the loaded config.
func buildWorker(swarmDir string, cfg *model.Config, workerID string) (*scheduler.Worker, func(), error) {
	locks := lock.NewManager(filepath.Join(swarmDir, "locks"))
	s := store.New(swarmDir, locks, lock.NewMutexMap())

	eventsPath := resolvePath(swarmDir, cfg.Events.Path)
	eventLog, err := events.NewLogger(eventsPath, cfg.Events.MaxBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("open event log: %w", err)
	}
	eventLog.EnableChecksum(cfg.Events.Checksum)

	ledger, err := reward.Open(resolvePath(swarmDir, cfg.Ledger.Path))
	if err != nil {
		eventLog.Close()
		return nil, nil, fmt.Errorf("open reward ledger: %w", err)
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Bus.Enabled {
		p, err := events.NewNATSPublisher(cfg.Bus.URL, cfg.Bus.Subject)
		if err != nil {
			// The bus mirrors the event log; the log stays authoritative.
			log.Printf("worker: announce bus unavailable, continuing without: %v", err)
		} else {
			publisher = p
		}
	}

	logger := log.New(os.Stderr, "", 0)

	var router *pipeline.Router
	if cfg.Routing.RegistryPath != "" {
		router = pipeline.NewRouter(resolvePath(swarmDir, cfg.Routing.RegistryPath), cfg.Routing.MinConfidence)
	}
	var decomposer *pipeline.Decomposer
	if cfg.Decompose.Enabled {
		decomposer = pipeline.NewDecomposer(cfg.Decompose)
	}

	p := pipeline.New(pipeline.Config{
		Store:      s,
		Gateway:    pipeline.NewPatternGateway(cfg.Safety.DenyPatterns),
		Router:     router,
		Decomposer: decomposer,
		Dispatcher: pipeline.NewDispatcher(cfg.Swarm.Endpoint, time.Duration(cfg.Worker.DispatchTimeoutSec)*time.Second),
		Gate:       review.NewGate(cfg.Retry.MaxRetry),
		Ledger:     ledger,
		EventLog:   eventLog,
		Publisher:  publisher,
		Logger:     logger,
	})

	worker := scheduler.NewWorker(scheduler.Config{
		WorkerID:     workerID,
		Store:        s,
		Locks:        locks,
		Pipeline:     p,
		EventLog:     eventLog,
		Publisher:    publisher,
		EventsPath:   eventsPath,
		PollInterval: time.Duration(cfg.Worker.PollIntervalSec) * time.Second,
		BackoffMax:   time.Duration(cfg.Worker.BackoffMaxSec) * time.Second,
		StaleAfter:   time.Duration(cfg.Locks.StaleAfterMin) * time.Minute,
		Logger:       logger,
		LogLevel:     scheduler.ParseLogLevel(cfg.Logging.Level),
	})

	cleanup := func() {
		publisher.Close()
		if err := ledger.Close(); err != nil {
			log.Printf("worker: close ledger: %v", err)
		}
		if err := eventLog.Close(); err != nil {
			log.Printf("worker: close event log: %v", err)
		}
	}
	return worker, cleanup, nil
}

func runPlan(args []string) {
	goal := strings.Join(args, " ")

	swarmDir := mustFindSwarmDir()
	cfg := mustLoadConfig(swarmDir)

	projectRoot := cfg.Swarm.ProjectRoot
	if projectRoot == "" {
		projectRoot = filepath.Dir(swarmDir)
	}

	locks := lock.NewManager(filepath.Join(swarmDir, "locks"))
	s := store.New(swarmDir, locks, lock.NewMutexMap())
	client := plan.NewClient(cfg.Planner, s)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := client.Run(ctx, projectRoot, goal)
	if err != nil {
		fmt.Fprintf(os.Stderr, "plan: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(os.Stderr, "plan: %v\n", err)
		os.Exit(1)
	}
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: swarm status [--json]\n", a)
			os.Exit(1)
		}
	}

	swarmDir := mustFindSwarmDir()
	if err := status.Run(swarmDir, jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runReclaim(args []string) {
	thresholdMin := 0
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--threshold-min":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--threshold-min requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 0 {
				fmt.Fprintf(os.Stderr, "invalid --threshold-min value: %s\n", args[i])
				os.Exit(1)
			}
			thresholdMin = n
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: swarm reclaim [--threshold-min <n>]\n", args[i])
			os.Exit(1)
		}
	}

	swarmDir := mustFindSwarmDir()
	if thresholdMin == 0 {
		cfg := mustLoadConfig(swarmDir)
		thresholdMin = cfg.Locks.StaleAfterMin
	}

	locks := lock.NewManager(filepath.Join(swarmDir, "locks"))
	reclaimed, err := locks.ReclaimStale(time.Duration(thresholdMin) * time.Minute)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reclaim: %v\n", err)
		os.Exit(1)
	}

	if len(reclaimed) == 0 {
		fmt.Println("No stale locks.")
		return
	}
	for _, name := range reclaimed {
		fmt.Printf("reclaimed %s\n", name)
	}
}

func mustFindSwarmDir() string {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	swarmDir, err := setup.FindSwarmDir(cwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	return swarmDir
}

func mustLoadConfig(swarmDir string) *model.Config {
	cfg, err := loadConfig(swarmDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func loadConfig(swarmDir string) (*model.Config, error) {
	data, err := os.ReadFile(filepath.Join(swarmDir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	cfg := model.DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config.yaml: %w", err)
	}
	return cfg, nil
}

func resolvePath(swarmDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(swarmDir, path)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `swarm %s - coordinator-free task queue runtime

Usage: swarm <command> [options]

Commands:
  init [dir] [--name <name>]   Initialize .swarm/ directory
  worker [flags]               Run the worker loop
      --max-tasks <n>          Stop after n tasks
      --continuous             Keep running after the queue drains
      --worker-id <id>         Override the generated worker identity
  plan [goal...]               Scan the project and request a task plan
  status [--json]              Show queue counts and live locks
  reclaim [--threshold-min <n>]  Sweep stale locks
  version                      Show version
  help                         Show this help

`, version)
}
