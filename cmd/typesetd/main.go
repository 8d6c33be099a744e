package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	json "github.com/goccy/go-json"
	"github.com/typesetd/typesetd/internal/api"
	"github.com/typesetd/typesetd/internal/config"
	"github.com/typesetd/typesetd/internal/doctor"
	"github.com/typesetd/typesetd/internal/events"
	"github.com/typesetd/typesetd/internal/lock"
	"github.com/typesetd/typesetd/internal/log"
	"github.com/typesetd/typesetd/internal/metrics"
	"github.com/typesetd/typesetd/internal/queue"
	"github.com/typesetd/typesetd/internal/render"
	"github.com/typesetd/typesetd/internal/storage"
	"github.com/typesetd/typesetd/internal/supervisor"
	"github.com/typesetd/typesetd/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		return runStart(args)
	case "status":
		return runStatus(args)
	case "watch":
		return runWatch(args)
	case "doctor":
		return runDoctor(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`typesetd - Typesetting render daemon

Usage:
  typesetd <command> [flags]

Commands:
  start     Start the render daemon in the foreground
  status    Query a running daemon's status endpoint
  watch     Real-time monitoring TUI
  doctor    Check the environment a daemon would start into
  version   Show version information
  help      Show this help message

Use 'typesetd <command> --help' for command-specific flags.
`)
}

// --- start ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.SetupFormat(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("typesetd starting", "version", version, "config", *configPath)

	pidLock, err := lock.AcquirePIDLock(cfg.Lock.Path)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Lock.Path, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.Journal.Path)
	if err != nil {
		logger.Error("failed to open journal database", "path", cfg.Journal.Path, "error", err)
		return 1
	}
	defer db.Close()
	journal := storage.NewJournal(db)

	hub := events.NewHub(256)
	observer := &lifecycleObserver{
		journal: journal,
		hub:     hub,
		logger:  log.WithComponent("journal"),
	}
	adm := queue.New(cfg.Queue.MaxDepth, observer)

	workerPath, err := resolveWorkerPath(cfg.Pool.WorkerPath)
	if err != nil {
		logger.Error("worker executable not found", "error", err)
		return 1
	}

	tree := supervisor.NewTree(log.WithComponent("supervisor"), supervisor.DefaultTreeConfig())

	sups := make([]*supervisor.Supervisor, cfg.Pool.Size)
	for i := range sups {
		sup := supervisor.NewSupervisor(i, supervisor.Config{
			WorkerPath:       workerPath,
			WorkerArgs:       workerArgs(cfg),
			GracePeriod:      cfg.Pool.GracePeriod,
			MaxSpawnAttempts: cfg.Pool.MaxSpawnAttempts,
		})
		sup.OnProgress = func(req render.Request, message string) {
			hub.Publish(events.TypeProgress, events.RenderEvent{RequestID: req.ID, Message: message})
		}
		sup.OnRestart = func(slot int, cause string) {
			metrics.WorkerRestartsTotal.WithLabelValues(cause).Inc()
			hub.Publish(events.TypeWorkerRestart, events.WorkerEvent{Slot: slot, Cause: cause})
		}
		sups[i] = sup
		tree.AddRenderService(supervisor.NewSlotService(sup, adm))
	}
	logger.Info("worker pool configured", "slots", cfg.Pool.Size, "worker", workerPath)

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:        cfg.API.Listen,
			APIKey:        cfg.API.Auth.APIKey,
			RenderTimeout: cfg.Pool.RenderTimeout,
		}, adm, slotPool(sups), journal, hub, log.WithComponent("api"))
		tree.AddAPIService(apiServer)
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	go pruneLoop(ctx, journal, cfg.Journal.Retention, logger)

	logger.Info("typesetd running (press Ctrl+C to stop)")
	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervision tree terminated", "error", err)
		return 1
	}

	logger.Info("typesetd stopped")
	return 0
}

// slotPool adapts the supervisor list to the status endpoint.
type slotPool []*supervisor.Supervisor

func (p slotPool) Snapshots() []supervisor.Status {
	out := make([]supervisor.Status, len(p))
	for i, sup := range p {
		out[i] = sup.Snapshot()
	}
	return out
}

// resolveWorkerPath defaults to a typesetd-worker binary installed next to
// the daemon.
func resolveWorkerPath(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate daemon executable: %w", err)
	}
	workerPath := filepath.Join(filepath.Dir(exe), "typesetd-worker")
	if _, err := os.Stat(workerPath); err != nil {
		return "", fmt.Errorf("no worker at %s (set pool.worker_path)", workerPath)
	}
	return workerPath, nil
}

func workerArgs(cfg *config.Config) []string {
	args := []string{
		"--compiler", cfg.Compiler.Path,
		"--cache-dir", cfg.Packages.CacheDir,
		"--registry", cfg.Packages.RegistryURL,
		"--max-pages", strconv.Itoa(cfg.Compiler.MaxPages),
		"--log-level", cfg.Service.LogLevel,
	}
	if cfg.Compiler.FontsDir != "" {
		args = append(args, "--fonts-dir", cfg.Compiler.FontsDir)
	}
	return args
}

func pruneLoop(ctx context.Context, journal *storage.Journal, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := journal.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Error("prune render journal", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("pruned render journal", "removed", n)
			}
		}
	}
}

// --- status ---

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8466", "Daemon API URL")
	apiKey := fs.String("api-key", os.Getenv("TYPESETD_API_KEY"), "API bearer token")
	jsonOut := fs.Bool("json", false, "Output raw JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(*apiURL, "/")+"/status", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad API URL: %v\n", err)
		return 1
	}
	if *apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+*apiKey)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Daemon unreachable: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Read response: %v\n", err)
		return 1
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Daemon returned %s: %s\n", resp.Status, body)
		return 1
	}

	if *jsonOut {
		fmt.Println(string(body))
		return 0
	}

	var status struct {
		UptimeSeconds int64          `json:"uptime_seconds"`
		QueueDepth    int            `json:"queue_depth"`
		Slots         []struct {
			Slot     int    `json:"slot"`
			State    string `json:"state"`
			PID      int    `json:"pid"`
			Restarts int    `json:"restarts"`
		} `json:"slots"`
		Totals map[string]int `json:"totals"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		fmt.Fprintf(os.Stderr, "Decode response: %v\n", err)
		return 1
	}

	fmt.Printf("uptime:      %s\n", (time.Duration(status.UptimeSeconds) * time.Second).String())
	fmt.Printf("queue depth: %d\n", status.QueueDepth)
	for _, slot := range status.Slots {
		fmt.Printf("slot %d:      %s (pid %d, %d restarts)\n", slot.Slot, slot.State, slot.PID, slot.Restarts)
	}
	if len(status.Totals) > 0 {
		fmt.Print("totals:     ")
		for outcome, n := range status.Totals {
			fmt.Printf(" %s=%d", outcome, n)
		}
		fmt.Println()
	}
	return 0
}

// --- watch ---

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8466", "Daemon API URL")
	apiKey := fs.String("api-key", os.Getenv("TYPESETD_API_KEY"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	m := watch.New(*apiURL, *apiKey)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// --- doctor ---

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	report := doctor.Run(cfg)
	failed := false
	for _, check := range report {
		mark := "ok"
		if !check.OK {
			mark = "FAIL"
			failed = true
		}
		fmt.Printf("[%-4s] %-24s %s\n", mark, check.Name, check.Detail)
	}
	if failed {
		return 1
	}
	return 0
}

// --- version ---

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("typesetd %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	builtAt := strings.TrimSpace(buildDate)
	if builtAt == "" || builtAt == "unknown" {
		builtAt = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, builtAt); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}

	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}
