// BrickChat is a multi-user chat service that fronts hosted language
// models and specialist agent endpoints.
//
// It streams assistant replies over server-sent events or websockets,
// persists threads in SQLite, answers questions about uploaded
// documents, and reads messages aloud through a cached speech pipeline.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	brickchat serve              Start the API server
//	brickchat init [dir]         Initialize a working directory with defaults
//	brickchat discover           Run one agent discovery pass and exit
//	brickchat version            Print version and build information
//	brickchat -o json version    Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/datasciencemonkey/brickchat/internal/agents"
	"github.com/datasciencemonkey/brickchat/internal/api"
	"github.com/datasciencemonkey/brickchat/internal/buildinfo"
	"github.com/datasciencemonkey/brickchat/internal/chat"
	"github.com/datasciencemonkey/brickchat/internal/config"
	"github.com/datasciencemonkey/brickchat/internal/connwatch"
	"github.com/datasciencemonkey/brickchat/internal/documents"
	"github.com/datasciencemonkey/brickchat/internal/httpkit"
	"github.com/datasciencemonkey/brickchat/internal/identity"
	"github.com/datasciencemonkey/brickchat/internal/llm"
	"github.com/datasciencemonkey/brickchat/internal/objstore"
	"github.com/datasciencemonkey/brickchat/internal/orchestrator"
	"github.com/datasciencemonkey/brickchat/internal/routing"
	"github.com/datasciencemonkey/brickchat/internal/stream"
	"github.com/datasciencemonkey/brickchat/internal/threads"
	"github.com/datasciencemonkey/brickchat/internal/tts"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Logs go to stdout; run returns nil on
// clean shutdown. Arguments are parsed by hand so tests can call run
// concurrently without sharing flag.CommandLine.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "discover":
		return runDiscover(ctx, stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "BrickChat - chat service for hosted models and agents")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: brickchat [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  discover     Run one agent discovery pass and exit")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/brickchat/config.yaml, /etc/brickchat/config.yaml")
	return nil
}

// runServe starts the API server and blocks until ctx is cancelled or a
// termination signal arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting BrickChat", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate already rejected bad levels, so the error is unreachable.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"data_dir", cfg.DataDir,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Persistence ---
	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	threadStore, err := threads.NewStore(db)
	if err != nil {
		return fmt.Errorf("thread store: %w", err)
	}
	agentStore, err := agents.NewStore(db)
	if err != nil {
		return fmt.Errorf("agent store: %w", err)
	}

	objects, err := objstore.Open(cfg.Objects.Backend, cfg.Objects.Path)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	defer objects.Close()

	docVolume, err := objstore.OpenFS(cfg.Documents.Path)
	if err != nil {
		return fmt.Errorf("document volume: %w", err)
	}
	defer docVolume.Close()

	docStore := documents.NewStore(docVolume, threadStore, documents.Limits{
		MaxFiles:     cfg.Documents.MaxFiles,
		MaxFileBytes: cfg.Documents.MaxFileBytes,
	}, logger)

	// --- Signal handling ---
	// NotifyContext wraps the parent so SIGINT/SIGTERM cancellation
	// reaches the upstream monitor and the server alike.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Models and agents ---
	upstreams := connwatch.NewMonitor(connwatch.DefaultSchedule(), logger)
	models, err := createLLMClient(ctx, cfg, logger, upstreams)
	if err != nil {
		return err
	}

	registry := agents.NewRegistry(agentStore, logger, agentSources(cfg, logger)...)

	selector, err := orchestrator.New(models, cfg.Models.Router,
		time.Duration(cfg.Agents.ClassifyTimeoutSec)*time.Second, logger)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	router := routing.NewEngine(threadStore, logger, routing.Config{MaxAuditLog: cfg.Agents.AuditLogSize})

	aggregator := stream.New(stream.Config{
		DrainTimeout: time.Duration(cfg.Stream.DrainTimeoutSec) * time.Second,
		Buffer:       cfg.Stream.Buffer,
	}, logger)

	chatService := chat.NewService(chat.Deps{
		Threads:    threadStore,
		Router:     router,
		Agents:     registry,
		Selector:   selector,
		Documents:  docStore,
		Models:     models,
		Invoker:    llm.NewEndpointClient(cfg.Agents.Token, logger),
		Aggregator: aggregator,
	}, chat.Config{
		DefaultModel:    cfg.Models.Default,
		DocumentModel:   cfg.Models.Document,
		UpstreamTimeout: time.Duration(cfg.Stream.UpstreamTimeoutSec) * time.Second,
	}, logger)

	// --- Speech ---
	var speech *tts.Pipeline
	if cfg.TTS.Enabled {
		speech, err = createSpeechPipeline(cfg, threadStore, objects, models, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Info("speech synthesis disabled")
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Chat:      chatService,
		Threads:   threadStore,
		Agents:    registry,
		Routing:   router,
		Documents: docStore,
		Speech:    speech,
		Identity:  identity.NewResolver(cfg.Auth.DevUser, cfg.Auth.IsAdmin),
		Upstreams: upstreams,
	}, logger)

	// Seed the catalog in the background; the API is usable without it.
	go func() {
		dctx, dcancel := context.WithTimeout(ctx, time.Duration(cfg.Agents.DiscoveryTimeoutSec)*time.Second)
		defer dcancel()
		res, err := registry.Discover(dctx)
		if err != nil {
			logger.Warn("initial agent discovery failed", "error", err)
			return
		}
		logger.Info("initial agent discovery complete", "discovered", res.Discovered, "new", res.New)
	}()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	upstreams.Wait()
	logger.Info("BrickChat stopped")
	return nil
}

// runDiscover runs a single discovery pass against the configured
// sources and prints the result.
func runDiscover(ctx context.Context, stdout io.Writer, configPath, outputFmt string) error {
	logger := newLogger(io.Discard, slog.LevelInfo, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := agents.NewStore(db)
	if err != nil {
		return fmt.Errorf("agent store: %w", err)
	}
	registry := agents.NewRegistry(store, logger, agentSources(cfg, logger)...)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Agents.DiscoveryTimeoutSec)*time.Second)
	defer cancel()
	res, err := registry.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintf(stdout, "discovered %d agents (%d new, %d existing)\n", res.Discovered, res.New, res.Existing)
	for _, a := range res.Agents {
		fmt.Fprintf(stdout, "  %-24s %-8s %s\n", a.Name, a.Status, a.Endpoint)
	}
	return nil
}

// openDatabase opens the shared SQLite database in WAL mode so streaming
// writes do not block readers.
func openDatabase(dataDir string) (*sql.DB, error) {
	path := filepath.Join(dataDir, "brickchat.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return db, nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Any format other than "json" yields text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. An explicit
// path must exist; otherwise [config.FindConfig] searches the defaults.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// createLLMClient builds a multi-provider client. Each configured model
// is mapped to its provider; unmapped models go to the serving endpoint,
// or to Ollama when no serving workspace is configured. Every provider
// that can receive traffic is registered with the upstream monitor.
func createLLMClient(ctx context.Context, cfg *config.Config, logger *slog.Logger, upstreams *connwatch.Monitor) (llm.Client, error) {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)

	var fallback llm.Client = ollama
	fallbackName := "ollama"
	if cfg.Models.ServingURL != "" {
		fallback = llm.NewServingClient(cfg.Models.ServingURL, cfg.Models.ServingToken, logger)
		fallbackName = "serving"
	}

	providers := map[string]llm.Client{"ollama": ollama}
	if cfg.Models.ServingURL != "" {
		providers["serving"] = fallback
	}
	if cfg.Models.GeminiAPIKey != "" {
		gemini, err := llm.NewGeminiClient(ctx, cfg.Models.GeminiAPIKey, logger)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		providers["gemini"] = gemini
		logger.Info("Gemini provider configured")
	}

	multi := llm.NewMultiClient(fallback)
	for name, c := range providers {
		multi.AddProvider(name, c)
	}

	used := map[string]bool{fallbackName: true}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
		used[m.Provider] = true
	}
	if upstreams != nil {
		for name, c := range providers {
			if used[name] {
				upstreams.Watch(ctx, name, c.Ping)
			}
		}
	}

	logger.Info("LLM client initialized",
		"default_model", cfg.Models.Default,
		"default_provider", multi.ProviderFor(cfg.Models.Default),
		"providers", multi.Providers(),
	)
	return multi, nil
}

// agentSources lists the discovery sources named by the configuration.
func agentSources(cfg *config.Config, logger *slog.Logger) []agents.Source {
	var sources []agents.Source
	if len(cfg.Agents.Static) > 0 {
		static := make(agents.StaticSource, 0, len(cfg.Agents.Static))
		for _, c := range cfg.Agents.Static {
			static = append(static, agents.Candidate{
				Endpoint:    c.Endpoint,
				Name:        c.Name,
				Description: c.Description,
			})
		}
		sources = append(sources, static)
	}
	if cfg.Agents.WorkspaceURL != "" {
		client := httpkit.NewClient(
			httpkit.WithTimeout(time.Duration(cfg.Agents.DiscoveryTimeoutSec)*time.Second),
			httpkit.WithBearerToken(cfg.Agents.Token),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		)
		sources = append(sources, agents.NewServingEndpointSource(cfg.Agents.WorkspaceURL, cfg.Agents.Task, client))
	}
	return sources
}

// createSpeechPipeline assembles the speech pipeline from the configured
// primary and secondary providers.
func createSpeechPipeline(cfg *config.Config, messages tts.MessageStore, objects objstore.Store, models llm.Client, logger *slog.Logger) (*tts.Pipeline, error) {
	primary, err := speechProvider(cfg.TTS.Primary, cfg, logger)
	if err != nil {
		return nil, err
	}

	opts := []tts.Option{tts.WithObjects(objects)}
	if cfg.TTS.Secondary != "" && cfg.TTS.Secondary != cfg.TTS.Primary {
		secondary, err := speechProvider(cfg.TTS.Secondary, cfg, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, tts.WithSecondary(secondary))
	}

	pcfg := tts.Config{
		CacheEnabled: cfg.TTS.CacheEnabled,
		DefaultVoice: cfg.TTS.DefaultVoice,
		Concurrency:  cfg.TTS.Concurrency,
	}
	if cfg.TTS.Normalize {
		pcfg.NormalizeModel = cfg.Models.Normalizer
		opts = append(opts, tts.WithNormalizer(models))
	}

	logger.Info("speech synthesis enabled",
		"primary", cfg.TTS.Primary,
		"secondary", cfg.TTS.Secondary,
		"cache", cfg.TTS.CacheEnabled,
		"normalize", cfg.TTS.Normalize,
	)
	return tts.NewPipeline(messages, primary, pcfg, logger, opts...), nil
}

func speechProvider(name string, cfg *config.Config, logger *slog.Logger) (tts.Provider, error) {
	switch name {
	case "polly":
		return tts.NewPolly(tts.PollyConfig{
			Region:       cfg.TTS.Polly.Region,
			Engine:       cfg.TTS.Polly.Engine,
			DefaultVoice: cfg.TTS.Polly.DefaultVoice,
			Timeout:      time.Duration(cfg.TTS.Polly.TimeoutSec) * time.Second,
		}, nil), nil
	case "deepgram":
		if !cfg.TTS.Deepgram.Configured() {
			return nil, fmt.Errorf("tts provider deepgram requires tts.deepgram.api_key")
		}
		return tts.NewDeepgram(tts.DeepgramConfig{
			APIKey:       cfg.TTS.Deepgram.APIKey,
			BaseURL:      cfg.TTS.Deepgram.BaseURL,
			DefaultVoice: cfg.TTS.Deepgram.DefaultVoice,
			Timeout:      time.Duration(cfg.TTS.Deepgram.TimeoutSec) * time.Second,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", name)
	}
}
