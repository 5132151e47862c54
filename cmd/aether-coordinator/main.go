// ABOUTME: Entry point for the Aetherion coordination server
// ABOUTME: Manages AR agent connections and client request dispatch

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"

	"github.com/aetherion-ar/coordinator/internal/auth"
	"github.com/aetherion-ar/coordinator/internal/bus"
	"github.com/aetherion-ar/coordinator/internal/config"
	"github.com/aetherion-ar/coordinator/internal/connection"
	"github.com/aetherion-ar/coordinator/internal/contextstore"
	"github.com/aetherion-ar/coordinator/internal/correlate"
	"github.com/aetherion-ar/coordinator/internal/dedupe"
	"github.com/aetherion-ar/coordinator/internal/dispatch"
	"github.com/aetherion-ar/coordinator/internal/journal"
	"github.com/aetherion-ar/coordinator/internal/registry"
	"github.com/aetherion-ar/coordinator/internal/router"
	"github.com/aetherion-ar/coordinator/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
   _   ___ _____ _  _ ___ ___ ___ ___  _  _
  /_\ | __|_   _| || | __| _ \_ _/ _ \| \| |
 / _ \| _|  | | | __ | _||   /| | (_) | .' |
/_/ \_\___| |_| |_||_|___|_|_\___\___/|_|\_|
`

// getConfigPath returns the path to the coordinator config file.
// Priority: AETHERION_CONFIG env var > XDG_CONFIG_HOME/aetherion/coordinator.yaml > ~/.config/aetherion/coordinator.yaml
func getConfigPath() string {
	if envPath := os.Getenv("AETHERION_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "coordinator.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "aetherion", "coordinator.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: aether-coordinator <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve [--dev]        Start the coordination server")
		fmt.Println("  init                 Create a new config file interactively")
		fmt.Println("  token --user ID      Generate a client JWT for the given user")
		fmt.Println("  health               Check coordinator health")
		fmt.Println("  agents               List registered agents")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// devConfig is the configuration used by serve --dev: local listener, memory
// bus and context store, no auth, no journal.
func devConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "localhost:8080"
	cfg.Server.WSPath = "/ws"
	cfg.Agents.HeartbeatTimeout = 90 * time.Second
	cfg.Agents.SweepInterval = 30 * time.Second
	cfg.Logging.Level = "debug"
	return cfg
}

func runServe(ctx context.Context) error {
	dev := len(os.Args) > 2 && os.Args[2] == "--dev"

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	var cfg *config.Config
	configPath := getConfigPath()
	if dev {
		cfg = devConfig()
		configPath = "(dev defaults)"
	} else {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	if dev {
		yellow.Println("Bus:     in-memory (dev)")
	} else {
		fmt.Printf("Bus:     redis %s\n", cfg.Redis.Addr)
	}
	fmt.Println()

	logger.Info("starting aether-coordinator",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"dev", dev,
	)

	// Shared infrastructure: bus and context store ride the same Redis
	// server in production, memory implementations in dev mode.
	var (
		msgBus   bus.Bus
		contexts contextstore.Store
	)
	if dev {
		msgBus = bus.NewMemoryBus(logger.With("component", "bus"))
		contexts = contextstore.NewMemoryStore()
	} else {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisBus, err := bus.NewRedisBus(ctx, bus.RedisConfig{
			Client:      client,
			TopicPrefix: cfg.Bus.TopicPrefix,
			Group:       cfg.Bus.ConsumerGroup,
			Consumer:    cfg.Bus.ConsumerName,
			MaxLen:      cfg.Bus.MaxStreamLen,
			Block:       cfg.Bus.Block,
		}, logger.With("component", "bus"))
		if err != nil {
			return fmt.Errorf("connecting message bus: %w", err)
		}
		msgBus = redisBus
		contexts = contextstore.NewRedisStore(client, cfg.Redis.KeyPrefix)
	}
	defer msgBus.Close()

	reg := registry.New(logger.With("component", "registry"))
	conns := connection.NewManager(reg, logger.With("component", "connections"))
	rt := router.New(conns, reg, msgBus, logger.With("component", "router"))

	var jl *journal.Journal
	if cfg.Journal.Path != "" {
		var err error
		jl, err = journal.Open(cfg.Journal.Path, logger.With("component", "journal"))
		if err != nil {
			return fmt.Errorf("opening job journal: %w", err)
		}
		defer jl.Close()
	}

	dispatcher := dispatch.New(dispatch.Deps{
		Registry: reg,
		Bus:      msgBus,
		Contexts: contexts,
		Router:   rt,
		Journal:  jl,
		Logger:   logger.With("component", "dispatch"),
	})

	replays := dedupe.New(5*time.Minute, 10000)
	defer replays.Close()

	correlator := correlate.New(msgBus, conns, rt, replays, jl, logger.With("component", "correlator"))

	srvCfg := server.Config{
		Addr:   cfg.Server.HTTPAddr,
		WSPath: cfg.Server.WSPath,
	}
	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating JWT verifier: %w", err)
		}
		srvCfg.JWT = verifier
	}
	srvCfg.AgentKey = auth.NewAPIKeyChecker(cfg.Auth.AgentAPIKey)

	srv := server.New(srvCfg, dispatcher, conns, reg, rt, contexts, jl, logger.With("component", "server"))

	go reg.RunSweeper(ctx, cfg.Agents.SweepInterval, cfg.Agents.HeartbeatTimeout)
	correlator.Start(ctx)

	err := srv.Run(ctx)
	correlator.Wait()
	return err
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// runToken generates a client JWT using the configured secret.
// Supports "--user value" and "--user=value" plus an optional --ttl duration.
func runToken() error {
	var userID string
	ttl := 30 * 24 * time.Hour

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--user" || arg == "-u":
			if i+1 >= len(args) {
				return fmt.Errorf("--user requires a value")
			}
			userID = args[i+1]
			i++
		case strings.HasPrefix(arg, "--user="):
			userID = strings.TrimPrefix(arg, "--user=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			parsed, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = parsed
			i++
		case strings.HasPrefix(arg, "--ttl="):
			parsed, err := time.ParseDuration(strings.TrimPrefix(arg, "--ttl="))
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = parsed
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if userID == "" {
		return fmt.Errorf("--user flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", getConfigPath())
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	token, err := verifier.Generate(userID, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to health endpoint with context
	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/agents", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("agents check failed: %w", err)
	}
	defer resp.Body.Close()

	// Read response body
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("aether-coordinator configuration setup")
	fmt.Println("======================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")
	wsPath := prompt(reader, "Client WebSocket path", "/ws")

	// Redis
	fmt.Println("\n--- Redis Configuration ---")
	redisAddr := prompt(reader, "Redis address", "localhost:6379")
	keyPrefix := prompt(reader, "Key prefix", "aetherion:")

	// Auth
	fmt.Println("\n--- Auth Configuration ---")
	jwtSecret := prompt(reader, "JWT secret (empty to generate)", "")
	if jwtSecret == "" {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)
		fmt.Println("Generated a random JWT secret.")
	}
	agentKey := prompt(reader, "Agent API key (empty disables agent auth)", "")

	// Journal
	fmt.Println("\n--- Job Journal Configuration ---")
	journalPath := prompt(reader, "SQLite journal path (empty disables)", "")

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# aether-coordinator configuration\n")
	cfg.WriteString("# Generated by aether-coordinator init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString(fmt.Sprintf("  ws_path: \"%s\"\n", wsPath))
	cfg.WriteString("\n")

	cfg.WriteString("redis:\n")
	cfg.WriteString(fmt.Sprintf("  addr: \"%s\"\n", redisAddr))
	cfg.WriteString(fmt.Sprintf("  key_prefix: \"%s\"\n", keyPrefix))
	cfg.WriteString("\n")

	cfg.WriteString("bus:\n")
	cfg.WriteString("  topic_prefix: \"aetherion-\"\n")
	cfg.WriteString("  consumer_group: \"aetherion-coordinator\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", jwtSecret))
	if agentKey != "" {
		cfg.WriteString(fmt.Sprintf("  agent_api_key: \"%s\"\n", agentKey))
	}
	cfg.WriteString("\n")

	cfg.WriteString("agents:\n")
	cfg.WriteString("  heartbeat_interval: \"30s\"\n")
	cfg.WriteString("  heartbeat_timeout: \"90s\"\n")
	cfg.WriteString("  sweep_interval: \"30s\"\n")
	cfg.WriteString("\n")

	if journalPath != "" {
		cfg.WriteString("journal:\n")
		cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", journalPath))
		cfg.WriteString("\n")
	}

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  aether-coordinator serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
