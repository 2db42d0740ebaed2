// Package main provides the nexus-agentrun server: the Run Coordinator
// background worker and the Control Plane HTTP surface (§6) for a single
// fleet instance, wired over Redis (registry/response log/task broker) and
// Postgres (run/thread/project/message/task persistence).
//
// Usage:
//
//	nexus-agentrun --redis-addr localhost:6379 --postgres-dsn postgres://...
//
// Configuration is read from flags, falling back to environment variables
// (NEXUS_AGENTRUN_*) so the binary is as easy to run under a process
// supervisor as under a shell.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/forgehq/agentrun/internal/auth"
	"github.com/forgehq/agentrun/internal/broker"
	"github.com/forgehq/agentrun/internal/controlplane"
	"github.com/forgehq/agentrun/internal/coordinator"
	"github.com/forgehq/agentrun/internal/llm"
	"github.com/forgehq/agentrun/internal/registry"
	"github.com/forgehq/agentrun/internal/responselog"
	"github.com/forgehq/agentrun/internal/runstore"
	"github.com/forgehq/agentrun/internal/sandboxctl"
	"github.com/forgehq/agentrun/internal/tools"
)

// Version is set at build time.
var Version = "dev"

// Config holds nexus-agentrun's runtime configuration.
type Config struct {
	InstanceID       string
	HTTPAddr         string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	PostgresDSN      string
	AnthropicKey     string
	OpenAIKey        string
	BedrockRegion    string
	DefaultModel     string
	ServerModel      string
	LocalProviderURL string
	DaytonaAPIKey    string
	DaytonaAPIURL    string
	WorkspaceRoot    string
	Workers          int
	JWTSecret        string
	APIKeys          string
}

func defaultConfig() Config {
	hostname, _ := os.Hostname()
	return Config{
		InstanceID:       hostname + "-" + uuid.NewString()[:8],
		HTTPAddr:         envOr("NEXUS_AGENTRUN_HTTP_ADDR", ":8081"),
		RedisAddr:        envOr("NEXUS_AGENTRUN_REDIS_ADDR", "localhost:6379"),
		RedisPassword:    os.Getenv("NEXUS_AGENTRUN_REDIS_PASSWORD"),
		PostgresDSN:      os.Getenv("NEXUS_AGENTRUN_POSTGRES_DSN"),
		AnthropicKey:     os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		BedrockRegion:    os.Getenv("NEXUS_AGENTRUN_BEDROCK_REGION"),
		DefaultModel:     envOr("NEXUS_AGENTRUN_DEFAULT_MODEL", "claude-3-5-sonnet-20241022"),
		ServerModel:      os.Getenv("NEXUS_AGENTRUN_SERVER_MODEL"),
		LocalProviderURL: os.Getenv("NEXUS_AGENTRUN_LOCAL_PROVIDER_URL"),
		DaytonaAPIKey:    os.Getenv("DAYTONA_API_KEY"),
		DaytonaAPIURL:    os.Getenv("DAYTONA_API_URL"),
		WorkspaceRoot:    envOr("NEXUS_AGENTRUN_WORKSPACE_ROOT", "/workspace"),
		Workers:          4,
		JWTSecret:        os.Getenv("NEXUS_AGENTRUN_JWT_SECRET"),
		APIKeys:          os.Getenv("NEXUS_AGENTRUN_API_KEYS"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	cfg := defaultConfig()

	root := &cobra.Command{
		Use:     "nexus-agentrun",
		Short:   "Run Coordinator worker + Control Plane HTTP server",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVar(&cfg.InstanceID, "instance-id", cfg.InstanceID, "unique id for this worker instance")
	root.Flags().StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "address the Control Plane HTTP server listens on")
	root.Flags().StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address backing the registry/response log/broker")
	root.Flags().StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "Redis password")
	root.Flags().IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis logical database index")
	root.Flags().StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "Postgres DSN for run/thread/project/task persistence (empty uses in-memory stores)")
	root.Flags().StringVar(&cfg.DefaultModel, "default-model", cfg.DefaultModel, "model name used for new runs when the caller names none")
	root.Flags().StringVar(&cfg.ServerModel, "server-model", cfg.ServerModel, "model name that overrides the caller's choice when a local provider URL is configured")
	root.Flags().StringVar(&cfg.LocalProviderURL, "local-provider-url", cfg.LocalProviderURL, "base URL of an OpenAI-compatible local provider")
	root.Flags().IntVar(&cfg.Workers, "workers", cfg.Workers, "number of concurrent job-processing goroutines")

	if err := root.Execute(); err != nil {
		slog.Error("nexus-agentrun exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config) error {
	logger := slog.Default().With("instance_id", cfg.InstanceID)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	reg := registry.New(registry.RedisAdapter{Client: rdb}, logger)
	defer reg.Close()
	respLog := responselog.New(responselog.RedisAdapter{Client: rdb})
	brk, err := broker.New(ctx, broker.RedisAdapter{Client: rdb})
	if err != nil {
		return fmt.Errorf("init broker: %w", err)
	}

	var (
		stores  runstore.Stores
		closeDB func() error
	)
	if cfg.PostgresDSN != "" {
		stores, closeDB, err = runstore.NewPostgresStoresFromDSN(cfg.PostgresDSN, runstore.DefaultPostgresConfig())
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer closeDB()
	} else {
		logger.Warn("no postgres DSN configured, using in-memory stores (not safe for multi-instance deployments)")
		stores = runstore.NewMemoryStores().AsStores()
	}

	provider, err := buildLLMProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init llm provider: %w", err)
	}

	sandboxProvider, err := buildSandboxProvider(cfg)
	if err != nil {
		return fmt.Errorf("init sandbox provider: %w", err)
	}

	coord := &coordinator.Coordinator{
		Registry:    reg,
		Log:         respLog,
		TaskStorage: stores.Tasks,
		Sandbox:     sandboxProvider,
		BuildTools:  buildToolsetFactory(sandboxProvider),
		LLM:         provider,
		Logger:      logger,
	}

	var authSvc *auth.Service
	if apiKeys := parseAPIKeys(cfg.APIKeys); cfg.JWTSecret != "" || len(apiKeys) > 0 {
		authSvc = auth.NewService(auth.Config{JWTSecret: cfg.JWTSecret, TokenExpiry: 24 * time.Hour, APIKeys: apiKeys})
	}

	agentRuns := &controlplane.AgentRuns{
		Stores:     stores,
		Registry:   reg,
		Log:        respLog,
		Broker:     brk,
		Sandbox:    sandboxProvider,
		LLM:        provider,
		InstanceID: cfg.InstanceID,
		Models: controlplane.ModelResolver{
			ServerModel:      cfg.ServerModel,
			LocalProviderURL: cfg.LocalProviderURL,
			Default:          cfg.DefaultModel,
		},
	}
	httpHandler := controlplane.NewHTTPHandler(agentRuns, authSvc, logger)

	mux := http.NewServeMux()
	httpHandler.Register(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runWorkerLoop(ctx, cfg, coord, brk, stores, logger)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("control plane http server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	wg.Wait()
	return nil
}

// runWorkerLoop is the background worker's dequeue-process-ack cycle,
// fanning jobs out across cfg.Workers goroutines; periodically it also
// reclaims stale deliveries left pending by a crashed sibling instance
// (spec §7's "worker crash" handling).
func runWorkerLoop(ctx context.Context, cfg Config, coord *coordinator.Coordinator, brk *broker.Broker, stores runstore.Stores, logger *slog.Logger) {
	jobs := make(chan *broker.Delivery)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for d := range jobs {
				processDelivery(ctx, coord, stores, d, logger)
			}
		}(i)
	}

	reclaimTicker := time.NewTicker(broker.StaleAfter / 2)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case <-reclaimTicker.C:
			reclaimed, err := brk.ReclaimStale(ctx, cfg.InstanceID)
			if err != nil {
				logger.Warn("reclaim stale deliveries failed", "error", err)
				continue
			}
			for _, d := range reclaimed {
				delivery := d
				select {
				case jobs <- &delivery:
				case <-ctx.Done():
				}
			}
		default:
			d, err := brk.Dequeue(ctx, cfg.InstanceID, time.Second)
			if err != nil {
				if ctx.Err() != nil {
					close(jobs)
					wg.Wait()
					return
				}
				logger.Warn("dequeue failed", "error", err)
				time.Sleep(time.Second)
				continue
			}
			if d == nil {
				continue
			}
			select {
			case jobs <- d:
			case <-ctx.Done():
				close(jobs)
				wg.Wait()
				return
			}
		}
	}
}

func processDelivery(ctx context.Context, coord *coordinator.Coordinator, stores runstore.Stores, d *broker.Delivery, logger *slog.Logger) {
	job := coordinator.Job{
		RunID:      d.Job.RunID,
		ThreadID:   d.Job.ThreadID,
		InstanceID: d.Job.InstanceID,
		ProjectID:  d.Job.ProjectID,
		ModelName:  d.Job.ModelName,
		Options:    d.Job.Options,
	}
	if err := coord.Run(ctx, job, stores.Runs, stores.Messages); err != nil {
		logger.Error("run failed", "run_id", job.RunID, "error", err)
	}
	if err := d.Ack(ctx); err != nil {
		logger.Warn("ack delivery failed", "run_id", job.RunID, "delivery_id", d.ID, "error", err)
	}
}

// buildToolsetFactory returns a coordinator.ToolSetFactory binding a fresh
// Registry (always carrying SystemCompleteTool plus a sandbox-bound
// ShellSandboxTool) to the given run's sandbox, per spec §4.7 step 4.
func buildToolsetFactory(sandboxProvider sandboxctl.Provider) coordinator.ToolSetFactory {
	return func(sandboxID string) (*tools.Registry, error) {
		reg := tools.NewRegistry()
		if err := reg.Register(tools.SystemCompleteTool{}); err != nil {
			return nil, fmt.Errorf("register system_complete: %w", err)
		}
		if err := reg.Register(tools.NewShellSandboxTool(sandboxProvider, sandboxID)); err != nil {
			return nil, fmt.Errorf("register shell tool: %w", err)
		}
		return reg, nil
	}
}

// parseAPIKeys splits NEXUS_AGENTRUN_API_KEYS, a comma-separated list of
// key or key:account_id entries, into the auth service's static key set.
func parseAPIKeys(raw string) []auth.APIKeyConfig {
	var out []auth.APIKeyConfig
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, account, _ := strings.Cut(entry, ":")
		out = append(out, auth.APIKeyConfig{Key: key, AccountID: account})
	}
	return out
}

func buildLLMProvider(ctx context.Context, cfg Config) (llm.Provider, error) {
	var providers []llm.Provider
	if cfg.AnthropicKey != "" {
		p, err := llm.NewAnthropicProvider(llm.AnthropicConfig{APIKey: cfg.AnthropicKey, DefaultModel: cfg.DefaultModel})
		if err != nil {
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}
		providers = append(providers, p)
	}
	if cfg.OpenAIKey != "" || cfg.LocalProviderURL != "" {
		apiKey := cfg.OpenAIKey
		if apiKey == "" {
			apiKey = "local" // OpenAI-compatible local providers ignore the key but the client requires one
		}
		p, err := llm.NewOpenAIProvider(llm.OpenAIConfig{APIKey: apiKey, BaseURL: cfg.LocalProviderURL, DefaultModel: cfg.DefaultModel})
		if err != nil {
			return nil, fmt.Errorf("openai provider: %w", err)
		}
		providers = append(providers, p)
	}
	if cfg.BedrockRegion != "" {
		p, err := llm.NewBedrockProvider(ctx, llm.BedrockConfig{Region: cfg.BedrockRegion, DefaultModel: cfg.DefaultModel})
		if err != nil {
			return nil, fmt.Errorf("bedrock provider: %w", err)
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, errors.New("no LLM provider configured: set ANTHROPIC_API_KEY, OPENAI_API_KEY, or NEXUS_AGENTRUN_BEDROCK_REGION")
	}
	return llm.NewFailoverProvider(llm.DefaultFailoverConfig(), providers...), nil
}

func buildSandboxProvider(cfg Config) (sandboxctl.Provider, error) {
	if cfg.DaytonaAPIKey == "" {
		return nil, errors.New("no sandbox provider configured: set DAYTONA_API_KEY")
	}
	return sandboxctl.NewDaytonaProvider(sandboxctl.DaytonaConfig{
		APIKey: cfg.DaytonaAPIKey,
		APIURL: cfg.DaytonaAPIURL,
	}, sandboxctl.DaytonaRunnerOptions{WorkspaceRoot: cfg.WorkspaceRoot})
}
