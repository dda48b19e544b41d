// Command stageflow-run wires the core engine to its concrete external
// collaborators and serves the run-submission HTTP harness
// (SPEC_FULL.md §4.11, §4.12, §4.13). It is the one place every package in
// this module may be imported together; the core package itself never
// imports any of this.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	inferenceconfig "github.com/stageflow/stageflow/internal/inference/config"
	"github.com/stageflow/stageflow/internal/inference/engine/oaihttp"

	cgcp "github.com/stageflow/stageflow/internal/clients/gcp"
	pgcp "github.com/stageflow/stageflow/internal/platform/gcp"

	httpmiddleware "github.com/stageflow/stageflow/internal/http/middleware"
	"github.com/stageflow/stageflow/internal/observability"
	"github.com/stageflow/stageflow/internal/platform/logger"
	"github.com/stageflow/stageflow/internal/platform/neo4jdb"

	"github.com/stageflow/stageflow/internal/stageflow"
	"github.com/stageflow/stageflow/internal/stageflow/demo"
	"github.com/stageflow/stageflow/internal/stageflow/event"
	"github.com/stageflow/stageflow/internal/stageflow/httpapi"
	"github.com/stageflow/stageflow/internal/stageflow/stageflowconfig"
	"github.com/stageflow/stageflow/internal/stageflow/stageflowlog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "stageflow-run:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := stageflowconfig.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sfLog, err := stageflowlog.New(cfg.Env)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer sfLog.Sync()

	httpLog, err := logger.New(cfg.Env)
	if err != nil {
		return fmt.Errorf("build http logger: %w", err)
	}
	defer httpLog.Sync()

	otelShutdown := observability.InitOTel(context.Background(), httpLog, observability.OtelConfig{
		ServiceName: "stageflow",
		Environment: cfg.Env,
	})
	if otelShutdown != nil {
		defer otelShutdown(context.Background())
	}

	sink := buildEventSink(cfg, sfLog)
	defer stageflow.ClearCurrentSink()
	stageflow.SetCurrentSink(sink)

	breaker := stageflow.NewCircuitBreaker(cfg.ToBreakerConfig(), sink)
	calls := &stageflow.ProviderCallLogger{
		Breaker: breaker,
		Store:   stageflow.NoOpProviderCallStore{},
		Timeout: cfg.DefaultStageTimeout(),
	}

	engineClient, err := buildEngine()
	if err != nil {
		return fmt.Errorf("build inference engine: %w", err)
	}

	speechClient, err := cgcp.NewSpeech(httpLog)
	if err != nil {
		return fmt.Errorf("build speech client: %w", err)
	}
	visionClient, err := cgcp.NewVision(httpLog)
	if err != nil {
		return fmt.Errorf("build vision client: %w", err)
	}
	docClient, err := pgcp.NewDocument(httpLog)
	if err != nil {
		return fmt.Errorf("build document client: %w", err)
	}
	videoClient, err := pgcp.NewVideo(httpLog)
	if err != nil {
		return fmt.Errorf("build video client: %w", err)
	}

	stages := demo.Stages{
		SpeechIn: &demo.SpeechInStage{
			Speech: speechClient,
			Cfg:    pgcpToSpeechConfig(),
			Calls:  calls,
		},
		DocInt: &demo.DocIntStage{
			Cfg:    demo.DocIntStageConfig{},
			Doc:    docClient,
			Vision: visionClient,
			Video:  videoClient,
			Calls:  calls,
		},
		Enrich: &demo.EnrichStage{
			Cfg:    demo.EnrichStageConfig{MaxConcurrency: 3},
			Memory: buildMemoryLookup(cfg, sfLog),
		},
		Route: &demo.RouteStage{Cfg: demo.RouteStageConfig{}},
		LLM: &demo.LLMStage{
			Cfg:    demo.LLMStageConfig{Provider: "oai_http", ModelID: "default", Temperature: 0.7},
			Engine: engineClient,
			Calls:  calls,
		},
		Guard: &demo.GuardStage{
			Cfg: demo.GuardStageConfig{
				FontPath: strings.TrimSpace(os.Getenv("STAGEFLOW_CAPTION_FONT")),
			},
		},
		SpeechOut: &demo.SpeechOutStage{
			Cfg:   demo.SpeechOutStageConfig{Voice: "default"},
			TTS:   noopTTS{},
			Calls: calls,
		},
	}

	graph, err := demo.BuildPipeline(stages).Build()
	if err != nil {
		return fmt.Errorf("build demo pipeline: %w", err)
	}

	orch := stageflow.NewOrchestrator()

	metrics := observability.Init(httpLog)
	if metrics != nil {
		metrics.StartRunQueueCollector(context.Background(), httpLog, orch)
	}

	router := httpapi.NewRouter(httpapi.RouterConfig{
		Auth:    &httpmiddleware.JWTAuthService{Secret: []byte(jwtSecret())},
		Metrics: metrics,
		Log:     httpLog,
		Runs: &httpapi.RunHandler{
			Orchestrator: orch,
			Graph:        graph,
			Sink:         sink,
		},
	})

	server := httpapi.NewServer(cfg.HTTP.Addr, router)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownTimeout)*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
}

func buildEngine() (*oaihttp.Engine, error) {
	return oaihttp.New(inferenceconfig.EngineConfig{
		Type:    "oai_http",
		BaseURL: strings.TrimSpace(os.Getenv("STAGEFLOW_ENGINE_BASE_URL")),
		APIKey:  strings.TrimSpace(os.Getenv("STAGEFLOW_ENGINE_API_KEY")),
	})
}

func pgcpToSpeechConfig() cgcp.SpeechConfig {
	return cgcp.SpeechConfig{
		LanguageCode:               "en-US",
		EnableAutomaticPunctuation: true,
		EnableWordTimeOffsets:      true,
	}
}

func buildMemoryLookup(cfg *stageflowconfig.Config, log *stageflowlog.Logger) demo.MemoryLookup {
	if !cfg.EventSinks.Neo4j.Enabled {
		return nil
	}
	plogger, err := logger.New(cfg.Env)
	if err != nil {
		return nil
	}
	client, err := neo4jdb.NewFromEnv(plogger)
	if err != nil || client == nil {
		return nil
	}
	return &demo.Neo4jMemoryLookup{Driver: client.Driver, Database: client.Database}
}

func buildEventSink(cfg *stageflowconfig.Config, log *stageflowlog.Logger) stageflow.EventSink {
	var sinks []stageflow.EventSink

	if cfg.EventSinks.Postgres.Enabled {
		if s, err := event.NewPostgresSink(cfg.EventSinks.Postgres.DSN, log); err == nil {
			sinks = append(sinks, s)
		} else {
			log.Warn("postgres event sink disabled", "error", err)
		}
	}
	if cfg.EventSinks.SQLite.Enabled {
		if s, err := event.NewSQLiteSink(cfg.EventSinks.SQLite.Path, log); err == nil {
			sinks = append(sinks, s)
		} else {
			log.Warn("sqlite event sink disabled", "error", err)
		}
	}
	if cfg.EventSinks.Redis.Enabled {
		if s, err := event.NewRedisSink(cfg.EventSinks.Redis.Addr, cfg.EventSinks.Redis.Channel, log); err == nil {
			sinks = append(sinks, s)
		} else {
			log.Warn("redis event sink disabled", "error", err)
		}
	}
	if cfg.EventSinks.Neo4j.Enabled {
		plogger, err := logger.New(cfg.Env)
		if err == nil {
			if client, err := neo4jdb.NewFromEnv(plogger); err == nil && client != nil {
				sinks = append(sinks, event.NewNeo4jSink(client.Driver, cfg.EventSinks.Neo4j.Database, log))
			}
		}
	}
	if cfg.EventSinks.GRPC.Enabled {
		if s, err := event.NewGRPCSink(cfg.EventSinks.GRPC.Addr, cfg.EventSinks.GRPC.Method, log, grpc.WithTransportCredentials(insecure.NewCredentials())); err == nil {
			sinks = append(sinks, s)
		} else {
			log.Warn("grpc event sink disabled", "error", err)
		}
	}

	if len(sinks) == 0 {
		return stageflow.NoOpSink{}
	}
	return stageflow.MultiSink{Sinks: sinks}
}

func jwtSecret() string {
	secret := strings.TrimSpace(os.Getenv("STAGEFLOW_JWT_SECRET"))
	if secret == "" {
		secret = "dev-secret-change-me"
	}
	return secret
}

// noopTTS is the default speech_out collaborator: it returns a silent,
// empty clip so the pipeline runs end to end out of the box. Swap in a
// real client (e.g. cloud.google.com/go/texttospeech) by implementing
// demo.TextToSpeech.
type noopTTS struct{}

func (noopTTS) Synthesize(ctx context.Context, text string, voice string) ([]byte, string, error) {
	return nil, "audio/mpeg", nil
}
