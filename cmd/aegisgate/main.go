// Copyright (C) 2026 Aegis Labs (security@aegislabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/aegislabs/aegisgate/pkg/logging"
	"github.com/aegislabs/aegisgate/services/audit"
	"github.com/aegislabs/aegisgate/services/breaker"
	"github.com/aegislabs/aegisgate/services/deadletter"
	"github.com/aegislabs/aegisgate/services/firewall"
	"github.com/aegislabs/aegisgate/services/gateway"
	"github.com/aegislabs/aegisgate/services/honeypot"
	"github.com/aegislabs/aegisgate/services/llm"
	"github.com/aegislabs/aegisgate/services/protocol"
	"github.com/aegislabs/aegisgate/services/storage/badger"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "localhost:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("aegisgate")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("invalid integer in environment, using default", "var", name, "default", def)
	}
	return def
}

func envDuration(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("invalid duration in environment, using default", "var", name, "default", def)
	}
	return def
}

func buildBackend() (llm.Client, error) {
	switch backendType := os.Getenv("LLM_BACKEND_TYPE"); backendType {
	case "openai":
		slog.Info("Using OpenAI LLM backend")
		return llm.NewOpenAIClient()
	case "ollama":
		slog.Info("Using Ollama LLM backend")
		return llm.NewOllamaClient()
	case "mock", "":
		slog.Warn("LLM_BACKEND_TYPE not set, using deterministic mock backend")
		return llm.NewMockClient(), nil
	default:
		slog.Warn("Unknown LLM_BACKEND_TYPE, using deterministic mock backend", "type", backendType)
		return llm.NewMockClient(), nil
	}
}

func main() {
	port := os.Getenv("AEGISGATE_PORT")
	if port == "" {
		port = "12300"
	}

	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("AEGISGATE_LOG_LEVEL")),
		JSON:    os.Getenv("AEGISGATE_LOG_JSON") == "true",
		LogDir:  os.Getenv("AEGISGATE_LOG_DIR"),
		Service: "gateway",
	})
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	defer logger.Close()
	logger.SetAsDefault()

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	dbPath := os.Getenv("AEGISGATE_DATA_DIR")
	if dbPath == "" {
		dbPath = "./data/aegisgate"
	}
	dbCfg := badger.DefaultConfig()
	dbCfg.Path = dbPath
	db, err := badger.Open(dbCfg)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer db.Close()

	gcRunner, err := badger.NewGCRunner(db, dbCfg.GCInterval, dbCfg.GCDiscardRatio, logger.Logger)
	if err != nil {
		log.Fatalf("failed to create storage GC runner: %v", err)
	}
	gcRunner.Start()
	defer gcRunner.Stop()

	// Trap and canary codes are reserved in the registry so they can
	// never be legitimized through the admin surface.
	detector := honeypot.New(honeypot.Config{Logger: logger.Logger})
	registry, err := protocol.NewDefaultRegistry(protocol.Config{
		ReservedTasks:      detector.TrapTasks(),
		ReservedParameters: detector.CanaryParams(),
	})
	if err != nil {
		log.Fatalf("failed to build code registry: %v", err)
	}

	fw, err := firewall.New(firewall.Config{
		BlockThreshold: envInt("AEGISGATE_BLOCK_THRESHOLD", 2),
		PatternFile:    os.Getenv("AEGISGATE_PATTERN_FILE"),
		HotReload:      os.Getenv("AEGISGATE_PATTERN_HOT_RELOAD") == "true",
		Logger:         logger.Logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize firewall: %v", err)
	}
	defer fw.Close()

	chain, err := audit.NewChain(db, audit.Config{
		BatchSize: envInt("AEGISGATE_AUDIT_BATCH_SIZE", 8),
		Logger:    logger.Logger,
	})
	if err != nil {
		log.Fatalf("failed to open audit chain: %v", err)
	}

	backend, err := buildBackend()
	if err != nil {
		log.Fatalf("failed to initialize LLM client: %v", err)
	}

	svc := gateway.NewService(
		protocol.NewEngine(registry),
		fw,
		detector,
		breaker.New(breaker.Config{
			FailureThreshold: envInt("AEGISGATE_BREAKER_THRESHOLD", 5),
			ResetTimeout:     envDuration("AEGISGATE_BREAKER_RESET", 30*time.Second),
		}),
		chain,
		deadletter.NewVault(db, logger.Logger),
		backend,
		gateway.Config{
			BackendTimeout: envDuration("AEGISGATE_BACKEND_TIMEOUT", 30*time.Second),
			Logger:         logger.Logger,
		},
	)

	router := gateway.NewRouter(gateway.NewHandlers(svc))
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting gateway", "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}

		// Flush the partial audit batch so no decision is lost.
		if err := chain.Flush(shutdownCtx); err != nil {
			slog.Error("audit chain flush failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("gateway exited: %v", err)
	}
	slog.Info("gateway stopped")
}
