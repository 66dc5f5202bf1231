/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tidehook/tidehook/internal/config"
	"github.com/tidehook/tidehook/internal/dispatch"
	"github.com/tidehook/tidehook/internal/githubapi"
	"github.com/tidehook/tidehook/internal/handlers"
	"github.com/tidehook/tidehook/internal/queue"
	"github.com/tidehook/tidehook/internal/records"
	"github.com/tidehook/tidehook/internal/secrets"
	"github.com/tidehook/tidehook/internal/server"
	"github.com/tidehook/tidehook/internal/store"
	"github.com/tidehook/tidehook/internal/syncengine"
	"github.com/tidehook/tidehook/internal/verify"
	"github.com/tidehook/tidehook/pkg/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tidehook:", err)
		os.Exit(1)
	}
}

func run() error {
	zl, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	log := zapr.NewLogger(zl).WithName("tidehook")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	events, err := store.NewEventStore(db)
	if err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	conflicts, err := store.NewConflictStore(db)
	if err != nil {
		return fmt.Errorf("conflict store: %w", err)
	}
	recordStore := records.NewStore(db)
	if err := recordStore.Migrate(ctx); err != nil {
		return fmt.Errorf("record store: %w", err)
	}

	verifier := verify.New(map[types.Provider]string{
		types.ProviderPayments:      cfg.PaymentsSecret,
		types.ProviderIdentity:      cfg.IdentitySecret,
		types.ProviderSourceControl: cfg.SourceSecret,
		types.ProviderEmail:         cfg.EmailSecret,
	}, cfg.ReplayTolerance)

	taskQueue, err := buildQueue(ctx, cfg, log)
	if err != nil {
		return err
	}

	registry := dispatch.NewRegistry()
	dispatcher := dispatch.New(registry, events, taskQueue, dispatch.Options{
		HandlerTimeout: cfg.HandlerTimeout,
		MaxAttempts:    cfg.MaxRetryAttempts,
		BaseDelay:      cfg.RetryBaseDelay,
		MaxDelay:       cfg.RetryMaxDelay,
	}, log.WithName("dispatch"))

	tokens, err := buildTokenSource(cfg)
	if err != nil {
		return err
	}
	client := githubapi.NewClient(cfg.GitHubAPIBaseURL, tokens, cfg.APITimeout)
	engine := syncengine.New(recordStore, conflicts, client, log.WithName("sync"))

	if err := handlers.NewSet(engine, log.WithName("handlers")).Register(registry); err != nil {
		return fmt.Errorf("registering handlers: %w", err)
	}

	srv := server.New(cfg, verifier, events, conflicts, recordStore, dispatcher, engine, log.WithName("server"))
	health := server.NewHealthServer(cfg.HealthAddr, log.WithName("health"))
	metrics := server.NewMetricsServer(cfg.MetricsAddr, log.WithName("metrics"))
	consumer := queue.NewConsumer(taskQueue, dispatcher.HandleRetry, time.Second, log.WithName("retry"))

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(ctx); err != nil {
			select {
			case errCh <- err:
			default:
			}
			stop()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		health.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		metrics.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = consumer.Run(ctx)
	}()

	health.MarkReady()
	log.Info("tidehook started",
		"ingress", cfg.ListenAddr, "health", cfg.HealthAddr, "metrics", cfg.MetricsAddr)

	<-ctx.Done()
	health.MarkDraining()
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// buildQueue picks the Redis-backed queue when an address is configured,
// otherwise the in-process one.
func buildQueue(ctx context.Context, cfg *config.Config, log logr.Logger) (queue.Queue, error) {
	if cfg.RedisAddr == "" {
		log.Info("no redis configured, using in-process retry queue")
		return queue.NewMemoryQueue(), nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}
	log.Info("using redis retry queue", "addr", cfg.RedisAddr)
	return queue.NewRedisQueue(rdb, ""), nil
}

// buildTokenSource resolves source-control API credentials: GitHub App
// key first, then a plain or sealed token, then anonymous.
func buildTokenSource(cfg *config.Config) (githubapi.TokenSource, error) {
	if key := cfg.GitHubAppKey(); key != nil && cfg.GitHubAppID != 0 && cfg.GitHubInstallationID != 0 {
		return githubapi.NewAppAuth(
			cfg.GitHubAPIBaseURL,
			strconv.FormatInt(cfg.GitHubAppID, 10),
			strconv.FormatInt(cfg.GitHubInstallationID, 10),
			key)
	}
	if cfg.GitHubToken != "" {
		return githubapi.StaticToken(cfg.GitHubToken), nil
	}
	if cfg.GitHubTokenSealed != "" {
		if len(cfg.TokenSealKey) == 0 {
			return nil, fmt.Errorf("GITHUB_TOKEN_SEALED set without TOKEN_SEAL_KEY")
		}
		sealer, err := secrets.NewSealer(cfg.TokenSealKey)
		if err != nil {
			return nil, err
		}
		token, err := sealer.Open(cfg.GitHubTokenSealed)
		if err != nil {
			return nil, fmt.Errorf("unsealing GITHUB_TOKEN_SEALED: %w", err)
		}
		return githubapi.StaticToken(string(token)), nil
	}
	return nil, nil
}
