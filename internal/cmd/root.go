// SPDX-License-Identifier: AGPL-3.0-or-later
// Federation - peer-to-peer ring overlay substrate
// Copyright (C) 2026 Federation Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/overlaymesh/federation/internal/config"
	"github.com/overlaymesh/federation/internal/federation/node"
	"github.com/overlaymesh/federation/internal/federation/transport/udpt"
	"github.com/overlaymesh/federation/internal/federation/wire"
	"github.com/overlaymesh/federation/internal/httpadmin"
	"github.com/overlaymesh/federation/internal/kv"
	"github.com/overlaymesh/federation/internal/metrics"
	"github.com/overlaymesh/federation/internal/pubsub"
	"github.com/USA-RedDragon/configulator"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/ztrue/shutdown"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// NewCommand builds the federationd root command.
func NewCommand(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "federationd",
		Version: fmt.Sprintf("%s - %s", version, commit),
		Annotations: map[string]string{
			"version": version,
			"commit":  commit,
		},
		RunE:              runRoot,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}
	return cmd
}

// noopApplication answers nothing: a bare federation core with no
// application-layer payload riding on top of it.
type noopApplication struct{}

func (noopApplication) Dispatch(_ context.Context, _ *wire.Message) (*wire.Message, error) {
	return nil, nil
}

func runRoot(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	fmt.Printf("federationd - %s (%s)\n", cmd.Annotations["version"], cmd.Annotations["commit"])

	cfg, err := configulator.New[config.Config]().Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var logger *slog.Logger
	switch cfg.LogLevel {
	case config.LogLevelDebug:
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelDebug}))
	case config.LogLevelInfo:
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	case config.LogLevelWarn:
		logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelWarn}))
	case config.LogLevelError:
		logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelError}))
	default:
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	}
	slog.SetDefault(logger)

	var cleanup func(context.Context) error
	if cfg.Metrics.OTLPEndpoint != "" {
		cleanup = initTracer(cfg)
		defer func() {
			if err := cleanup(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	store, err := kv.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to key-value store: %w", err)
	}

	t, err := udpt.Listen(fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port), logger)
	if err != nil {
		return fmt.Errorf("failed to bind transport: %w", err)
	}

	m := metrics.NewMetrics()

	n, err := node.New(cfg, store, t, noopApplication{}, m, logger)
	if err != nil {
		return fmt.Errorf("failed to construct node: %w", err)
	}
	t.Handle(n.HandleInbound)

	ps, err := pubsub.MakePubSub(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect pubsub: %w", err)
	}
	n.SetNotifier(ps)

	var admin *httpadmin.Server
	if cfg.Admin.Enabled {
		admin = httpadmin.New(&cfg.Admin, n.ID().String(), n.Ring(), nil)
		admin.Start()
	}

	if err := n.Open(ctx); err != nil {
		return fmt.Errorf("failed to join ring: %w", err)
	}
	slog.Info("joined ring", "node_id", n.ID().String(), "ring", cfg.RingName)

	stop := func(sig os.Signal) {
		slog.Warn("shutting down due to signal", "signal", sig)
		wg := new(sync.WaitGroup)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.Close(); err != nil {
				slog.Error("failed to close node", "error", err)
			}
		}()

		if admin != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := admin.Stop(); err != nil {
					slog.Error("failed to stop admin server", "error", err)
				}
			}()
		}

		if cfg.Metrics.OTLPEndpoint != "" {
			wg.Add(1)
			go func() {
				defer wg.Done()
				const timeout = 5 * time.Second
				shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				if err := cleanup(shutdownCtx); err != nil {
					slog.Error("failed to shutdown tracer", "error", err)
				}
			}()
		}

		const timeout = 10 * time.Second
		done := make(chan struct{})
		go func() {
			defer close(done)
			wg.Wait()
		}()
		select {
		case <-done:
			if err := ps.Close(); err != nil {
				slog.Error("failed to close pubsub", "error", err)
			}
			if err := store.Close(); err != nil {
				slog.Error("failed to close key-value store", "error", err)
			}
			slog.Info("shutdown complete")
			os.Exit(0)
		case <-time.After(timeout):
			slog.Error("shutdown timed out")
			os.Exit(1)
		}
	}
	defer stop(syscall.SIGINT)

	shutdown.AddWithParam(stop)
	shutdown.Listen(syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	return nil
}

func initTracer(cfg *config.Config) func(context.Context) error {
	exporter, err := otlptrace.New(
		context.Background(),
		otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(cfg.Metrics.OTLPEndpoint),
		),
	)
	if err != nil {
		slog.Error("failed tracing app", "error", err)
	}
	resources, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", "federationd"),
			attribute.String("library.language", "go"),
		),
	)
	if err != nil {
		slog.Error("could not set resources", "error", err)
	}

	otel.SetTracerProvider(
		sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resources),
		),
	)
	return exporter.Shutdown
}
