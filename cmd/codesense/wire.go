package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/manthysbr/codesense/internal/adapters/docker"
	"github.com/manthysbr/codesense/internal/adapters/duckdb"
	"github.com/manthysbr/codesense/internal/adapters/postgres"
	"github.com/manthysbr/codesense/internal/adapters/scanner"
	"github.com/manthysbr/codesense/internal/config"
	"github.com/manthysbr/codesense/internal/core/ports"
	"github.com/manthysbr/codesense/internal/synapse"
)

func openStore(ctx context.Context, cfg config.Store) (ports.JobRepository, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		store, err := postgres.New(ctx, cfg.DSN, cfg.Migrate)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return store, nil
	case config.DriverDuckDB:
		repo, err := duckdb.NewRepository(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open duckdb store: %w", err)
		}
		return repo, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// buildAnalyzer returns the configured analyzer and a func releasing what it holds.
func buildAnalyzer(ctx context.Context, logger *slog.Logger, cfg config.Analyzer) (ports.Analyzer, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	switch cfg.Kind {
	case config.AnalyzerLeaks:
		a, err := scanner.NewAnalyzer(logger, scanner.Options{
			MaxFileBytes: cfg.MaxFileBytes,
			Parallelism:  cfg.Parallelism,
		})
		if err != nil {
			return nil, nil, err
		}
		return a, noop, nil

	case config.AnalyzerDocker:
		a, err := docker.NewAnalyzer(logger, docker.Options{
			Image:    cfg.Image,
			Command:  cfg.Command,
			Timeout:  cfg.Timeout,
			MemoryMB: cfg.MemoryMB,
			CPUs:     cfg.CPUs,
		})
		if err != nil {
			return nil, nil, err
		}
		return a, noop, nil

	case config.AnalyzerWasm:
		rt, err := synapse.Load(ctx, logger, cfg.WasmPath, synapse.Options{Timeout: cfg.Timeout})
		if err != nil {
			return nil, nil, err
		}
		return rt, rt.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown analyzer kind %q", cfg.Kind)
}
