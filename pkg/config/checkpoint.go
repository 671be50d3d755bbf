package config

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wehubfusion/Conflux/pkg/checkpoint"
	"github.com/wehubfusion/Conflux/pkg/checkpoint/natskv"
	"github.com/wehubfusion/Conflux/pkg/checkpoint/sqlite"
	"github.com/wehubfusion/Conflux/pkg/storage"
)

// OpenCheckpointer builds the blob store and thread provider selected by
// cfg. The returned close function releases provider connections.
func OpenCheckpointer(ctx context.Context, cfg CheckpointConfig, logger *zap.Logger) (*checkpoint.Checkpointer, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	var store checkpoint.BlobStore
	switch cfg.Store {
	case StoreAzure:
		azure, err := storage.NewAzureBlobStore(cfg.Azure.ConnectionString, cfg.Azure.Container, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("opening azure checkpoint store: %w", err)
		}
		store = azure
	default:
		store = checkpoint.NewFileStore(cfg.Dir)
	}

	var (
		provider checkpoint.MemoryProvider
		closers  []func() error
	)
	switch cfg.Provider {
	case ProviderMemory:
		provider = checkpoint.NewMemoryStore(logger)
	case ProviderSQLite:
		p, err := sqlite.Open(ctx, cfg.SQLiteDSN, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite checkpoint provider: %w", err)
		}
		provider = p
		closers = append(closers, p.Close)
	case ProviderNATS:
		conn := cfg.NATS.Connection
		p, err := natskv.Dial(ctx, &conn, cfg.NATS.KV, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("opening nats checkpoint provider: %w", err)
		}
		provider = p
		closers = append(closers, p.Close)
	}

	opts := []checkpoint.Option{checkpoint.WithStore(store), checkpoint.WithLogger(logger)}
	if provider != nil {
		opts = append(opts, checkpoint.WithProvider(provider))
	}
	logger.Debug("Checkpointer configured",
		zap.String("store", cfg.Store),
		zap.String("provider", cfg.Provider))

	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	return checkpoint.NewCheckpointer(opts...), closeAll, nil
}
