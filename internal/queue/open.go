package queue

import (
	"context"
	"fmt"

	"github.com/jo-hoe/chunkscribe/internal/config"
)

// PolicyFrom converts queue config into a delivery policy.
func PolicyFrom(cfg config.QueueConfig) Policy {
	return Policy{
		MaxAttempts:       cfg.MaxAttempts,
		Backoff:           cfg.Backoff,
		MaxBackoff:        cfg.MaxBackoff,
		VisibilityTimeout: cfg.VisibilityTimeout,
	}
}

// Open builds the queue selected by cfg.Driver.
func Open(ctx context.Context, cfg config.QueueConfig) (Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryQueue(PolicyFrom(cfg)), nil
	case "gorm":
		db, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return NewGormQueue(ctx, db, PolicyFrom(cfg))
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}
