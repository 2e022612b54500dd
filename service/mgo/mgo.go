package mgo

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/slichti/studio-chat/logger"
)

type Config struct {
	URI         string
	Database    string
	MaxPoolSize uint64
	Timeout     time.Duration
}

// Connect dials Mongo with bounded retry and backoff. The chat service
// cannot serve history without the store, so boot blocks here until the
// first ping succeeds or the deadline passes.
func Connect(ctx context.Context, cfg Config) (*mongo.Database, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = 20
	}

	opts := options.Client().ApplyURI(cfg.URI).SetMaxPoolSize(cfg.MaxPoolSize)

	backoff := 200 * time.Millisecond
	deadline := time.Now().Add(cfg.Timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		cli, err := mongo.Connect(dialCtx, opts)
		if err == nil {
			err = cli.Ping(dialCtx, readpref.Primary())
		}
		cancel()
		if err == nil {
			logger.Infof("[mgo] connected database=%s", cfg.Database)
			return cli.Database(cfg.Database), nil
		}
		lastErr = err
		logger.Warnf("[mgo] connect failed, retrying in %v: %v", backoff, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
	return nil, errors.Wrap(lastErr, "mongo connect")
}
