package redis

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultSweepInterval is how often the sweeper looks for lapsed clients.
const DefaultSweepInterval = 10 * time.Second

// Sweeper applies the registered disconnect removals of clients whose
// heartbeat key expired. Any relay node may run one; removals are idempotent
// so overlapping sweeps are harmless.
type Sweeper struct {
	client   *redis.Client
	logger   *zap.SugaredLogger
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper; call Start to begin.
func NewSweeper(client *redis.Client, logger *zap.SugaredLogger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		client:   client,
		logger:   logger,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight sweep.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	iter := s.client.Scan(ctx, 0, disconnect+"*", 0).Iterator()
	for iter.Next(ctx) {
		setKey := iter.Val()
		clientID := strings.TrimPrefix(setKey, disconnect)

		alive, err := s.client.Exists(ctx, heartbeat+clientID).Result()
		if err != nil || alive > 0 {
			continue
		}

		paths, err := s.client.SMembers(ctx, setKey).Result()
		if err != nil {
			s.logger.Warnw("sweep read failed", "client_id", clientID, "error", err)
			continue
		}
		for _, path := range paths {
			if err := removeSubtree(ctx, s.client, path); err != nil {
				s.logger.Warnw("sweep removal failed", "client_id", clientID, "path", path, "error", err)
			}
		}
		if err := s.client.Del(ctx, setKey).Err(); err == nil {
			s.logger.Infow("swept lapsed client", "client_id", clientID, "paths", len(paths))
		}
	}
	if err := iter.Err(); err != nil {
		s.logger.Warnw("sweep scan failed", "error", err)
	}
}
