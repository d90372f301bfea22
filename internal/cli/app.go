package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/providers"
	"github.com/Martian-dev/mailsync/internal/queue"
	"github.com/Martian-dev/mailsync/internal/store"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

const (
	memoryQueueSize   = 4096
	outboxRetention   = 7 * 24 * time.Hour
	outboxPrunePeriod = time.Hour
)

// app holds the wired service components
type app struct {
	cfg        *config.Config
	store      *store.Store
	redis      *redis.Client
	queue      queue.Queue
	locker     queue.Locker
	publisher  natsjs.EventPublisher
	signer     *auth.HMACSigner
	registry   *providers.Registry
	connectors *mailsync.Connectors
	manager    *mailsync.Manager
	scheduler  *mailsync.Scheduler
	dispatcher *natsjs.Dispatcher

	closers []func()
}

// newApp opens the database, applies migrations and wires the sync engine
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	if err := a.init(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg

	key, err := cfg.Crypto.TokenKeyBytes()
	if err != nil {
		return err
	}
	if key == nil {
		log.Warn().Msg("crypto.tokenKey is not set; OAuth tokens are stored unsealed")
	}
	a.store, err = store.Open(cfg.Database, key)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = a.store.Close() })
	if err := a.store.Migrate(); err != nil {
		return err
	}

	if cfg.IsLocalMode() {
		log.Info().Msg("running in local mode - in-memory queue and locks")
		a.queue = queue.NewMemoryQueue(memoryQueueSize)
		a.locker = queue.NewMemoryLocker()
	} else {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = a.redis.Close() })
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.queue = queue.NewRedisQueue(a.redis, cfg.Redis.QueueKey)
		a.locker = queue.NewRedisLocker(a.redis)
	}

	if cfg.NATS.URL == "" {
		log.Warn().Msg("nats.url is not set; events are logged instead of published")
		a.publisher = natsjs.LogPublisher{}
	} else {
		pub, err := natsjs.NewPublisher(cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pub.Close)
		if err := pub.EnsureStream(ctx); err != nil {
			return err
		}
		a.publisher = pub
	}
	a.dispatcher = natsjs.NewDispatcher(a.store, a.publisher, cfg.NATS.DispatchBatch, cfg.NATS.PollInterval, cfg.NATS.RetryBackoff)

	a.signer, err = newSigner(cfg.Auth)
	if err != nil {
		return err
	}

	var broker providers.TokenBroker
	if cfg.Auth.TokenBrokerURL != "" {
		if cfg.Auth.HMACSecret == "" {
			return errors.New("auth.tokenBrokerURL requires auth.hmacSecret")
		}
		broker = auth.NewBetterAuthClient(cfg.Auth.TokenBrokerURL, a.signer)
	}
	a.registry = providers.New(cfg, broker)
	if len(a.registry.Names()) == 0 {
		log.Warn().Msg("no OAuth providers configured")
	}

	a.connectors, err = mailsync.NewConnectors(a.registry, a.store, cfg.Sync.ConnectorCacheSize)
	if err != nil {
		return err
	}
	opts := mailsync.Options{
		Workers:     cfg.Sync.Workers,
		BatchSize:   cfg.Sync.BatchSize,
		Interval:    cfg.Sync.Interval,
		BaseBackoff: cfg.Sync.BaseBackoff,
		MaxBackoff:  cfg.Sync.MaxBackoff,
		LockTTL:     cfg.Sync.LockTTL,
		RunTimeout:  cfg.Sync.RunTimeout,
	}
	a.manager = mailsync.NewManager(a.store, a.queue, a.locker, a.connectors, opts)
	a.scheduler = mailsync.NewScheduler(a.store, a.queue, opts)
	return nil
}

// newSigner builds the HS256 signer. Without a configured secret a random
// one is generated, which only works for a single API instance.
func newSigner(cfg config.AuthConfig) (*auth.HMACSigner, error) {
	secret := cfg.HMACSecret
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate hmac secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
		log.Warn().Msg("auth.hmacSecret is not set; using an ephemeral secret")
	}
	return auth.NewHMACSigner(secret, cfg.Issuer)
}

// verifier picks JWKS verification when a JWKS URL is configured and the
// shared secret otherwise
func (a *app) verifier(ctx context.Context) (auth.Verifier, error) {
	if a.cfg.Auth.JWKSURL == "" {
		return a.signer, nil
	}
	return auth.NewJWTVerifier(ctx, a.cfg.Auth.JWKSURL, a.cfg.Auth.Issuer)
}

// runWorkers starts the sync workers, the outbox dispatcher and outbox
// pruning. It returns once ctx is cancelled and the workers have stopped.
func (a *app) runWorkers(ctx context.Context) {
	a.manager.Start(ctx)
	go a.dispatcher.Run(ctx)
	go a.pruneOutbox(ctx)

	<-ctx.Done()
	a.manager.StopAll()
	a.manager.Wait()
}

func (a *app) pruneOutbox(ctx context.Context) {
	ticker := time.NewTicker(outboxPrunePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.store.PruneOutbox(ctx, outboxRetention)
			if err != nil {
				log.Error().Err(err).Msg("outbox prune failed")
				continue
			}
			pending, err := a.store.PendingOutbox(ctx)
			if err != nil {
				log.Error().Err(err).Msg("outbox count failed")
				continue
			}
			log.Debug().Int64("pruned", n).Int64("pending", pending).Msg("outbox pruned")
		}
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
