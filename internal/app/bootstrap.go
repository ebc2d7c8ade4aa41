package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"crypto_paper/internal/engine"
	"crypto_paper/internal/event"
	"crypto_paper/internal/execution"
	"crypto_paper/internal/infra"
	"crypto_paper/internal/infra/bitget"
	"crypto_paper/internal/infra/redisbus"
	"crypto_paper/internal/infra/storage"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const inboxSize = 1024

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	ConfigPath string

	Config    *infra.Config
	Storage   *storage.Storage
	Metrics   *infra.Metrics
	Broker    *execution.PaperBroker
	Sequencer *engine.Sequencer
	Publisher *redisbus.ReportPublisher

	redis  *redisbus.Client
	logger *slog.Logger
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	return &Bootstrap{ConfigPath: configPath}
}

// Initialize loads config and builds storage, the broker and the sequencer.
func (b *Bootstrap) Initialize(ctx context.Context) error {
	slog.Info("🚀 Bootstrapping paper broker...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(b.ConfigPath)
	if err != nil {
		return err
	}
	if cfg.Paper.RunID == "" {
		cfg.Paper.RunID = uuid.NewString()
	}
	b.Config = cfg

	// 2. Setup Logger
	b.logger = infra.NewLogger(cfg)
	slog.SetDefault(b.logger)

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized", slog.String("path", cfg.Storage.Path))

	// 4. Listeners
	b.Metrics = infra.GlobalMetrics
	opts := []execution.Option{
		execution.WithRecorder(store),
		execution.WithLogger(b.logger),
		execution.WithMetrics(b.Metrics),
		execution.WithListener(b.Metrics),
	}

	if cfg.Redis.Enabled {
		client, err := redisbus.New(ctx, redisbus.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		b.redis = client
		b.Publisher = redisbus.NewReportPublisher(client, cfg.Redis.Channel, cfg.Paper.RunID, b.logger)
		opts = append(opts, execution.WithListener(b.Publisher))
		slog.Info("✅ Redis report publisher ready", slog.String("channel", cfg.Redis.Channel))
	}

	// 5. Broker & Sequencer
	b.Broker = execution.NewPaperBroker(cfg.Paper, opts...)
	b.Sequencer = engine.NewSequencer(inboxSize, b.Broker, b.Metrics)
	event.Warmup()

	slog.Info("✅ Paper broker ready",
		slog.String("run_id", cfg.Paper.RunID),
		slog.String("balance", cfg.Paper.InitialBalance.String()),
		slog.Int64("seed", cfg.Paper.Seed),
	)
	return nil
}

// Run drives the feed, the sequencer and the publisher until ctx is done, then
// drains the broker.
func (b *Bootstrap) Run(ctx context.Context) error {
	var (
		pubDone   = make(chan error, 1)
		pubCancel context.CancelFunc = func() {}
	)
	if b.Publisher != nil {
		// outlives the group so fills committed by Close still get published
		var pubCtx context.Context
		pubCtx, pubCancel = context.WithCancel(context.Background())
		go func() { pubDone <- b.Publisher.Run(pubCtx) }()
	} else {
		pubDone <- nil
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b.Sequencer.Run(gctx)
		return nil
	})

	if symbols := b.Config.Feed.Bitget.Symbols; len(symbols) > 0 {
		var seq uint64
		worker := bitget.NewFuturesWorker(b.Config.Feed.Bitget.WSURL, symbols, b.Sequencer.Inbox(), &seq, b.Metrics)
		if err := worker.Connect(gctx); err != nil {
			slog.Error("Failed to start Bitget Futures feed", slog.Any("error", err))
		} else {
			g.Go(func() error {
				<-gctx.Done()
				worker.Disconnect()
				return nil
			})
			slog.Info("✅ BitgetFuturesWorker started", slog.Int("symbols", len(symbols)))
		}
	}

	if sec := b.Config.Metrics.LogIntervalSec; sec > 0 {
		g.Go(func() error {
			b.logStats(gctx, time.Duration(sec)*time.Second)
			return nil
		})
	}

	err := g.Wait()

	closeErr := b.Broker.Close()
	pubCancel()
	pubErr := <-pubDone

	return errors.Join(err, closeErr, pubErr)
}

func (b *Bootstrap) logStats(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			balance := b.Broker.GetAccountBalance(ctx)
			slog.Info("📊 stats",
				slog.Any("metrics", b.Metrics.Snapshot()),
				slog.String("balance", balance.TotalBalance.String()),
				slog.String("equity", balance.Equity.String()),
				slog.Int("positions", len(b.Broker.GetPositions(ctx))),
			)
		}
	}
}

// Shutdown releases storage and redis handles. Run must have returned.
func (b *Bootstrap) Shutdown() error {
	var errs []error
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	if b.Storage != nil {
		errs = append(errs, b.Storage.Close())
	}
	return errors.Join(errs...)
}
