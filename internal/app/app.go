package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"feetracker/internal/alerting"
	"feetracker/internal/api"
	"feetracker/internal/config"
	"feetracker/internal/fetcher"
	"feetracker/internal/ingest"
	"feetracker/internal/logging"
	"feetracker/internal/scheduler"
	"feetracker/internal/service"
	"feetracker/internal/shard"
	"feetracker/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

func (a *App) assignment() shard.Assignment {
	return shard.Assignment{WorkerID: a.Config.Worker.ID, TotalWorkers: a.Config.Worker.Total}
}

func (a *App) newEtherscan() *fetcher.Etherscan {
	cfg := a.Config.Etherscan
	return fetcher.NewEtherscan(fetcher.EtherscanOptions{
		BaseURL:         cfg.BaseURL,
		APIKey:          cfg.APIKey,
		ContractAddress: cfg.ContractAddress,
		Timeout:         cfg.RequestTimeout,
		RateLimit:       cfg.RateLimit,
		Burst:           cfg.Burst,
	}, a.Logger)
}

func (a *App) newOracle() *fetcher.Oracle {
	cfg := a.Config.Oracle
	return fetcher.NewOracle(fetcher.OracleOptions{
		BaseURL: cfg.BaseURL,
		Symbol:  cfg.Symbol,
		Timeout: cfg.RequestTimeout,
	}, a.Logger)
}

// newDecoder returns nil when no node is configured; enrichment is then skipped.
func (a *App) newDecoder() *fetcher.Decoder {
	cfg := a.Config.Ethereum
	if cfg.RPCURL == "" {
		a.Logger.Warn().Msg("ethereum.rpc_url not configured; execution prices will not be decoded")
		return nil
	}
	return fetcher.NewDecoder(fetcher.DecoderOptions{
		RPCURL:      cfg.RPCURL,
		PoolAddress: cfg.PoolAddress,
		Timeout:     cfg.RequestTimeout,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newPipeline(store storage.RecordStore, decoder *fetcher.Decoder) (*ingest.Pipeline, error) {
	// A typed nil pointer would make the interface non-nil.
	var dec fetcher.PriceDecoder
	if decoder != nil {
		dec = decoder
	}
	return ingest.New(store, dec, ingest.Options{Assignment: a.assignment()}, a.Logger)
}

// openStore returns a nil store when the database is not configured.
func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.ConnString() == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// requireStore opens the database or fails for commands that need one.
func (a *App) requireStore(ctx context.Context, purpose string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("database not configured; cannot " + purpose)
	}
	return store, closeStore, nil
}

// Run executes the poller and the read API until SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var records storage.RecordStore
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database not configured; records are kept in memory only")
		records = storage.NewMemoryStore()
	} else {
		records = store
	}
	if closeStore != nil {
		defer closeStore()
	}

	etherscan := a.newEtherscan()
	oracle := a.newOracle()
	decoder := a.newDecoder()
	if decoder != nil {
		defer decoder.Close()
	}

	pipeline, err := a.newPipeline(records, decoder)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Poller.Interval,
		StartupDelay: a.Config.Poller.StartupDelay,
	}, a.Logger)

	var guard *alerting.FailureGuard
	if a.Config.Alerting.Enabled {
		guard = alerting.NewFailureGuard(a.Config.Alerting.FailureThreshold, a.Config.Alerting.Cooldown)
	}

	var lockKey int64
	if a.Config.Worker.LockKey != 0 {
		lockKey = a.Config.Worker.LockKey + int64(a.Config.Worker.ID)
	}
	poller := service.NewPoller(sched, etherscan, oracle, records, pipeline, a.newNotifier(), guard, service.PollerOptions{
		PageSize: a.Config.Poller.PageSize,
		MaxPages: a.Config.Poller.MaxPages,
		Lookback: a.Config.Poller.Lookback,
		LockKey:  lockKey,
	}, a.Logger)

	backfill := service.NewBackfill(etherscan, etherscan, oracle, pipeline, service.BackfillOptions{
		PageSize:      a.Config.Backfill.PageSize,
		ResolveBlocks: a.Config.Backfill.ResolveBlocks,
	}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)

	a.Logger.Info().
		Int("worker_id", a.Config.Worker.ID).
		Int("total_workers", a.Config.Worker.Total).
		Dur("interval", a.Config.Poller.Interval).
		Msg("starting poller")
	g.Go(func() error {
		if err := poller.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if a.Config.API.Enabled {
		srv := &http.Server{
			Addr:              a.Config.API.ListenAddr,
			Handler:           api.NewServer(gctx, records, pipeline, oracle, backfill, a.Logger).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.Logger.Info().Str("addr", srv.Addr).Msg("api listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			timeout := a.Config.API.ShutdownTimeout
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("service stopped")
	return nil
}

// ExportOptions hold parameters for exporting stored records.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	DryRun bool
}
