package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ineyio/gridcredit"
	"github.com/ineyio/gridcredit/meter"
	"github.com/ineyio/gridcredit/postprocess"
	"github.com/ineyio/gridcredit/provider/gemini"
	"github.com/ineyio/gridcredit/server"
	"github.com/ineyio/gridcredit/store/memory"
	"github.com/ineyio/gridcredit/store/postgres"
	"github.com/ineyio/gridcredit/store/redis"
)

const (
	sweepInterval       = 10 * time.Minute
	memorySweepInterval = time.Minute
)

// sweeper is implemented by stores whose expired entries are only reclaimed
// by an explicit pass.
type sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("no .env file found")
	}

	cfg, err := gridcredit.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	logger = newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("open store")
	}
	defer closeStore()

	m := meter.NewLogMeter(logger)

	vip, warnings := gridcredit.ParseVIPList(cfg.VIPWhitelist)
	for _, w := range warnings {
		logger.Warn().Msg(w)
	}
	if vip.Len() > 0 {
		logger.Info().Int("entries", vip.Len()).Msg("vip list loaded")
	}

	ledger := gridcredit.NewLedger(store,
		gridcredit.WithDefaultLimit(cfg.FreeQuotaPerDay),
		gridcredit.WithVIPList(vip),
		gridcredit.WithLedgerMeter(m),
	)
	guard := gridcredit.NewAbuseGuard(store, gridcredit.WithDeviceLimit(cfg.IPDeviceLimit))

	rateStore := gridcredit.Store(store)
	if !cfg.RateLimitShared {
		local := memory.New()
		go sweep(ctx, local, memorySweepInterval, logger.With().Str("store", "rate_limit").Logger())
		rateStore = local
	}
	var rateOpts []gridcredit.RateOption
	for route, rule := range cfg.RouteRules() {
		rateOpts = append(rateOpts, gridcredit.WithRouteRule(route, rule))
	}
	limiter := gridcredit.NewRateLimiter(rateStore, cfg.RateRule(), rateOpts...)

	pool, err := gridcredit.NewCredentialPool(cfg.Credentials(),
		gridcredit.WithRetries(cfg.SynthesisRetries),
		gridcredit.WithBaseDelay(cfg.SynthesisRetryDelay),
		gridcredit.WithPoolMeter(m),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("credential pool")
	}
	gateway, err := gridcredit.NewGateway(pool, gemini.New(gemini.WithBaseURL(cfg.GeminiBaseURL)),
		gridcredit.WithModels(cfg.GeminiModels...))
	if err != nil {
		logger.Fatal().Err(err).Msg("gateway")
	}
	orch := gridcredit.NewOrchestrator(gateway,
		gridcredit.WithSlicer(postprocess.GridSlicer{}),
		gridcredit.WithPacing(cfg.GroupPacing),
		gridcredit.WithGroupTimeout(cfg.GroupTimeout),
		gridcredit.WithOrchestratorMeter(m),
	)

	srv, err := server.New(server.Config{
		PaymentMode:    cfg.PaymentMode,
		Production:     cfg.Production(),
		AllowedOrigins: cfg.AllowedOrigins,
		TrustedProxies: cfg.TrustedProxies,
	}, server.Deps{
		Ledger:       ledger,
		Guard:        guard,
		Limiter:      limiter,
		Orchestrator: orch,
		Pool:         pool,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("server")
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("payment_mode", string(cfg.PaymentMode)).
			Str("store", cfg.StoreBackend).
			Int("credentials", len(cfg.Credentials())).
			Msg("listening")
		if err := srv.Listen(":" + cfg.Port); err != nil {
			logger.Error().Err(err).Msg("listen")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
}

func newLogger(cfg gridcredit.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.Env == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return logger.Level(level)
}

// openStore connects the configured backend. The returned func releases it.
func openStore(ctx context.Context, cfg gridcredit.Config, logger zerolog.Logger) (gridcredit.Store, func(), error) {
	switch cfg.StoreBackend {
	case "redis":
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		client := goredis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, err
		}
		return redis.New(client, redis.WithKeyPrefix(cfg.StoreKeyPrefix)), func() { client.Close() }, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		st := postgres.New(pool, postgres.WithTablePrefix(tablePrefix(cfg.StoreKeyPrefix)))
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		sweepCtx, cancel := context.WithCancel(context.Background())
		go sweep(sweepCtx, st, sweepInterval, logger)
		return st, func() {
			cancel()
			pool.Close()
		}, nil

	default:
		st := memory.New()
		sweepCtx, cancel := context.WithCancel(context.Background())
		go sweep(sweepCtx, st, memorySweepInterval, logger)
		return st, cancel, nil
	}
}

// tablePrefix turns a key prefix like "gridcredit:" into "gridcredit_".
func tablePrefix(keyPrefix string) string {
	p := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' {
			return r
		}
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return '_'
	}, keyPrefix)
	if p == "" {
		return "gridcredit_"
	}
	return p
}

func sweep(ctx context.Context, st sweeper, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.Sweep(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("sweep expired entries")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("entries", n).Msg("swept expired entries")
			}
		}
	}
}
