package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/alejandrodnm/remsettle/config"
	"github.com/alejandrodnm/remsettle/internal/adapters/apiclient"
	"github.com/alejandrodnm/remsettle/internal/adapters/archive"
	"github.com/alejandrodnm/remsettle/internal/adapters/lock"
	"github.com/alejandrodnm/remsettle/internal/adapters/notify"
	"github.com/alejandrodnm/remsettle/internal/adapters/sleepdata"
	"github.com/alejandrodnm/remsettle/internal/adapters/storage"
	"github.com/alejandrodnm/remsettle/internal/adapters/transfer"
	"github.com/alejandrodnm/remsettle/internal/ledger"
	"github.com/alejandrodnm/remsettle/internal/ports"
	"github.com/alejandrodnm/remsettle/internal/records"
	"github.com/alejandrodnm/remsettle/internal/resolution"
	"github.com/alejandrodnm/remsettle/internal/settlement"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file (.yaml or .toml)")
	once := flag.Bool("once", false, "run one sweep and exit")
	dryRun := flag.Bool("dry-run", false, "log transfers instead of calling the custody service")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print a per-market table after each sweep (default: compact 1-line)")
	ingest := flag.String("ingest", "", "score and store sleep records from a JSON-lines file, then exit")
	importFile := flag.String("import", "", "create markets and place bets from a JSON-lines file, then exit")
	report := flag.Bool("report", false, "print every market with pools and outcome, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	console := notify.NewConsole(*table)

	switch {
	case *ingest != "":
		if err := runIngest(ctx, *ingest, store); err != nil {
			slog.Error("ingest failed", "err", err, "file", *ingest)
			os.Exit(1)
		}
		return
	case *importFile != "":
		if err := runImport(ctx, *importFile, store); err != nil {
			slog.Error("import failed", "err", err, "file", *importFile)
			os.Exit(1)
		}
		return
	case *report:
		if err := runReport(ctx, store, console); err != nil {
			slog.Error("report failed", "err", err)
			os.Exit(1)
		}
		return
	}

	slog.Info("remsettle starting",
		"config", *configPath,
		"interval", cfg.SweepInterval(),
		"sleep_source", cfg.SleepSource.Kind,
		"transfer", cfg.Transfer.Kind,
		"dry_run", *dryRun,
		"once", *once,
	)

	source, closeSource, err := newSleepSource(ctx, cfg, store)
	if err != nil {
		slog.Error("failed to set up sleep source", "err", err, "kind", cfg.SleepSource.Kind)
		os.Exit(1)
	}
	defer closeSource()

	alerter, err := newAlerter(cfg, console)
	if err != nil {
		slog.Error("failed to set up alerts", "err", err)
		os.Exit(1)
	}

	clock := ports.SystemClock{}
	l := ledger.New(store, clock)

	engineCfg := resolution.DefaultConfig()
	engineCfg.GraceWindow = cfg.GraceWindow()
	engineCfg.MaxRetryAge = cfg.MaxRetryAge()
	engineCfg.FetchTimeout = cfg.FetchTimeout()
	engine := resolution.NewEngine(l, source, clock, alerter, engineCfg)

	deps := settlement.Deps{
		Ledger:   l,
		Resolver: engine,
		Outbox:   store,
		Transfer: newTransfer(cfg, *dryRun),
		Notifier: console,
		Alerter:  alerter,
		Clock:    clock,
	}

	// Los adapters opcionales sólo se asignan si están configurados: un
	// puntero nil dentro de la interfaz no cuenta como "ausente".
	if cfg.Redis.Addr != "" {
		rl, err := lock.NewRedis(ctx, lock.RedisConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			slog.Error("failed to connect to redis", "err", err, "addr", cfg.Redis.Addr)
			os.Exit(1)
		}
		defer rl.Close()
		deps.Lock = rl
	}
	if cfg.S3.Bucket != "" {
		ar, err := archive.NewS3(ctx, archive.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			slog.Error("failed to set up receipt archive", "err", err, "bucket", cfg.S3.Bucket)
			os.Exit(1)
		}
		deps.Archive = ar
	}

	sched := settlement.New(settlement.Config{
		Interval:        cfg.SweepInterval(),
		Workers:         cfg.Settlement.Workers,
		DispatchBatch:   cfg.Settlement.DispatchBatch,
		TransferTimeout: cfg.TransferTimeout(),
		LockKey:         cfg.Settlement.LockKey,
		LockTTL:         cfg.LockTTL(),
		RetryBase:       cfg.RetryBase(),
		RetryMax:        cfg.RetryMax(),
		MaxAttempts:     cfg.Settlement.MaxTransferAttempts,
	}, deps)

	if *once {
		if _, err := sched.RunOnce(ctx); err != nil {
			if errors.Is(err, settlement.ErrSweepSkipped) {
				slog.Warn("sweep skipped", "reason", err)
				return
			}
			slog.Error("sweep failed", "err", err)
			os.Exit(1)
		}
		return
	}

	if err := sched.Run(ctx); err != nil {
		slog.Error("scheduler exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("remsettle stopped cleanly")
}

func newSleepSource(ctx context.Context, cfg *config.Config, store *storage.SQLiteStorage) (ports.SleepSource, func(), error) {
	sc := cfg.SleepSource
	switch sc.Kind {
	case "http":
		client := apiclient.New(apiclient.Config{
			BaseURL:    sc.BaseURL,
			Token:      sc.Token,
			RatePerSec: sc.RatePerSec,
		})
		return sleepdata.NewHTTPSource(client), func() {}, nil
	case "postgres":
		pg, err := sleepdata.NewPostgresSource(ctx, sleepdata.PostgresConfig{
			DSN:      sc.PostgresDSN,
			MaxConns: sc.MaxConns,
			Table:    sc.PostgresTable,
		})
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}
	// sqlite: noches cargadas con -ingest
	return store, func() {}, nil
}

func newTransfer(cfg *config.Config, dryRun bool) ports.AssetTransfer {
	if dryRun || cfg.Transfer.Kind == "log" {
		return transfer.LogOnly{}
	}
	client := apiclient.New(apiclient.Config{
		BaseURL:    cfg.Transfer.BaseURL,
		Token:      cfg.Transfer.Token,
		RatePerSec: cfg.Transfer.RatePerSec,
		Timeout:    cfg.TransferTimeout(),
	})
	return transfer.NewHTTPCustody(client)
}

func newAlerter(cfg *config.Config, console *notify.Console) (ports.Alerter, error) {
	if cfg.Telegram.BotToken == "" {
		return console, nil
	}
	tg, err := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, 0)
	if err != nil {
		return nil, err
	}
	return notify.Alerters{console, tg}, nil
}

func runIngest(ctx context.Context, path string, store *storage.SQLiteStorage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := records.Ingest(ctx, f, store)
	if err != nil {
		return err
	}
	slog.Info("ingest complete", "read", st.Read, "saved", st.Saved, "skipped", st.Skipped)
	return nil
}

func runImport(ctx context.Context, path string, store *storage.SQLiteStorage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := ledger.New(store, nil).Import(ctx, f)
	for ref, id := range st.Refs {
		slog.Info("market imported", "ref", ref, "market_id", id)
	}
	if err != nil {
		return err
	}
	slog.Info("import complete", "read", st.Read, "markets", st.Markets, "bets", st.Bets, "skipped", st.Skipped)
	return nil
}

func runReport(ctx context.Context, store *storage.SQLiteStorage, console *notify.Console) error {
	markets, err := store.ListMarkets(ctx)
	if err != nil {
		return err
	}
	subjects := make([]string, 0, len(markets))
	for _, m := range markets {
		subjects = append(subjects, m.Subject)
	}
	sort.Strings(subjects)

	consistency, err := records.Consistency(ctx, store, subjects)
	if err != nil {
		return err
	}
	console.Report(markets, consistency)
	return nil
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
