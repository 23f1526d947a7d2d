// Package bootstrap builds the concrete adapters selected by configuration.
// It is shared by the webhook server and the operator CLI.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"bracketBot/config"
	"bracketBot/internal/adapters/binanceclient"
	"bracketBot/internal/adapters/bybit"
	"bracketBot/internal/adapters/csvledger"
	"bracketBot/internal/adapters/fcm"
	"bracketBot/internal/adapters/jsonfile"
	"bracketBot/internal/adapters/logger"
	"bracketBot/internal/adapters/notifier"
	"bracketBot/internal/adapters/postgres"
	"bracketBot/internal/adapters/sqlite"
	"bracketBot/internal/adapters/telegram"
	"bracketBot/internal/metrics"
	"bracketBot/internal/ports"
)

// NewLogger builds the process logger from configuration.
func NewLogger(cfg *config.Config) *logger.ZeroLogger {
	return logger.New(logger.Config{
		Level:    cfg.LogLevel,
		JSON:     cfg.LogJSON,
		FilePath: cfg.LogFile,
	})
}

// Storage holds the ledger and the open-trade persistence. Persist is nil
// when OPEN_TRADES_STORE=none.
type Storage struct {
	Ledger  ports.TradeLedger
	Persist ports.OpenTradePersistence
	closers []func() error
}

// Close releases every opened backend.
func (s *Storage) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// OpenStorage opens the ledger named by LEDGER_DRIVER and the open-trade
// persistence named by OPEN_TRADES_STORE. With OPEN_TRADES_STORE=sqlite the
// open trades live next to the ledger when the ledger is a database, and in
// DB_PATH otherwise.
func OpenStorage(ctx context.Context, cfg *config.Config, log ports.Logger) (*Storage, error) {
	s := &Storage{}
	var dbPersist ports.OpenTradePersistence

	switch cfg.LedgerDriver {
	case "sqlite":
		repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: log})
		if err != nil {
			return nil, err
		}
		s.Ledger, dbPersist = repo, repo
		s.closers = append(s.closers, repo.Close)
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.DefaultPoolConfig())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ports.ErrDBConnection, err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		repo := postgres.NewRepository(pool, log)
		s.Ledger, dbPersist = repo, repo
		s.closers = append(s.closers, repo.Close)
	case "csv":
		l, err := csvledger.Open(cfg.CSVPath, log)
		if err != nil {
			return nil, err
		}
		s.Ledger = l
		s.closers = append(s.closers, l.Close)
	default:
		return nil, fmt.Errorf("%w: unsupported ledger driver %q", ports.ErrConfigurationError, cfg.LedgerDriver)
	}

	switch cfg.OpenTradesStore {
	case "none":
	case "sqlite":
		if dbPersist != nil {
			s.Persist = dbPersist
			break
		}
		repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: log})
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.Persist = repo
		s.closers = append(s.closers, repo.Close)
	case "json":
		p, err := jsonfile.NewOpenTrades(cfg.OpenTradesPath)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.Persist = p
	default:
		_ = s.Close()
		return nil, fmt.Errorf("%w: unsupported open-trade store %q", ports.ErrConfigurationError, cfg.OpenTradesStore)
	}

	log.Info(ctx, "Storage initialized", map[string]interface{}{
		"ledger":      cfg.LedgerDriver,
		"open_trades": cfg.OpenTradesStore,
	})
	return s, nil
}

// NewExchange builds the venue adapter named by EXCHANGE.
func NewExchange(cfg *config.Config, log ports.Logger) (ports.Exchange, error) {
	switch cfg.Exchange {
	case "bybit":
		return bybit.New(bybit.Config{
			APIKey:     cfg.APIKey,
			SecretKey:  cfg.SecretKey,
			UseTestnet: cfg.IsTestnet,
			RecvWindow: cfg.RecvWindow,
			Category:   cfg.Category,
			Timeout:    cfg.HTTPTimeout,
			Logger:     log,
		})
	case "binance":
		return binanceclient.New(binanceclient.Config{
			APIKey:     cfg.APIKey,
			SecretKey:  cfg.SecretKey,
			UseTestnet: cfg.IsTestnet,
			Timeout:    cfg.HTTPTimeout,
			Logger:     log,
		})
	}
	return nil, fmt.Errorf("%w: unsupported exchange %q", ports.ErrConfigurationError, cfg.Exchange)
}

// Notifications is the configured delivery fan-out. Notifier and Documents
// are nil when no channel is configured.
type Notifications struct {
	Notifier  ports.Notifier
	Documents ports.DocumentSender
	queue     *notifier.Queue
}

// Close drains queued messages.
func (n *Notifications) Close(ctx context.Context) error {
	if n.queue == nil {
		return nil
	}
	return n.queue.Close(ctx)
}

// NewNotifications builds Telegram and FCM channels behind one async queue.
// A channel that fails to initialize is logged and skipped.
func NewNotifications(ctx context.Context, cfg *config.Config, log ports.Logger, m *metrics.Metrics) *Notifications {
	var channels []notifier.Channel
	out := &Notifications{}

	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		tg, err := telegram.NewClient(telegram.Config{
			Token:   cfg.TelegramToken,
			ChatID:  cfg.TelegramChatID,
			Timeout: cfg.HTTPTimeout,
			Retries: cfg.OrderRetries,
			Logger:  log,
		})
		if err != nil {
			log.Error(ctx, err, "Telegram notifier disabled")
		} else {
			channels = append(channels, notifier.Channel{Name: "telegram", Notifier: tg})
			out.Documents = tg
		}
	}

	if cfg.FirebaseCredentialsFile != "" && len(cfg.FCMTokens) > 0 {
		push, err := fcm.NewClient(ctx, cfg.FirebaseCredentialsFile, cfg.FCMTokens, log)
		if err != nil {
			log.Error(ctx, err, "Push notifier disabled")
		} else {
			channels = append(channels, notifier.Channel{Name: "fcm", Notifier: push})
		}
	}

	if len(channels) == 0 {
		log.Warn(ctx, "No notification channel configured")
		return out
	}
	out.queue = notifier.NewQueue(notifier.NewMulti(channels...), cfg.NotifyQueueSize, cfg.HTTPTimeout, log, m)
	out.Notifier = out.queue
	return out
}
