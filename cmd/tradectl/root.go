package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"bracketBot/config"
	"bracketBot/internal/adapters/logger"
	"bracketBot/internal/app"
	"bracketBot/internal/bootstrap"
	"bracketBot/internal/ports"
	"bracketBot/internal/store"
)

// environment resolves configuration and adapters lazily so that each
// command only opens what it uses.
type environment struct {
	loadConfig func(withExchange bool) (*config.Config, error)
	newLogger  func(cfg *config.Config) ports.Logger
	openStore  func(ctx context.Context, cfg *config.Config, log ports.Logger) (*bootstrap.Storage, error)
	exchange   func(cfg *config.Config, log ports.Logger) (ports.Exchange, error)
}

func newEnvironment() *environment {
	return &environment{
		loadConfig: func(withExchange bool) (*config.Config, error) {
			if withExchange {
				return config.LoadConfig()
			}
			return config.LoadStorageConfig()
		},
		// stdout is reserved for command output
		newLogger: func(cfg *config.Config) ports.Logger {
			return logger.NewWithWriter(os.Stderr, cfg.LogLevel)
		},
		openStore: bootstrap.OpenStorage,
		exchange:  bootstrap.NewExchange,
	}
}

// session is what a command works against once storage is open.
type session struct {
	cfg     *config.Config
	log     ports.Logger
	storage *bootstrap.Storage
}

func (e *environment) open(ctx context.Context, withExchange bool) (*session, error) {
	cfg, err := e.loadConfig(withExchange)
	if err != nil {
		return nil, err
	}
	log := e.newLogger(cfg)
	storage, err := e.openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, log: log, storage: storage}, nil
}

func (s *session) Close() error { return s.storage.Close() }

// openTrades restores the in-memory set from persistence.
func (s *session) openTrades(ctx context.Context) (*store.OpenTrades, error) {
	if s.storage.Persist == nil {
		return nil, errPersistenceDisabled
	}
	open := store.NewOpenTrades(s.storage.Persist, s.log)
	if _, err := open.Restore(ctx, s.storage.Ledger); err != nil {
		return nil, err
	}
	return open, nil
}

func (s *session) reconciler(exchange ports.Exchange, open *store.OpenTrades) (*app.Reconciler, error) {
	return app.NewReconciler(s.cfg, app.Dependencies{
		Logger:   s.log,
		Exchange: exchange,
		Ledger:   s.storage.Ledger,
		Store:    open,
	})
}

func newRootCmd(env *environment) *cobra.Command {
	root := &cobra.Command{
		Use:           "tradectl",
		Short:         "Operate the bracket bot's trade records",
		Long:          "Inspect open trades and the ledger, export history, record manual closes and run a reconciliation pass.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newOpenCmd(env),
		newLedgerCmd(env),
		newStatsCmd(env),
		newExportCmd(env),
		newCloseCmd(env),
		newReconcileCmd(env),
	)
	return root
}
