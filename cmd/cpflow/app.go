package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/budgetdash/cpflow/internal/config"
	"github.com/budgetdash/cpflow/internal/events"
	"github.com/budgetdash/cpflow/internal/money"
	"github.com/budgetdash/cpflow/internal/state"
	"github.com/budgetdash/cpflow/internal/store/memory"
	"github.com/budgetdash/cpflow/internal/store/postgres"
	"github.com/budgetdash/cpflow/internal/store/rest"
	"github.com/charmbracelet/log"
)

// app carries what every command needs once flags are parsed.
type app struct {
	cfg    *config.Config
	logger *log.Logger
	now    func() time.Time

	// openStore is replaced in tests.
	openStore func(ctx context.Context, cfg *config.Config) (state.Store, func() error, error)
}

func newApp(cfg *config.Config, logger *log.Logger) *app {
	return &app{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		openStore: openConfiguredStore,
	}
}

// session is one opened store plus the machine and bus running over it.
type session struct {
	store   state.Store
	machine *state.Machine
	bus     *events.InMemoryBus
	closeFn func() error
}

func (s *session) Close() error {
	if s == nil {
		return nil
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

func (a *app) open(ctx context.Context) (*session, error) {
	if a == nil || a.cfg == nil {
		return nil, errors.New("config is required")
	}
	store, closeFn, err := a.openStore(ctx, a.cfg)
	if err != nil {
		return nil, err
	}

	bus := events.New(events.WithLogger(a.logger))
	bus.SubscribeAll(events.LogHandler(a.logger))

	machine, err := state.NewMachine(
		store,
		a.cfg.Actor,
		state.WithClock(a.now),
		state.WithPublisher(bus),
		state.WithLogger(a.logger),
	)
	if err != nil {
		bus.Close()
		if closeFn != nil {
			_ = closeFn()
		}
		return nil, err
	}
	return &session{store: store, machine: machine, bus: bus, closeFn: closeFn}, nil
}

const memoryStoreHint = `note: store "memory" keeps changes only until cpflow exits; ` +
	`set store = "postgres" or "rest" in ~/.cpflow/config.toml to keep them`

// warnIfEphemeral prints memoryStoreHint after a change saved to the memory store.
func (a *app) warnIfEphemeral(w io.Writer) {
	if a == nil || a.cfg == nil || a.cfg.Store != config.StoreMemory {
		return
	}
	_, _ = fmt.Fprintln(w, memoryStoreHint)
}

func (a *app) formatter() money.Formatter {
	if a == nil || a.cfg == nil {
		return money.NewFormatterFromLocale("", "")
	}
	return money.NewFormatterFromLocale(a.cfg.Display.Locale, a.cfg.Display.Currency)
}

func openConfiguredStore(ctx context.Context, cfg *config.Config) (state.Store, func() error, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return memory.New(), nil, nil
	case config.StorePostgres:
		store, err := postgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.StoreREST:
		store, err := rest.New(cfg.REST.BaseURL, cfg.REST.APIKey, rest.WithTimeout(cfg.REST.Timeout))
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store %q", cfg.Store)
	}
}
