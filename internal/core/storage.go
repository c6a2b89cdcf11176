package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"microlab/internal/config"
	"microlab/internal/infra/persistence/memory"
	"microlab/internal/infra/persistence/postgres"
	"microlab/internal/infra/persistence/sqlite"
	"microlab/pkg/domain"
)

// BackendState is the lifecycle state of the backend selector.
type BackendState string

const (
	StateUnconfigured     BackendState = "unconfigured"
	StateEmbeddedActive   BackendState = "embedded_active"
	StateRemoteConfigured BackendState = "remote_configured"
	StateRemoteActive     BackendState = "remote_active"
	StateRemoteFailed     BackendState = "remote_failed"
	StateReloadRequired   BackendState = "reload_required"
)

// ErrReloadRequired is returned once the remote configuration changed: the
// active backend instance is stale and the process must restart.
var ErrReloadRequired = fmt.Errorf("%w: configuration changed, reload required", domain.ErrStorageUnavailable)

// SelectorConfig is the input of NewSelector.
type SelectorConfig struct {
	// Driver forces a backend; empty selects postgres when a remote
	// configuration is saved and sqlite otherwise.
	Driver        domain.Driver
	SQLitePath    string
	StrictUpdates bool
	// PostgresDSN overrides the databaseURL of the saved remote configuration.
	PostgresDSN   string
	RemoteTimeout time.Duration
	Collections   []domain.Collection
	// LocalStorage holds the remote configuration blob.
	LocalStorage *config.LocalStorage
	Logger       Logger
	// Options are applied to the Collections built by Open.
	Options []Option
}

// SelectorConfigFrom maps the application configuration onto a selector.
func SelectorConfigFrom(cfg config.Config, logger Logger, opts ...Option) SelectorConfig {
	return SelectorConfig{
		Driver:        domain.Driver(cfg.Storage.Driver),
		SQLitePath:    cfg.Storage.SQLitePath,
		StrictUpdates: cfg.Storage.StrictUpdates,
		PostgresDSN:   cfg.Storage.PostgresDSN,
		RemoteTimeout: cfg.Storage.RemoteTimeout,
		LocalStorage:  config.NewLocalStorage(cfg.LocalStoragePath()),
		Logger:        logger,
		Options:       opts,
	}
}

// Selector decides once per process which record store backs the Collection
// API. Initialization runs at most once; every caller of Resolve shares its
// outcome. A failed remote backend is reported, never replaced by the
// embedded one.
type Selector struct {
	cfg    SelectorConfig
	logger Logger
	init   func() (domain.RecordStore, error)

	mu          sync.Mutex
	state       BackendState
	lastErr     error
	store       domain.RecordStore
	collections *Collections
}

// NewSelector returns an unconfigured selector.
func NewSelector(cfg SelectorConfig) *Selector {
	if len(cfg.Collections) == 0 {
		cfg.Collections = domain.DefaultCollections
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = postgres.DefaultTimeout
	}
	s := &Selector{cfg: cfg, logger: cfg.Logger, state: StateUnconfigured}
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	s.init = sync.OnceValues(s.initialize)
	return s
}

// State returns the current lifecycle state.
func (s *Selector) State() BackendState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the initialization failure, if any.
func (s *Selector) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Resolve returns the active record store, initializing it on first use.
// Initialization is not bound to ctx: a caller that gives up waiting leaves it
// running for the others.
func (s *Selector) Resolve(ctx context.Context) (domain.RecordStore, error) {
	if s.State() == StateReloadRequired {
		return nil, ErrReloadRequired
	}
	type result struct {
		store domain.RecordStore
		err   error
	}
	done := make(chan result, 1)
	go func() {
		store, err := s.init()
		done <- result{store, err}
	}()
	select {
	case r := <-done:
		if s.State() == StateReloadRequired {
			return nil, ErrReloadRequired
		}
		return r.store, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, ctx.Err())
	}
}

// Open resolves the backend and returns the Collection API bound to it. The
// same instance is returned to every caller.
func (s *Selector) Open(ctx context.Context) (*Collections, error) {
	store, err := s.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collections == nil {
		opts := append([]Option{WithLogger(s.logger), WithCollectionNames(s.cfg.Collections)}, s.cfg.Options...)
		s.collections = NewCollections(store, opts...)
	}
	return s.collections, nil
}

// RemoteConfig returns the saved remote configuration, if any.
func (s *Selector) RemoteConfig() (config.RemoteConfig, bool, error) {
	if s.cfg.LocalStorage == nil {
		return config.RemoteConfig{}, false, nil
	}
	return config.LoadRemoteConfig(s.cfg.LocalStorage)
}

// SaveRemoteConfig persists rc. The running backend is not swapped; the
// selector moves to StateReloadRequired.
func (s *Selector) SaveRemoteConfig(rc config.RemoteConfig) error {
	if s.cfg.LocalStorage == nil {
		return errors.New("no local storage configured")
	}
	if err := config.SaveRemoteConfig(s.cfg.LocalStorage, rc); err != nil {
		return err
	}
	s.requireReload("remote configuration saved")
	return nil
}

// ResetRemoteConfig deletes the saved remote configuration; the embedded
// backend is used after the next restart.
func (s *Selector) ResetRemoteConfig() error {
	if s.cfg.LocalStorage == nil {
		return errors.New("no local storage configured")
	}
	if err := config.ResetRemoteConfig(s.cfg.LocalStorage); err != nil {
		return err
	}
	s.requireReload("remote configuration removed")
	return nil
}

func (s *Selector) requireReload(reason string) {
	s.mu.Lock()
	s.state = StateReloadRequired
	s.mu.Unlock()
	s.logger.Info("backend reload required", "reason", reason)
}

// Close releases the collection API and the active store.
func (s *Selector) Close() error {
	s.mu.Lock()
	collections, store := s.collections, s.store
	s.collections, s.store = nil, nil
	s.mu.Unlock()
	if collections != nil {
		collections.Close()
	}
	if store != nil {
		return store.Close()
	}
	return nil
}

func (s *Selector) setState(state BackendState, store domain.RecordStore, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReloadRequired {
		s.state = state
	}
	s.store = store
	s.lastErr = err
}

func (s *Selector) initialize() (domain.RecordStore, error) {
	driver, remote, err := s.chooseDriver()
	if err != nil {
		s.setState(StateRemoteFailed, nil, err)
		s.logger.Error("remote backend configuration unusable", "error", err)
		return nil, err
	}
	switch driver {
	case domain.DriverMemory:
		store := memory.NewStoreWithOptions(memory.Options{Collections: s.cfg.Collections, CreateOnMissingUpdate: !s.cfg.StrictUpdates})
		s.setState(StateEmbeddedActive, store, nil)
		s.logger.Info("backend active", "driver", string(driver))
		return store, nil
	case domain.DriverSQLite:
		return s.openEmbedded()
	case domain.DriverPostgres:
		return s.openRemote(remote)
	default:
		err := fmt.Errorf("%w: unknown storage driver %q", domain.ErrStorageUnavailable, driver)
		s.setState(StateUnconfigured, nil, err)
		return nil, err
	}
}

// chooseDriver applies the driver override or inspects the saved remote
// configuration. For postgres it returns the effective remote settings.
func (s *Selector) chooseDriver() (domain.Driver, config.RemoteConfig, error) {
	rc, saved, err := s.RemoteConfig()
	driver := s.cfg.Driver
	if driver == "" {
		if err != nil {
			// an unreadable local storage may hide a saved remote configuration
			return domain.DriverPostgres, rc, fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
		}
		switch {
		case saved || s.cfg.PostgresDSN != "":
			driver = domain.DriverPostgres
		default:
			driver = domain.DriverSQLite
		}
	}
	if driver != domain.DriverPostgres {
		return driver, config.RemoteConfig{}, nil
	}
	if err != nil {
		return driver, rc, fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	if s.cfg.PostgresDSN != "" {
		rc.DatabaseURL = s.cfg.PostgresDSN
	}
	if rc.DatabaseURL == "" {
		return driver, rc, fmt.Errorf("%w: %w: no remote database configured", domain.ErrStorageUnavailable, config.ErrInvalidRemoteConfig)
	}
	return driver, rc, nil
}

func (s *Selector) openEmbedded() (domain.RecordStore, error) {
	store, err := sqlite.NewStore(s.cfg.SQLitePath, sqlite.Options{Collections: s.cfg.Collections, StrictUpdates: s.cfg.StrictUpdates})
	if err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
		s.setState(StateUnconfigured, nil, err)
		return nil, err
	}
	if err := store.Open(context.Background()); err != nil {
		_ = store.Close()
		s.setState(StateUnconfigured, nil, err)
		return nil, err
	}
	s.setState(StateEmbeddedActive, store, nil)
	s.logger.Info("backend active", "driver", string(domain.DriverSQLite), "path", store.Path())
	return store, nil
}

func (s *Selector) openRemote(rc config.RemoteConfig) (domain.RecordStore, error) {
	s.setState(StateRemoteConfigured, nil, nil)
	timeout := rc.Timeout(s.cfg.RemoteTimeout)
	store, err := postgres.NewStore(postgres.Config{
		DSN:         rc.DatabaseURL,
		APIKey:      rc.APIKey,
		ProjectID:   rc.ProjectID,
		Timeout:     timeout,
		Collections: s.cfg.Collections,
		Logger:      slogOf(s.logger),
	})
	if err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
		s.setState(StateRemoteFailed, nil, err)
		s.logger.Error("remote backend failed", "error", err)
		return nil, err
	}
	if err := store.Open(context.Background()); err != nil {
		_ = store.Close()
		s.setState(StateRemoteFailed, nil, err)
		s.logger.Error("remote backend failed", "project", rc.ProjectID, "error", err)
		return nil, err
	}
	s.setState(StateRemoteActive, store, nil)
	s.logger.Info("backend active", "driver", string(domain.DriverPostgres), "schema", store.Schema())
	return store, nil
}
