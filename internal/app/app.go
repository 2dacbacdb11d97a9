// Package app assembles the offline core from configuration: local store,
// backend clients, connectivity, sync engine, scheduler, realtime listener
// and the domain façade.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/fieldops/internal/backend"
	"github.com/kimhsiao/fieldops/internal/backend/supabase"
	"github.com/kimhsiao/fieldops/internal/config"
	"github.com/kimhsiao/fieldops/internal/connectivity"
	"github.com/kimhsiao/fieldops/internal/db"
	apperrors "github.com/kimhsiao/fieldops/internal/errors"
	"github.com/kimhsiao/fieldops/internal/fieldops"
	"github.com/kimhsiao/fieldops/internal/logging"
	syncpkg "github.com/kimhsiao/fieldops/internal/sync"
	"github.com/kimhsiao/fieldops/internal/sync/conflict"
	"github.com/kimhsiao/fieldops/internal/sync/realtime"
	"github.com/kimhsiao/fieldops/internal/sync/scheduler"
	"github.com/kimhsiao/fieldops/internal/tracing"
)

// Event types published besides the engine's sync events.
const (
	EventConnectivityChanged = "connectivity.changed"
	EventRealtimeResolved    = "realtime.resolved"
)

// Remote bundles the backend capabilities. Uploader and Subscriber may be
// nil.
type Remote struct {
	Backend    backend.Backend
	Pinger     backend.Pinger
	Subscriber backend.Subscriber
	Uploader   backend.Uploader
}

// Option customizes Open.
type Option func(*options)

type options struct {
	remote   *Remote
	noStore  bool
	resolver conflict.ResolutionStrategy
}

// WithRemote replaces the configured Supabase backend, e.g. with an
// in-memory fake.
func WithRemote(r Remote) Option {
	return func(o *options) { o.remote = &r }
}

// WithoutStore runs without local storage.
func WithoutStore() Option {
	return func(o *options) { o.noStore = true }
}

// WithConflictStrategy sets how realtime changes meet local edits.
func WithConflictStrategy(s conflict.ResolutionStrategy) Option {
	return func(o *options) { o.resolver = s }
}

// App is the running core.
type App struct {
	Config  *config.Config
	Store   *db.Store // nil when local storage is unavailable
	Remote  Remote
	Monitor *connectivity.Monitor
	Prober  *connectivity.Prober
	Engine  *syncpkg.Engine // nil without a store
	Sched   *scheduler.Scheduler
	Client  *fieldops.Client

	listener *realtime.Listener
	logger   *logging.Logger
	unsub    func()
	closers  []func() error

	mu       sync.Mutex
	handlers []syncpkg.SyncEventHandler
}

// Open builds and starts the core. A store that cannot be opened is logged
// and the app continues online only.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		Config: cfg,
		logger: logging.Get().Named("app"),
	}

	shutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint: cfg.Tracing.Endpoint,
		Protocol: cfg.Tracing.Protocol,
		Insecure: cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	})

	if o.remote != nil {
		a.Remote = *o.remote
	} else {
		remote, err := a.openSupabase()
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Remote = remote
	}
	if a.Remote.Backend == nil {
		a.Close()
		return nil, apperrors.New(apperrors.ErrInvalid, "no backend configured")
	}

	if !o.noStore {
		store, err := db.Open(ctx, cfg.DataDir)
		if err != nil {
			a.logger.ErrorWithCode("local storage unavailable, offline features disabled", err, map[string]interface{}{
				"data_dir": cfg.DataDir,
			})
		} else {
			a.Store = store
			a.closers = append(a.closers, store.Close)
		}
	}

	a.Monitor = connectivity.NewMonitor(false)
	a.unsub = a.Monitor.OnChange(func(online bool) {
		a.publish(syncpkg.SyncEvent{
			Type:      EventConnectivityChanged,
			Data:      map[string]interface{}{"online": online},
			Timestamp: time.Now(),
		})
	})
	if a.Remote.Pinger != nil {
		a.Prober = connectivity.NewProber(a.Monitor, a.Remote.Pinger, connectivity.ProberConfig{
			Interval:      cfg.Connectivity.ProbeInterval,
			Timeout:       cfg.Connectivity.ProbeTimeout,
			FlapThreshold: cfg.Connectivity.FlapThreshold,
		})
		a.Prober.Start(ctx)
	} else {
		a.Monitor.Set(true)
	}

	deps := fieldops.Deps{
		Backend:  a.Remote.Backend,
		Uploader: a.Remote.Uploader,
		Monitor:  a.Monitor,
	}
	if a.Store != nil {
		a.Engine = syncpkg.NewSyncEngine(a.Store, a.Remote.Backend, a.Monitor, syncpkg.Config{
			PassTimeout: cfg.Sync.PassTimeout,
		})
		a.Engine.SetEventHandler(a.publish)
		a.Sched = scheduler.NewScheduler(a.Engine, a.Monitor, &scheduler.SchedulerConfig{
			SafetyNetInterval: cfg.Sync.SafetyNetInterval,
			MaxBackoff:        cfg.Sync.MaxBackoff,
			PassTimeout:       cfg.Sync.PassTimeout,
		})
		a.Sched.Start(ctx)

		if a.Remote.Subscriber != nil {
			a.listener = realtime.NewListener(a.Remote.Subscriber, a.Store, conflict.NewResolver(o.resolver))
			a.listener.OnResolved(func(r *conflict.ResolveResult) {
				a.publish(syncpkg.SyncEvent{
					Type: EventRealtimeResolved,
					Data: map[string]interface{}{
						"collection": r.Collection,
						"record_id":  r.RecordID,
						"resolution": r.Resolution,
					},
					Timestamp: time.Now(),
				})
			})
		}

		deps.Store = a.Store
		deps.Engine = a.Engine
	}

	client, err := fieldops.New(deps)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Client = client

	a.logger.Info("fieldops core started", map[string]interface{}{
		"storage":  a.Store != nil,
		"online":   a.Monitor.GetStatus(),
		"realtime": a.listener != nil,
	})
	return a, nil
}

func (a *App) openSupabase() (Remote, error) {
	cfg := a.Config
	if !cfg.HasBackend() {
		return Remote{}, nil
	}
	client, err := supabase.New(supabase.Config{
		URL:         cfg.Supabase.URL,
		AnonKey:     cfg.Supabase.AnonKey,
		AccessToken: cfg.Supabase.AccessToken,
	})
	if err != nil {
		return Remote{}, apperrors.Wrap(apperrors.ErrInvalid, "invalid supabase configuration", err)
	}
	rt := supabase.NewRealtime(supabase.RealtimeConfig{
		URL:         cfg.Supabase.URL,
		AnonKey:     cfg.Supabase.AnonKey,
		AccessToken: cfg.Supabase.AccessToken,
	})
	a.closers = append(a.closers, rt.Close)

	r := Remote{Backend: client, Pinger: client, Subscriber: rt}
	if cfg.Storage.Endpoint != "" {
		r.Uploader = supabase.NewStorage(supabase.StorageConfig{
			Endpoint:  cfg.Storage.Endpoint,
			Bucket:    cfg.Storage.Bucket,
			Region:    cfg.Storage.Region,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			PublicURL: cfg.Storage.PublicURL,
		})
	}
	return r, nil
}

// OnEvent registers a handler for sync, connectivity and realtime events.
// Handlers run synchronously and must not block.
func (a *App) OnEvent(fn syncpkg.SyncEventHandler) {
	a.mu.Lock()
	a.handlers = append(a.handlers, fn)
	a.mu.Unlock()
}

func (a *App) publish(ev syncpkg.SyncEvent) {
	a.mu.Lock()
	handlers := append([]syncpkg.SyncEventHandler(nil), a.handlers...)
	a.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// Follow streams remote changes of one project into the cache, replacing any
// project followed before.
func (a *App) Follow(ctx context.Context, projectID string) error {
	if a.listener == nil {
		return apperrors.New(apperrors.ErrStorageUnavailable, "realtime requires local storage and a subscriber")
	}
	a.listener.Stop()
	return a.listener.Start(ctx, realtime.ProjectScope(projectID)...)
}

// Close stops background work and releases resources in reverse order of
// acquisition.
func (a *App) Close() error {
	if a.listener != nil {
		a.listener.Stop()
	}
	if a.Sched != nil {
		a.Sched.Stop()
	}
	if a.Prober != nil {
		a.Prober.Stop()
	}
	if a.unsub != nil {
		a.unsub()
	}
	if a.Engine != nil {
		a.Engine.Wait()
	}

	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
