// Package realtime applies backend change streams to the local cache.
package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/kimhsiao/fieldops/internal/backend"
	"github.com/kimhsiao/fieldops/internal/cache"
	"github.com/kimhsiao/fieldops/internal/db"
	"github.com/kimhsiao/fieldops/internal/logging"
	"github.com/kimhsiao/fieldops/internal/metrics"
	"github.com/kimhsiao/fieldops/internal/models"
	"github.com/kimhsiao/fieldops/internal/sync/conflict"
)

// Store is the transactional store changes are applied to.
type Store interface {
	InTx(ctx context.Context, fn func(db.Ops) error) error
}

// Subscription selects the rows of one collection to follow.
type Subscription struct {
	Collection models.Collection
	Filter     backend.Filter
}

// ProjectScope follows every project-scoped collection of one project.
func ProjectScope(projectID string) []Subscription {
	var subs []Subscription
	for _, c := range models.LocalCollections {
		if c.ParentField() != "project_id" {
			continue
		}
		subs = append(subs, Subscription{Collection: c, Filter: backend.Eq("project_id", projectID)})
	}
	return subs
}

// Listener subscribes to change streams and resolves each change against the
// cache.
type Listener struct {
	sub      backend.Subscriber
	store    Store
	resolver *conflict.Resolver
	logger   *logging.Logger

	mu       sync.Mutex
	ctx      context.Context
	unsubs   []func()
	resolved func(*conflict.ResolveResult)
}

// NewListener creates a listener. A nil resolver uses last write wins.
func NewListener(sub backend.Subscriber, store Store, resolver *conflict.Resolver) *Listener {
	if resolver == nil {
		resolver = conflict.NewResolver(conflict.ResolutionStrategyLastWriteWins)
	}
	return &Listener{
		sub:      sub,
		store:    store,
		resolver: resolver,
		logger:   logging.Get().Named("realtime"),
	}
}

// OnResolved registers a callback run after every applied change.
func (l *Listener) OnResolved(fn func(*conflict.ResolveResult)) {
	l.mu.Lock()
	l.resolved = fn
	l.mu.Unlock()
}

// Start subscribes to subs. On error every subscription made so far is
// released.
func (l *Listener) Start(ctx context.Context, subs ...Subscription) error {
	l.mu.Lock()
	l.ctx = ctx
	l.mu.Unlock()

	for _, s := range subs {
		unsub, err := l.sub.Subscribe(ctx, s.Collection, s.Filter, l.handle)
		if err != nil {
			l.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", s.Collection, err)
		}
		l.mu.Lock()
		l.unsubs = append(l.unsubs, unsub)
		l.mu.Unlock()
	}

	l.logger.Info("realtime listener started", map[string]interface{}{"subscriptions": len(subs)})
	return nil
}

// Stop releases every subscription.
func (l *Listener) Stop() {
	l.mu.Lock()
	unsubs := l.unsubs
	l.unsubs = nil
	l.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

// Apply resolves one change in a single transaction.
func (l *Listener) Apply(ctx context.Context, change backend.Change) (*conflict.ResolveResult, error) {
	var result *conflict.ResolveResult
	err := l.store.InTx(ctx, func(tx db.Ops) error {
		var err error
		result, err = l.resolver.Resolve(ctx, cache.New(tx), change)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordRealtime(string(change.Collection), result.Resolution)
	return result, nil
}

func (l *Listener) handle(change backend.Change) {
	l.mu.Lock()
	ctx := l.ctx
	fn := l.resolved
	l.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := l.Apply(ctx, change)
	if err != nil {
		l.logger.Error("failed to apply realtime change", err, map[string]interface{}{
			"collection": change.Collection,
			"record_id":  change.ID(),
		})
		return
	}
	if fn != nil {
		fn(result)
	}
}
