// Package backend defines the remote data service boundary. Implementations
// return *Error for every failure so callers can branch on Kind.
package backend

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kimhsiao/fieldops/internal/models"
)

// Row is one record as the backend sees it.
type Row = map[string]any

// Filter is a set of equality conditions, field to value.
type Filter map[string]string

// Eq builds a filter from field/value pairs.
func Eq(pairs ...string) Filter {
	f := make(Filter, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		f[pairs[i]] = pairs[i+1]
	}
	return f
}

// Keys returns the filter fields in a stable order.
func (f Filter) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Match reports whether row satisfies every condition.
func (f Filter) Match(row Row) bool {
	for k, v := range f {
		x, ok := row[k]
		if !ok || x == nil || fmt.Sprint(x) != v {
			return false
		}
	}
	return true
}

// Backend is the row-level data API.
type Backend interface {
	Select(ctx context.Context, c models.Collection, filter Filter) ([]Row, error)
	// Insert creates a row and returns it as stored, with its server id.
	Insert(ctx context.Context, c models.Collection, row Row) (Row, error)
	// Update patches the row with id and returns it as stored.
	Update(ctx context.Context, c models.Collection, id string, patch Row) (Row, error)
	// Delete removes the row with id. Deleting a missing row succeeds.
	Delete(ctx context.Context, c models.Collection, id string) error
}

// Pinger checks reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Uploader stores binary objects and returns a reference to them.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// ChangeType is the kind of a realtime change.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change is one realtime row change.
type Change struct {
	Type            ChangeType
	Collection      models.Collection
	Record          Row
	OldRecord       Row
	CommitTimestamp time.Time
}

// ID returns the id of the changed row.
func (c Change) ID() string {
	if id, ok := c.Record["id"].(string); ok && id != "" {
		return id
	}
	id, _ := c.OldRecord["id"].(string)
	return id
}

// Subscriber streams row changes of a collection until unsubscribed.
type Subscriber interface {
	Subscribe(ctx context.Context, c models.Collection, filter Filter, fn func(Change)) (unsubscribe func(), err error)
}
