// Package backendtest provides an in-memory backend with scripted failures
// and a call log.
package backendtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/fieldops/internal/backend"
	"github.com/kimhsiao/fieldops/internal/models"
)

// Call is one recorded backend call.
type Call struct {
	Op         string
	Collection models.Collection
	ID         string
	Row        backend.Row
}

// Fault decides whether a call fails. Returning nil lets the call through.
type Fault func(c Call) error

// Fake is an in-memory Backend, Pinger, Uploader and Subscriber.
type Fake struct {
	mu          sync.Mutex
	tables      map[models.Collection]map[string]backend.Row
	order       map[models.Collection][]string
	calls       []Call
	faults      []Fault
	ids         []string
	seq         int
	reachable   bool
	objects     map[string][]byte
	subscribers map[int]subscription
	nextSub     int
	now         func() time.Time
}

type subscription struct {
	collection models.Collection
	filter     backend.Filter
	fn         func(backend.Change)
}

// New creates an empty, reachable fake.
func New() *Fake {
	return &Fake{
		tables:      make(map[models.Collection]map[string]backend.Row),
		order:       make(map[models.Collection][]string),
		reachable:   true,
		objects:     make(map[string][]byte),
		subscribers: make(map[int]subscription),
		now:         time.Now,
	}
}

// Seed stores rows as if they already existed on the server.
func (f *Fake) Seed(c models.Collection, rows ...backend.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		id, _ := r["id"].(string)
		f.store(c, id, clone(r))
	}
}

// Rows returns a copy of every stored row of c, in insertion order.
func (f *Fake) Rows(c models.Collection) []backend.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]backend.Row, 0, len(f.order[c]))
	for _, id := range f.order[c] {
		if r, ok := f.tables[c][id]; ok {
			out = append(out, clone(r))
		}
	}
	return out
}

// Row returns a copy of one stored row, or nil.
func (f *Fake) Row(c models.Collection, id string) backend.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.tables[c][id]
	if !ok {
		return nil
	}
	return clone(r)
}

// NextIDs queues server ids handed out by the next inserts, in order.
// When the queue is empty ids are generated from the collection name.
func (f *Fake) NextIDs(ids ...string) {
	f.mu.Lock()
	f.ids = append(f.ids, ids...)
	f.mu.Unlock()
}

// Fail installs a fault consulted before every call.
func (f *Fake) Fail(fault Fault) {
	f.mu.Lock()
	f.faults = append(f.faults, fault)
	f.mu.Unlock()
}

// FailOnce fails the next call matching op and collection with err.
func (f *Fake) FailOnce(op string, c models.Collection, err error) {
	var once sync.Once
	f.Fail(func(call Call) error {
		var out error
		if call.Op == op && call.Collection == c {
			once.Do(func() { out = err })
		}
		return out
	})
}

// ClearFaults removes every installed fault.
func (f *Fake) ClearFaults() {
	f.mu.Lock()
	f.faults = nil
	f.mu.Unlock()
}

// SetReachable toggles network reachability. An unreachable fake fails every
// call with a transient error.
func (f *Fake) SetReachable(ok bool) {
	f.mu.Lock()
	f.reachable = ok
	f.mu.Unlock()
}

// Calls returns the call log.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns the logged calls matching op (any op when "").
func (f *Fake) CallsTo(op string, c models.Collection) []Call {
	var out []Call
	for _, call := range f.Calls() {
		if (op == "" || call.Op == op) && call.Collection == c {
			out = append(out, call)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

// Object returns an uploaded object.
func (f *Fake) Object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	return b, ok
}

// Emit delivers a change to matching subscribers synchronously.
func (f *Fake) Emit(ch backend.Change) {
	f.mu.Lock()
	var fns []func(backend.Change)
	keys := make([]int, 0, len(f.subscribers))
	for k := range f.subscribers {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		s := f.subscribers[k]
		row := ch.Record
		if ch.Type == backend.ChangeDelete {
			row = ch.OldRecord
		}
		if s.collection == ch.Collection && s.filter.Match(row) {
			fns = append(fns, s.fn)
		}
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(ch)
	}
}

// Select implements backend.Backend.
func (f *Fake) Select(ctx context.Context, c models.Collection, filter backend.Filter) ([]backend.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, Call{Op: "select", Collection: c}); err != nil {
		return nil, err
	}
	out := []backend.Row{}
	for _, id := range f.order[c] {
		r, ok := f.tables[c][id]
		if ok && filter.Match(r) {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

// Insert implements backend.Backend. A client_ref already present in the
// collection is rejected as a uniqueness conflict.
func (f *Fake) Insert(ctx context.Context, c models.Collection, row backend.Row) (backend.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, Call{Op: "insert", Collection: c, Row: clone(row)}); err != nil {
		return nil, err
	}

	if ref, _ := row["client_ref"].(string); ref != "" {
		for _, existing := range f.tables[c] {
			if existing["client_ref"] == ref {
				return nil, backend.Permanent("insert", string(c), 409, backend.UniqueViolation,
					"duplicate key value violates unique constraint")
			}
		}
	}

	stored := clone(row)
	id, _ := stored["id"].(string)
	if id == "" {
		id = f.newID(c)
	}
	stored["id"] = id
	ts := f.now().UTC().Format(time.RFC3339Nano)
	if _, ok := stored["created_at"]; !ok {
		stored["created_at"] = ts
	}
	stored["updated_at"] = ts
	f.store(c, id, stored)
	return clone(stored), nil
}

// Update implements backend.Backend.
func (f *Fake) Update(ctx context.Context, c models.Collection, id string, patch backend.Row) (backend.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, Call{Op: "update", Collection: c, ID: id, Row: clone(patch)}); err != nil {
		return nil, err
	}
	r, ok := f.tables[c][id]
	if !ok {
		return nil, backend.Permanent("update", string(c), 404, "PGRST116", fmt.Sprintf("no row with id %s", id))
	}
	for k, v := range clone(patch) {
		if k == "id" {
			continue
		}
		r[k] = v
	}
	r["updated_at"] = f.now().UTC().Format(time.RFC3339Nano)
	return clone(r), nil
}

// Delete implements backend.Backend.
func (f *Fake) Delete(ctx context.Context, c models.Collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, Call{Op: "delete", Collection: c, ID: id}); err != nil {
		return err
	}
	if _, ok := f.tables[c][id]; ok {
		delete(f.tables[c], id)
		ids := f.order[c][:0]
		for _, x := range f.order[c] {
			if x != id {
				ids = append(ids, x)
			}
		}
		f.order[c] = ids
	}
	return nil
}

// Ping implements backend.Pinger.
func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return backend.Transient("ping", "", err)
	}
	if !f.reachable {
		return backend.Transient("ping", "", errUnreachable)
	}
	return nil
}

// Upload implements backend.Uploader.
func (f *Fake) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, Call{Op: "upload", ID: key}); err != nil {
		return "", err
	}
	b := make([]byte, len(data))
	copy(b, data)
	f.objects[key] = b
	return "fake://" + key, nil
}

// Subscribe implements backend.Subscriber.
func (f *Fake) Subscribe(ctx context.Context, c models.Collection, filter backend.Filter, fn func(backend.Change)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, Call{Op: "subscribe", Collection: c}); err != nil {
		return nil, err
	}
	id := f.nextSub
	f.nextSub++
	f.subscribers[id] = subscription{collection: c, filter: filter, fn: fn}
	return func() {
		f.mu.Lock()
		delete(f.subscribers, id)
		f.mu.Unlock()
	}, nil
}

var errUnreachable = errors.New("network is unreachable")

// enter logs the call and applies reachability and faults. Caller holds mu.
func (f *Fake) enter(ctx context.Context, call Call) error {
	f.calls = append(f.calls, call)
	if err := ctx.Err(); err != nil {
		return backend.Transient(call.Op, string(call.Collection), err)
	}
	if !f.reachable {
		return backend.Transient(call.Op, string(call.Collection), errUnreachable)
	}
	for _, fault := range f.faults {
		if err := fault(call); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) store(c models.Collection, id string, r backend.Row) {
	t, ok := f.tables[c]
	if !ok {
		t = make(map[string]backend.Row)
		f.tables[c] = t
	}
	if _, exists := t[id]; !exists {
		f.order[c] = append(f.order[c], id)
	}
	t[id] = r
}

func (f *Fake) newID(c models.Collection) string {
	if len(f.ids) > 0 {
		id := f.ids[0]
		f.ids = f.ids[1:]
		return id
	}
	f.seq++
	return fmt.Sprintf("%s-%d", c, f.seq)
}

// clone deep-copies a row through JSON so callers never share maps.
func clone(r backend.Row) backend.Row {
	if r == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		panic(fmt.Sprintf("backendtest: row is not JSON: %v", err))
	}
	out := backend.Row{}
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("backendtest: row is not an object: %v", err))
	}
	return out
}
