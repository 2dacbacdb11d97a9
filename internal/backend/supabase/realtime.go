package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/fieldops/internal/backend"
	"github.com/kimhsiao/fieldops/internal/logging"
	"github.com/kimhsiao/fieldops/internal/models"
)

// RealtimeConfig holds Realtime settings.
type RealtimeConfig struct {
	URL         string // project URL; http(s) is mapped to ws(s)
	AnonKey     string
	AccessToken string
	Heartbeat   time.Duration // default 25s
	MaxBackoff  time.Duration // reconnect cap, default 30s
}

// phoenix is one Phoenix channel frame.
type phoenix struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type changePayload struct {
	Data struct {
		Type            string      `json:"type"`
		Table           string      `json:"table"`
		Record          backend.Row `json:"record"`
		OldRecord       backend.Row `json:"old_record"`
		CommitTimestamp string      `json:"commit_timestamp"`
	} `json:"data"`
}

type channel struct {
	topic      string
	collection models.Collection
	filter     backend.Filter
	fn         func(backend.Change)
}

// Realtime streams postgres_changes over one websocket, shared by every
// subscription.
type Realtime struct {
	config RealtimeConfig
	dialer *websocket.Dialer
	logger *logging.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string]*channel
	ref      int
	seq      int
	closed   bool
	done     chan struct{}

	writeMu sync.Mutex
}

// NewRealtime creates a Realtime client. It connects on first Subscribe.
func NewRealtime(config RealtimeConfig) *Realtime {
	if config.Heartbeat <= 0 {
		config.Heartbeat = 25 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	return &Realtime{
		config:   config,
		dialer:   websocket.DefaultDialer,
		logger:   logging.Get().Named("realtime"),
		channels: make(map[string]*channel),
		done:     make(chan struct{}),
	}
}

// Subscribe implements backend.Subscriber.
func (r *Realtime) Subscribe(ctx context.Context, c models.Collection, filter backend.Filter, fn func(backend.Change)) (func(), error) {
	if err := r.ensureConnected(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.seq++
	ch := &channel{
		topic:      fmt.Sprintf("realtime:fieldops:%s:%d", c, r.seq),
		collection: c,
		filter:     filter,
		fn:         fn,
	}
	r.channels[ch.topic] = ch
	r.mu.Unlock()

	if err := r.join(ch); err != nil {
		r.mu.Lock()
		delete(r.channels, ch.topic)
		r.mu.Unlock()
		return nil, backend.Transient("subscribe", string(c), err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.channels, ch.topic)
			r.mu.Unlock()
			_ = r.send(phoenix{Topic: ch.topic, Event: "phx_leave", Payload: json.RawMessage(`{}`)})
		})
	}, nil
}

// Close drops the connection and every subscription.
func (r *Realtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (r *Realtime) endpoint() (string, error) {
	u, err := url.Parse(strings.TrimSuffix(r.config.URL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/v1/websocket"
	u.RawQuery = url.Values{"apikey": {r.config.AnonKey}, "vsn": {"1.0.0"}}.Encode()
	return u.String(), nil
}

func (r *Realtime) ensureConnected(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return backend.Permanent("subscribe", "", 0, "", "realtime client closed")
	}
	if r.conn != nil {
		return nil
	}
	conn, err := r.dial(ctx)
	if err != nil {
		return backend.Transient("subscribe", "", err)
	}
	r.conn = conn
	go r.readLoop(conn)
	go r.heartbeatLoop(conn)
	return nil
}

func (r *Realtime) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := r.endpoint()
	if err != nil {
		return nil, err
	}
	conn, _, err := r.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("realtime dial failed: %w", err)
	}
	return conn, nil
}

func (r *Realtime) join(ch *channel) error {
	type change struct {
		Event  string `json:"event"`
		Schema string `json:"schema"`
		Table  string `json:"table"`
		Filter string `json:"filter,omitempty"`
	}
	spec := change{Event: "*", Schema: "public", Table: string(ch.collection)}
	// The server accepts one filter; the rest are applied on delivery.
	if keys := ch.filter.Keys(); len(keys) > 0 {
		spec.Filter = keys[0] + "=eq." + ch.filter[keys[0]]
	}

	token := r.config.AccessToken
	if token == "" {
		token = r.config.AnonKey
	}
	payload, err := json.Marshal(map[string]any{
		"config": map[string]any{
			"postgres_changes": []change{spec},
		},
		"access_token": token,
	})
	if err != nil {
		return err
	}
	return r.send(phoenix{Topic: ch.topic, Event: "phx_join", Payload: payload})
}

func (r *Realtime) send(msg phoenix) error {
	r.mu.Lock()
	conn := r.conn
	r.ref++
	msg.Ref = strconv.Itoa(r.ref)
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("realtime not connected")
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}

func (r *Realtime) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(r.config.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.mu.Lock()
			current := r.conn == conn
			r.mu.Unlock()
			if !current {
				return
			}
			if err := r.send(phoenix{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage(`{}`)}); err != nil {
				r.logger.Warn("heartbeat failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func (r *Realtime) readLoop(conn *websocket.Conn) {
	for {
		var msg phoenix
		if err := conn.ReadJSON(&msg); err != nil {
			r.reconnect(conn, err)
			return
		}
		switch msg.Event {
		case "postgres_changes":
			r.dispatch(msg)
		case "phx_reply":
			var reply struct {
				Status   string          `json:"status"`
				Response json.RawMessage `json:"response"`
			}
			if json.Unmarshal(msg.Payload, &reply) == nil && reply.Status != "ok" {
				r.logger.Warn("realtime join rejected", map[string]interface{}{
					"topic":    msg.Topic,
					"response": string(reply.Response),
				})
			}
		case "phx_error", "phx_close":
			r.logger.Warn("realtime channel closed", map[string]interface{}{"topic": msg.Topic, "event": msg.Event})
		}
	}
}

func (r *Realtime) dispatch(msg phoenix) {
	r.mu.Lock()
	ch, ok := r.channels[msg.Topic]
	r.mu.Unlock()
	if !ok {
		return
	}

	var p changePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		r.logger.Warn("malformed realtime payload", map[string]interface{}{"topic": msg.Topic, "error": err.Error()})
		return
	}
	change := backend.Change{
		Type:       backend.ChangeType(strings.ToUpper(p.Data.Type)),
		Collection: ch.collection,
		Record:     p.Data.Record,
		OldRecord:  p.Data.OldRecord,
	}
	if ts, err := time.Parse(time.RFC3339Nano, p.Data.CommitTimestamp); err == nil {
		change.CommitTimestamp = ts
	}

	row := change.Record
	if change.Type == backend.ChangeDelete {
		row = change.OldRecord
	}
	// Deletes only carry the primary key unless replica identity is full.
	if change.Type != backend.ChangeDelete && !ch.filter.Match(row) {
		return
	}
	ch.fn(change)
}

// reconnect redials with exponential backoff and rejoins every channel.
func (r *Realtime) reconnect(old *websocket.Conn, cause error) {
	_ = old.Close()

	r.mu.Lock()
	if r.closed || r.conn != old {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	r.mu.Unlock()

	r.logger.Warn("realtime connection lost", map[string]interface{}{"error": cause.Error()})

	backoff := time.Second
	for {
		select {
		case <-r.done:
			return
		case <-time.After(backoff):
		}

		conn, err := r.dial(context.Background())
		if err != nil {
			backoff *= 2
			if backoff > r.config.MaxBackoff {
				backoff = r.config.MaxBackoff
			}
			continue
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = conn.Close()
			return
		}
		r.conn = conn
		channels := make([]*channel, 0, len(r.channels))
		for _, ch := range r.channels {
			channels = append(channels, ch)
		}
		r.mu.Unlock()

		go r.readLoop(conn)
		go r.heartbeatLoop(conn)
		for _, ch := range channels {
			if err := r.join(ch); err != nil {
				r.logger.Warn("realtime rejoin failed", map[string]interface{}{"topic": ch.topic, "error": err.Error()})
			}
		}
		r.logger.Info("realtime reconnected", map[string]interface{}{"channels": len(channels)})
		return
	}
}
