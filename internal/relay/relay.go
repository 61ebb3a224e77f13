// Package relay implements the outbound Nostr relay transport (the
// multiplexer's C9 Relay Transport): a pool of websocket connections, one per
// configured relay, that frame events using the REQ/EVENT/CLOSE protocol and
// fan inbound events into channels the router and upstream adapter read.
// Reconnection with backoff is this package's responsibility; callers only
// see a channel that may stop delivering if every relay connection is down.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-tech/walletmux/internal/nwc"
	"github.com/klingon-tech/walletmux/pkg/logging"
)

// Filter selects events for a subscription, mirroring the subset of the
// Nostr REQ filter object this protocol needs.
type Filter struct {
	Kinds   []int    `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
	PTags   []string `json:"#p,omitempty"`
	ETags   []string `json:"#e,omitempty"`
	Since   *int64   `json:"since,omitempty"`
}

const (
	dialTimeout     = 10 * time.Second
	reconnectMinDur = 1 * time.Second
	reconnectMaxDur = 30 * time.Second
	writeTimeout    = 10 * time.Second
)

// Pool manages a websocket connection to every configured relay and presents
// them as a single publish/subscribe surface.
type Pool struct {
	log   *logging.Logger
	conns []*relayConn

	mu   sync.RWMutex
	subs map[string]*subscription // subID -> subscription
}

type subscription struct {
	filter Filter
	out    chan *nwc.Event
}

// NewPool dials a relayConn (lazily, with its own reconnect loop) for every
// url in urls and returns a Pool immediately; connections happen in the
// background.
func NewPool(ctx context.Context, urls []string, log *logging.Logger) *Pool {
	if log == nil {
		log = logging.GetDefault()
	}
	p := &Pool{
		log:  log.Component("relay"),
		subs: make(map[string]*subscription),
	}
	for _, u := range urls {
		rc := newRelayConn(u, p)
		p.conns = append(p.conns, rc)
		go rc.run(ctx)
	}
	return p
}

// Subscribe opens a subscription against every connected relay with the
// given filter and returns a channel of inbound events plus a cancel
// function. Events are not deduplicated: an event received from several
// relays is delivered once per relay. The returned channel is closed once
// cancel is called.
func (p *Pool) Subscribe(filter Filter) (<-chan *nwc.Event, func()) {
	subID := fmt.Sprintf("sub-%d", time.Now().UnixNano())
	sub := &subscription{filter: filter, out: make(chan *nwc.Event, 256)}

	p.mu.Lock()
	p.subs[subID] = sub
	p.mu.Unlock()

	for _, rc := range p.conns {
		rc.subscribe(subID, filter)
	}

	cancel := func() {
		p.mu.Lock()
		delete(p.subs, subID)
		p.mu.Unlock()
		for _, rc := range p.conns {
			rc.unsubscribe(subID)
		}
		close(sub.out)
	}
	return sub.out, cancel
}

// Publish sends an event to every connected relay. It returns the first
// error encountered, if any, but still attempts all relays.
func (p *Pool) Publish(ctx context.Context, event *nwc.Event) error {
	var firstErr error
	published := false
	for _, rc := range p.conns {
		if err := rc.publish(ctx, event); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		published = true
	}
	if !published {
		if firstErr == nil {
			firstErr = fmt.Errorf("relay: no connected relays")
		}
		return firstErr
	}
	return nil
}

// dispatch fans an inbound event out to every subscription whose filter it
// matches.
func (p *Pool) dispatch(event *nwc.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, sub := range p.subs {
		if !matches(sub.filter, event) {
			continue
		}
		select {
		case sub.out <- event:
		default:
			p.log.Warn("subscriber channel full, dropping event", "event_id", event.ID)
		}
	}
}

func matches(f Filter, e *nwc.Event) bool {
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsStr(f.Authors, e.PubKey) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if len(f.PTags) > 0 && !anyTagMatches(e, "p", f.PTags) {
		return false
	}
	if len(f.ETags) > 0 && !anyTagMatches(e, "e", f.ETags) {
		return false
	}
	return true
}

func anyTagMatches(e *nwc.Event, name string, want []string) bool {
	for _, tag := range e.Tags {
		if len(tag) < 2 || tag[0] != name {
			continue
		}
		if containsStr(want, tag[1]) {
			return true
		}
	}
	return false
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func containsStr(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// relayConn is a single reconnecting websocket connection to one relay url.
type relayConn struct {
	url  string
	pool *Pool
	log  *logging.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	active  map[string]Filter // subID -> filter, replayed on reconnect
}

func newRelayConn(url string, pool *Pool) *relayConn {
	return &relayConn{
		url:    url,
		pool:   pool,
		log:    pool.log.With("relay", url),
		active: make(map[string]Filter),
	}
}

// run dials the relay and keeps reconnecting with exponential backoff until
// ctx is canceled (grounded on the teacher's watchConnections reconnect
// loop).
func (rc *relayConn) run(ctx context.Context) {
	backoff := reconnectMinDur
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := rc.connectAndRead(ctx); err != nil {
			rc.log.Warn("relay connection dropped", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMaxDur {
			backoff = reconnectMaxDur
		}
	}
}

func (rc *relayConn) connectAndRead(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, rc.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	rc.mu.Lock()
	rc.conn = conn
	active := make(map[string]Filter, len(rc.active))
	for id, f := range rc.active {
		active[id] = f
	}
	rc.mu.Unlock()

	for id, f := range active {
		if err := writeREQ(conn, id, f); err != nil {
			rc.log.Warn("failed to replay subscription on reconnect", "sub_id", id, "error", err)
		}
	}

	rc.log.Info("connected to relay")
	defer func() {
		rc.mu.Lock()
		if rc.conn == conn {
			rc.conn = nil
		}
		rc.mu.Unlock()
		conn.Close()
	}()

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		rc.handleMessage(raw)
	}
}

func (rc *relayConn) handleMessage(raw json.RawMessage) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) < 2 {
		return
	}
	var msgType string
	if err := json.Unmarshal(frame[0], &msgType); err != nil {
		return
	}

	switch msgType {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		var event nwc.Event
		if err := json.Unmarshal(frame[2], &event); err != nil {
			rc.log.Debug("failed to unmarshal event", "error", err)
			return
		}
		rc.pool.dispatch(&event)
	case "NOTICE":
		var notice string
		_ = json.Unmarshal(frame[1], &notice)
		rc.log.Debug("relay notice", "notice", notice)
	}
}

func (rc *relayConn) subscribe(subID string, filter Filter) {
	rc.mu.Lock()
	rc.active[subID] = filter
	conn := rc.conn
	rc.mu.Unlock()

	if conn == nil {
		return
	}
	if err := writeREQ(conn, subID, filter); err != nil {
		rc.log.Warn("failed to send subscription", "sub_id", subID, "error", err)
	}
}

func (rc *relayConn) unsubscribe(subID string) {
	rc.mu.Lock()
	delete(rc.active, subID)
	conn := rc.conn
	rc.mu.Unlock()

	if conn == nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON([]interface{}{"CLOSE", subID})
}

func (rc *relayConn) publish(ctx context.Context, event *nwc.Event) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("relay %s: not connected", rc.url)
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON([]interface{}{"EVENT", event})
}

func writeREQ(conn *websocket.Conn, subID string, filter Filter) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON([]interface{}{"REQ", subID, filter})
}
