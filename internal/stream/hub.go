package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/catalogmirror/banner-scrape/internal/domain"
	"github.com/catalogmirror/banner-scrape/internal/events"
	"github.com/catalogmirror/banner-scrape/internal/metrics"
	"github.com/gorilla/websocket"
)

// SnapshotLimit bounds the AuditLog stream's initial snapshot; ScrapeJobs
// has no limit since the table only ever holds outstanding work.
const SnapshotLimit = 200

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// JobSnapshotStore is the subset of postgres.JobStore a subscription's
// initial snapshot is built from.
type JobSnapshotStore interface {
	ListActive(ctx context.Context) ([]*domain.ScrapeJob, error)
}

// AuditSnapshotStore is the subset of postgres.CourseStore an AuditLog
// subscription's initial snapshot is built from.
type AuditSnapshotStore interface {
	ListRecentAudits(ctx context.Context, limit int) ([]domain.AuditEntry, error)
}

// Hub owns the EventBus subscription lifecycle for every connected socket.
// Construct one per process and call ServeWS per upgraded request. Run
// must be started once to drive the computed-stats background task.
type Hub struct {
	bus      *events.Bus
	jobs     JobSnapshotStore
	audits   AuditSnapshotStore
	computed *computedTask
	log      *slog.Logger
	now      func() time.Time
}

func NewHub(bus *events.Bus, jobs JobSnapshotStore, audits AuditSnapshotStore, subj ComputedSubjectStore, log *slog.Logger) *Hub {
	log = log.With("component", "stream_hub")
	return &Hub{
		bus:      bus,
		jobs:     jobs,
		audits:   audits,
		computed: newComputedTask(bus, jobs, audits, subj, log),
		log:      log,
		now:      time.Now,
	}
}

// Run drives the computed-stats background task until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	h.computed.run(ctx)
}

// subscription is one active stream subscription on a connection.
type subscription struct {
	id          string
	stream      StreamName
	jobsF       ScrapeJobsFilter
	auditF      AuditLogFilter
	computedF   ComputedFilter
	knownIDs    map[int64]bool // scrape_jobs only
}

// connection is one upgraded WebSocket, with its own EventBus cursor and
// subscription set.
type connection struct {
	hub  *Hub
	ws   *websocket.Conn
	log  *slog.Logger
	send chan ServerMessage

	mu   sync.Mutex
	subs map[string]*subscription

	cursor uint64
	bsub   *events.Subscription
}

// ServeWS upgrades r into a WebSocket and runs the connection until it
// closes or ctx is canceled.
func (h *Hub) ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	metrics.EventBusSubscribersGauge.Inc()
	defer metrics.EventBusSubscribersGauge.Dec()

	cursor, bsub := h.bus.Subscribe()
	c := &connection{
		hub:    h,
		ws:     ws,
		log:    h.log,
		send:   make(chan ServerMessage, 64),
		subs:   make(map[string]*subscription),
		cursor: cursor,
		bsub:   bsub,
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	incoming := make(chan ClientMessage)
	go c.readPump(connCtx, cancel, incoming)
	go c.writePump(connCtx)

	c.send <- readyMessage()
	c.run(connCtx, incoming)
}

func (c *connection) readPump(ctx context.Context, cancel context.CancelFunc, incoming chan<- ClientMessage) {
	defer cancel()
	c.ws.SetReadLimit(1 << 20)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			select {
			case c.send <- errorMessage("", ErrInvalidMessage, "malformed message"):
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case incoming <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) run(ctx context.Context, incoming <-chan ClientMessage) {
	defer close(c.send)
	defer c.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-incoming:
			c.handleClientMessage(ctx, msg)
		case <-c.bsub.Changed():
			c.drainEvents(ctx)
		}
	}
}

func (c *connection) handleClientMessage(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case clientSubscribe:
		c.handleSubscribe(ctx, msg)
	case clientModify:
		c.handleModify(ctx, msg)
	case clientUnsubscribe:
		c.handleUnsubscribe(msg)
	case clientPing:
		c.send <- pongMessage(msg.RequestID, msg.Timestamp)
	default:
		c.send <- errorMessage(msg.RequestID, ErrInvalidMessage, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (c *connection) handleSubscribe(ctx context.Context, msg ClientMessage) {
	if msg.Stream != StreamScrapeJobs && msg.Stream != StreamAuditLog && msg.Stream != StreamComputed {
		c.send <- errorMessage(msg.RequestID, ErrInvalidMessage, fmt.Sprintf("unknown stream %q", msg.Stream))
		return
	}
	filter, err := parseFilter(msg.Stream, msg.Filter)
	if err != nil {
		c.send <- errorMessage(msg.RequestID, ErrInvalidFilter, err.Error())
		return
	}

	id := msg.SubscriptionID
	if id == "" {
		id = fmt.Sprintf("sub-%d", time.Now().UnixNano())
	}
	sub := &subscription{id: id, stream: msg.Stream, knownIDs: make(map[int64]bool)}
	c.applyFilter(sub, filter)

	snapshot, err := c.buildSnapshot(ctx, sub, true)
	if err != nil {
		c.log.Error("snapshot build failed", "stream", msg.Stream, "error", err)
		c.send <- errorMessage(msg.RequestID, ErrInternalError, "failed to build snapshot")
		return
	}

	c.mu.Lock()
	c.subs[id] = sub
	c.mu.Unlock()

	c.send <- subscribedMessage(msg.RequestID, id, msg.Stream)
	c.send <- snapshotMessage(id, snapshot)
}

func (c *connection) handleModify(ctx context.Context, msg ClientMessage) {
	c.mu.Lock()
	sub, ok := c.subs[msg.SubscriptionID]
	c.mu.Unlock()
	if !ok {
		c.send <- errorMessage(msg.RequestID, ErrUnknownSubscription, "no such subscription")
		return
	}

	filter, err := parseFilter(sub.stream, msg.Filter)
	if err != nil {
		c.send <- errorMessage(msg.RequestID, ErrInvalidFilter, err.Error())
		return
	}
	if sub.stream == StreamComputed {
		c.hub.computed.unsubscribe(sub.computedF.Kind)
	}
	c.applyFilter(sub, filter)
	sub.knownIDs = make(map[int64]bool)

	snapshot, err := c.buildSnapshot(ctx, sub, true)
	if err != nil {
		c.log.Error("snapshot rebuild failed", "stream", sub.stream, "error", err)
		c.send <- errorMessage(msg.RequestID, ErrInternalError, "failed to rebuild snapshot")
		return
	}

	c.send <- modifiedMessage(msg.RequestID, sub.id)
	c.send <- snapshotMessage(sub.id, snapshot)
}

func (c *connection) handleUnsubscribe(msg ClientMessage) {
	c.mu.Lock()
	sub, ok := c.subs[msg.SubscriptionID]
	if ok {
		delete(c.subs, msg.SubscriptionID)
	}
	c.mu.Unlock()

	if !ok {
		c.send <- errorMessage(msg.RequestID, ErrUnknownSubscription, "no such subscription")
		return
	}
	if sub.stream == StreamComputed {
		c.hub.computed.unsubscribe(sub.computedF.Kind)
	}
	c.send <- unsubscribedMessage(msg.RequestID, msg.SubscriptionID)
}

// closeAll drops every subscription on the connection, releasing any
// computed-stream refcounts, on disconnect.
func (c *connection) closeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		if sub.stream == StreamComputed {
			c.hub.computed.unsubscribe(sub.computedF.Kind)
		}
	}
}

func (c *connection) applyFilter(sub *subscription, filter any) {
	switch f := filter.(type) {
	case ScrapeJobsFilter:
		sub.jobsF = f
	case AuditLogFilter:
		sub.auditF = f
	case ComputedFilter:
		sub.computedF = f
	}
}

// buildSnapshot computes sub's initial or resynced value. viaSubscribe
// must be true only on a brand-new Subscribe/Modify call, since it's the
// signal that registers a fresh computed-stream refcount; a lag-triggered
// resync passes false to read the existing value without re-registering.
func (c *connection) buildSnapshot(ctx context.Context, sub *subscription, viaSubscribe bool) (any, error) {
	switch sub.stream {
	case StreamScrapeJobs:
		jobs, err := c.hub.jobs.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		now := c.hub.now()
		out := make([]*domain.ScrapeJob, 0, len(jobs))
		for _, j := range jobs {
			if matchJobSnapshot(j, now, sub.jobsF) {
				sub.knownIDs[j.ID] = true
				out = append(out, j)
			}
		}
		return out, nil
	case StreamAuditLog:
		entries, err := c.hub.audits.ListRecentAudits(ctx, SnapshotLimit)
		if err != nil {
			return nil, err
		}
		out := make([]domain.AuditEntry, 0, len(entries))
		for _, e := range entries {
			if matchAuditLog(e, sub.auditF) {
				out = append(out, e)
			}
		}
		return out, nil
	case StreamComputed:
		if viaSubscribe {
			return c.hub.computed.subscribe(ctx, sub.computedF.Kind)
		}
		return c.hub.computed.currentValue(ctx, sub.computedF.Kind)
	default:
		return nil, fmt.Errorf("unknown stream %q", sub.stream)
	}
}

// drainEvents reads every event published since cursor and fans it out to
// matching subscriptions; a lagged cursor triggers a full resync instead —
// a subscriber that falls behind the ring buffer discards its cursor and
// resnapshots every active subscription.
func (c *connection) drainEvents(ctx context.Context) {
	if c.hub.bus.Lagged(c.cursor) {
		c.resyncAll(ctx)
		return
	}

	for {
		ev, ok := c.hub.bus.Read(c.cursor)
		if !ok {
			break
		}
		c.cursor++
		c.dispatch(ev)
	}
}

func (c *connection) resyncAll(ctx context.Context) {
	c.log.Warn("stream subscriber lagged, resyncing")
	c.cursor = c.hub.bus.Head()

	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.knownIDs = make(map[int64]bool)
		snapshot, err := c.buildSnapshot(ctx, sub, false)
		if err != nil {
			c.log.Error("resync snapshot failed", "stream", sub.stream, "error", err)
			c.send <- errorMessage("", ErrInternalError, "resync failed")
			continue
		}
		c.send <- snapshotMessage(sub.id, snapshot)
	}
}

func (c *connection) dispatch(ev domain.DomainEvent) {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	switch ev.Kind {
	case domain.EventComputedUpdate:
		if ev.Computed == nil {
			return
		}
		for _, sub := range subs {
			if sub.stream == StreamComputed && sub.computedF.Kind == ev.Computed.Kind {
				c.send <- deltaMessage(sub.id, ev.Computed.Value)
			}
		}
	case domain.EventAuditLogEntries:
		if ev.AuditLog == nil {
			return
		}
		for _, sub := range subs {
			if sub.stream != StreamAuditLog {
				continue
			}
			var matched []domain.AuditEntry
			for _, e := range ev.AuditLog.Entries {
				if matchAuditLog(e, sub.auditF) {
					matched = append(matched, e)
				}
			}
			if len(matched) > 0 {
				c.send <- deltaMessage(sub.id, matched)
			}
		}
	default:
		if ev.ScrapeJob == nil {
			return
		}
		for _, sub := range subs {
			if sub.stream != StreamScrapeJobs {
				continue
			}
			if c.deliverScrapeJobEvent(sub, ev) {
				c.send <- deltaMessage(sub.id, ev)
			}
		}
	}
}

// deliverScrapeJobEvent implements the known_ids delivery rule: Created
// delivers (and registers) only on a filter match; terminal events
// (Completed/Deleted) deliver iff the id was already known, then evict it;
// the remaining in-flight transitions deliver if already known or newly
// matching, and register the id either way.
func (c *connection) deliverScrapeJobEvent(sub *subscription, ev domain.DomainEvent) bool {
	id := ev.ScrapeJob.ID

	switch ev.Kind {
	case domain.EventScrapeJobCreated:
		if !matchScrapeJob(ev.ScrapeJob, sub.jobsF) {
			return false
		}
		sub.knownIDs[id] = true
		return true
	case domain.EventScrapeJobCompleted, domain.EventScrapeJobDeleted:
		if !sub.knownIDs[id] {
			return false
		}
		delete(sub.knownIDs, id)
		return true
	default: // Locked, Retried, Exhausted
		if sub.knownIDs[id] {
			return true
		}
		if matchScrapeJob(ev.ScrapeJob, sub.jobsF) {
			sub.knownIDs[id] = true
			return true
		}
		return false
	}
}
