// Package bus fans target deltas and formation detections out to websocket
// subscribers. The hub keeps a bidirectional client/target subscription
// graph; each client drains through a bounded queue and one writer, so a
// slow or dead client costs one disconnect, never a stalled publisher.
package bus

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/formation.report/internal/cache"
	"github.com/banshee-data/formation.report/internal/formation"
	"github.com/banshee-data/formation.report/internal/monitoring"
)

// Outbound message types.
const (
	TypeTargetUpdate      = "TARGET_UPDATE"
	TypeFormationDetected = "FORMATION_DETECTED"
	TypeSubscribeConfirm  = "SUBSCRIBE_CONFIRM"
	TypeInitialState      = "INITIAL_STATE"
	TypePong              = "PONG"
	TypeDeltaResponse     = "DELTA_RESPONSE"
	TypeLatestFormations  = "LATEST_FORMATIONS"
	TypeError             = "ERROR"
)

// Inbound message types.
const (
	TypeSubscribe   = "SUBSCRIBE"
	TypeUnsubscribe = "UNSUBSCRIBE"
	TypePing        = "PING"
	TypeGetDelta    = "GET_DELTA"
	TypeGetLatest   = "GET_LATEST"
)

// DefaultQueueSize bounds each client's outbound queue.
const DefaultQueueSize = 64

// Message is one JSON frame in either direction.
type Message struct {
	Type          string           `json:"type"`
	TargetID      string           `json:"target_id,omitempty"`
	TargetIDs     []string         `json:"target_ids,omitempty"`
	SinceVersions map[string]int64 `json:"since_versions,omitempty"`
	Count         int              `json:"count,omitempty"`
	Data          any              `json:"data,omitempty"`
	Error         string           `json:"error,omitempty"`
	Timestamp     time.Time        `json:"timestamp,omitempty"`
}

// Conn is the slice of a websocket connection the hub uses. Satisfied by
// *websocket.Conn.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// DeltaSource answers GET_DELTA requests. Satisfied by *cache.TargetCache.
type DeltaSource interface {
	DeltaSince(targetID string, sinceVersion int64, limit int) ([]cache.DeltaEvent, error)
}

// StateSource answers INITIAL_STATE snapshots. Satisfied by
// *cache.TargetCache.
type StateSource interface {
	GetBatch(targetIDs []string) (map[string]*cache.CachedTarget, error)
}

// FormationSource answers GET_LATEST requests. Satisfied by
// *formation.Store.
type FormationSource interface {
	Latest(n int) ([]*formation.Formation, error)
}

// Client is one connected subscriber.
type Client struct {
	ID string

	hub  *Hub
	conn Conn
	send chan Message
	once sync.Once
	done chan struct{}
}

// Hub is the subscription registry and fan-out point.
type Hub struct {
	deltas     DeltaSource
	states     StateSource
	formations FormationSource
	queueSize  int

	mu           sync.RWMutex
	clients      map[string]*Client
	subsByClient map[string]map[string]struct{}
	subsByTarget map[string]map[string]struct{}

	sent    atomic.Int64
	dropped atomic.Int64
}

// Option configures a Hub.
type Option func(*Hub)

func WithQueueSize(n int) Option { return func(h *Hub) { h.queueSize = n } }

func WithDeltaSource(s DeltaSource) Option { return func(h *Hub) { h.deltas = s } }

func WithStateSource(s StateSource) Option { return func(h *Hub) { h.states = s } }

func WithFormationSource(s FormationSource) Option { return func(h *Hub) { h.formations = s } }

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		queueSize:    DefaultQueueSize,
		clients:      make(map[string]*Client),
		subsByClient: make(map[string]map[string]struct{}),
		subsByTarget: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register attaches a connection under a client id, replacing any previous
// connection with that id, and starts the client's writer.
func (h *Hub) Register(clientID string, conn Conn) *Client {
	c := &Client{
		ID:   clientID,
		hub:  h,
		conn: conn,
		send: make(chan Message, h.queueSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if old, ok := h.clients[clientID]; ok {
		old.shutdown()
	}
	h.clients[clientID] = c
	h.mu.Unlock()

	go c.writePump()
	monitoring.Logf("bus: client %s connected", clientID)
	return c
}

// Unregister drops a client and its subscriptions. Unknown ids are a no-op.
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
		h.removeSubscriptionsLocked(clientID)
	}
	h.mu.Unlock()

	if ok {
		c.shutdown()
		monitoring.Logf("bus: client %s disconnected", clientID)
	}
}

func (h *Hub) removeSubscriptionsLocked(clientID string) {
	for tid := range h.subsByClient[clientID] {
		delete(h.subsByTarget[tid], clientID)
		if len(h.subsByTarget[tid]) == 0 {
			delete(h.subsByTarget, tid)
		}
	}
	delete(h.subsByClient, clientID)
}

// Subscribe adds target subscriptions for a client.
func (h *Hub) Subscribe(clientID string, targetIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[clientID]; !ok {
		return
	}
	subs := h.subsByClient[clientID]
	if subs == nil {
		subs = make(map[string]struct{})
		h.subsByClient[clientID] = subs
	}
	for _, tid := range targetIDs {
		subs[tid] = struct{}{}
		byTarget := h.subsByTarget[tid]
		if byTarget == nil {
			byTarget = make(map[string]struct{})
			h.subsByTarget[tid] = byTarget
		}
		byTarget[clientID] = struct{}{}
	}
}

// Unsubscribe removes target subscriptions for a client.
func (h *Hub) Unsubscribe(clientID string, targetIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subsByClient[clientID]
	for _, tid := range targetIDs {
		delete(subs, tid)
		delete(h.subsByTarget[tid], clientID)
		if len(h.subsByTarget[tid]) == 0 {
			delete(h.subsByTarget, tid)
		}
	}
	if len(subs) == 0 {
		delete(h.subsByClient, clientID)
	}
}

// Subscriptions returns the sorted target ids a client subscribes to.
func (h *Hub) Subscriptions(clientID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.subsByClient[clientID]))
	for tid := range h.subsByClient[clientID] {
		out = append(out, tid)
	}
	sort.Strings(out)
	return out
}

// subscribersOf snapshots the clients subscribed to a target so sends never
// hold the registry lock.
func (h *Hub) subscribersOf(targetID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.subsByTarget[targetID]))
	for cid := range h.subsByTarget[targetID] {
		if c, ok := h.clients[cid]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) allClients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// PublishTargetUpdate sends a delta to the target's subscribers. Callers
// publish in version order per target; the per-client queue preserves it.
func (h *Hub) PublishTargetUpdate(targetID string, delta *cache.DeltaEvent) {
	msg := Message{
		Type:      TypeTargetUpdate,
		TargetID:  targetID,
		Data:      delta,
		Timestamp: time.Now(),
	}
	for _, c := range h.subscribersOf(targetID) {
		h.enqueue(c, msg)
	}
}

// BroadcastFormation sends a detected formation to every connected client.
// Call only after the formation is durably stored.
func (h *Hub) BroadcastFormation(f *formation.Formation) {
	msg := Message{
		Type:      TypeFormationDetected,
		Data:      f,
		Timestamp: time.Now(),
	}
	for _, c := range h.allClients() {
		h.enqueue(c, msg)
	}
}

// enqueue hands a message to the client's writer. A full queue means the
// client cannot drain; it is disconnected rather than blocking the
// publisher.
func (h *Hub) enqueue(c *Client, msg Message) {
	select {
	case c.send <- msg:
		h.sent.Add(1)
	default:
		h.dropped.Add(1)
		monitoring.Errorf("bus: client %s queue full, disconnecting", c.ID)
		h.Unregister(c.ID)
	}
}

// Stats is the /ws/status surface.
type Stats struct {
	Clients           int            `json:"clients"`
	SubscribedTargets int            `json:"subscribed_targets"`
	Subscriptions     map[string]int `json:"subscriptions"`
	MessagesSent      int64          `json:"messages_sent"`
	MessagesDropped   int64          `json:"messages_dropped"`
}

// Stats snapshots the hub.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := make(map[string]int, len(h.subsByClient))
	for cid, set := range h.subsByClient {
		subs[cid] = len(set)
	}
	return Stats{
		Clients:           len(h.clients),
		SubscribedTargets: len(h.subsByTarget),
		Subscriptions:     subs,
		MessagesSent:      h.sent.Load(),
		MessagesDropped:   h.dropped.Load(),
	}
}

// HandleMessage dispatches one inbound frame from a client.
func (h *Hub) HandleMessage(c *Client, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.enqueue(c, Message{Type: TypeError, Error: fmt.Sprintf("bad frame: %v", err), Timestamp: time.Now()})
		return
	}

	switch msg.Type {
	case TypeSubscribe:
		h.Subscribe(c.ID, msg.TargetIDs)
		h.enqueue(c, Message{Type: TypeSubscribeConfirm, TargetIDs: h.Subscriptions(c.ID), Timestamp: time.Now()})
		h.sendInitialState(c, msg.TargetIDs)
	case TypeUnsubscribe:
		h.Unsubscribe(c.ID, msg.TargetIDs)
		h.enqueue(c, Message{Type: TypeSubscribeConfirm, TargetIDs: h.Subscriptions(c.ID), Timestamp: time.Now()})
	case TypePing:
		h.enqueue(c, Message{Type: TypePong, Timestamp: time.Now()})
	case TypeGetDelta:
		h.sendDeltas(c, msg.SinceVersions)
	case TypeGetLatest:
		h.sendLatest(c, msg.Count)
	default:
		h.enqueue(c, Message{Type: TypeError, Error: fmt.Sprintf("unknown type %q", msg.Type), Timestamp: time.Now()})
	}
}

func (h *Hub) sendInitialState(c *Client, targetIDs []string) {
	if h.states == nil || len(targetIDs) == 0 {
		return
	}
	batch, err := h.states.GetBatch(targetIDs)
	if err != nil {
		h.enqueue(c, Message{Type: TypeError, Error: err.Error(), Timestamp: time.Now()})
		return
	}
	h.enqueue(c, Message{Type: TypeInitialState, Data: batch, Timestamp: time.Now()})
}

func (h *Hub) sendDeltas(c *Client, sinceVersions map[string]int64) {
	if h.deltas == nil {
		h.enqueue(c, Message{Type: TypeError, Error: "delta source unavailable", Timestamp: time.Now()})
		return
	}
	out := make(map[string][]cache.DeltaEvent, len(sinceVersions))
	for tid, since := range sinceVersions {
		events, err := h.deltas.DeltaSince(tid, since, 0)
		if err != nil {
			h.enqueue(c, Message{Type: TypeError, TargetID: tid, Error: err.Error(), Timestamp: time.Now()})
			return
		}
		out[tid] = events
	}
	h.enqueue(c, Message{Type: TypeDeltaResponse, Data: out, Timestamp: time.Now()})
}

func (h *Hub) sendLatest(c *Client, count int) {
	if h.formations == nil {
		h.enqueue(c, Message{Type: TypeError, Error: "formation source unavailable", Timestamp: time.Now()})
		return
	}
	if count <= 0 {
		count = 10
	}
	fs, err := h.formations.Latest(count)
	if err != nil {
		h.enqueue(c, Message{Type: TypeError, Error: err.Error(), Timestamp: time.Now()})
		return
	}
	h.enqueue(c, Message{Type: TypeLatestFormations, Data: fs, Timestamp: time.Now()})
}

// writePump drains the client's queue to the connection. The first write
// failure disconnects the client.
func (c *Client) writePump() {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteJSON(msg); err != nil {
				monitoring.Errorf("bus: write to %s failed: %v", c.ID, err)
				c.hub.Unregister(c.ID)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request, registers the client, and pumps inbound
// frames until the connection drops.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, clientID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Errorf("bus: upgrade for %s failed: %v", clientID, err)
		return
	}

	c := h.Register(clientID, conn)
	defer h.Unregister(clientID)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.HandleMessage(c, data)
	}
}
