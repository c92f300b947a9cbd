// Package server coordinates client registration, room membership, command
// handling and fan-out for the chat relay via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/metrics"
	"github.com/Tyrowin/roomchat/internal/registry"
)

type inboundFrame struct {
	client *Client
	data   []byte
}

// HubStats is a point-in-time view of the hub's membership.
type HubStats struct {
	Connections int `json:"connections"`
	Joined      int `json:"joined"`
	Rooms       int `json:"rooms"`
}

// Hub owns the registry and processes every register, close and inbound frame
// on a single goroutine. Each event, including the broadcasts it causes, is
// handled under the hub mutex before the next one starts.
type Hub struct {
	cfg        Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	registry   *registry.Registry
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	inbound    chan inboundFrame
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a Hub with an empty registry. Run must be started before
// clients are registered.
func NewHub(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		registry:   registry.New(),
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundFrame),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Register hands a new client to the hub, which starts its pumps.
// It returns false if the hub is shutting down.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Run starts the hub's event loop. It blocks until Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("received nil client registration; skipping")
				continue
			}
			h.handleRegister(client)
			h.startPumps(client)

		case client := <-h.unregister:
			h.handleClose(client)

		case frame := <-h.inbound:
			h.handleFrame(frame.client, frame.data)
		}
	}
}

func (h *Hub) startPumps(client *Client) {
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

func (h *Hub) handleRegister(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	client.closed = false
	h.clients[client] = struct{}{}
	h.refreshGauges()

	h.logger.Info("client connected",
		zap.Stringer("conn_id", client.id),
		zap.String("remote_addr", client.addr),
		zap.Int("clients", len(h.clients)))
}

// handleClose removes a client and refreshes the roster of the room it was
// in. Repeated closes for the same client are ignored.
func (h *Hub) handleClose(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.closed = true
	close(client.send)

	room, joined := h.registry.RemoveByHandle(client.id)
	if joined {
		h.broadcastRoomUsers(room)
	}
	h.refreshGauges()

	h.logger.Info("client disconnected",
		zap.Stringer("conn_id", client.id),
		zap.String("remote_addr", client.addr),
		zap.String("room", room),
		zap.Int("clients", len(h.clients)))
}

func (h *Hub) handleFrame(client *Client, data []byte) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.logger.Debug("invalid frame",
			zap.Stringer("conn_id", client.id),
			zap.Error(err))
		h.metrics.CommandsTotal.WithLabelValues("invalid", metrics.ResultRejected).Inc()
		h.sendTo(client, EventError, ErrorPayload{Message: errTextInvalidJSON})
		return
	}

	switch env.Type {
	case CommandJoin:
		h.handleJoin(client, env.Payload)
	case CommandChat:
		h.handleChat(client, env.Payload)
	default:
		h.metrics.CommandsTotal.WithLabelValues("unknown", metrics.ResultRejected).Inc()
		h.sendTo(client, EventError, ErrorPayload{Message: errTextUnsupported})
	}
}

func (h *Hub) handleJoin(client *Client, raw json.RawMessage) {
	var p JoinPayload
	decodePayload(raw, &p)

	room := strings.TrimSpace(p.RoomID)
	name := strings.TrimSpace(p.Username)
	if room == "" || name == "" {
		h.rejectJoin(client, errTextJoinRequired)
		return
	}

	prev, hadPrev := h.registry.FindByHandle(client.id)

	err := h.registry.ReplaceForHandle(client, room, name)
	if err != nil {
		// The prior registration is gone either way; its room sees the departure.
		if hadPrev {
			h.broadcastRoomUsers(prev.Room)
			h.refreshGauges()
		}
		if errors.Is(err, registry.ErrNameTaken) {
			h.rejectJoin(client, errTextNameTaken)
			return
		}
		h.logger.Error("join failed", zap.Stringer("conn_id", client.id), zap.Error(err))
		h.rejectJoin(client, errTextJoinRequired)
		return
	}

	h.metrics.CommandsTotal.WithLabelValues(CommandJoin, metrics.ResultOK).Inc()
	h.refreshGauges()
	h.logger.Info("client joined room",
		zap.Stringer("conn_id", client.id),
		zap.String("room", room),
		zap.String("username", name))

	h.sendTo(client, EventJoinSuccess, JoinSuccessPayload{RoomID: room, Username: name})

	if hadPrev && prev.Room != room {
		h.broadcastRoomUsers(prev.Room)
	}
	h.broadcastRoomUsers(room)
}

func (h *Hub) rejectJoin(client *Client, text string) {
	h.metrics.CommandsTotal.WithLabelValues(CommandJoin, metrics.ResultRejected).Inc()
	h.sendTo(client, EventJoinError, ErrorPayload{Message: text})
}

func (h *Hub) handleChat(client *Client, raw json.RawMessage) {
	sender, ok := h.registry.FindByHandle(client.id)
	if !ok {
		h.rejectChat(client, errTextNotJoined)
		return
	}

	var p ChatPayload
	decodePayload(raw, &p)
	if strings.TrimSpace(p.Message) == "" {
		h.rejectChat(client, errTextEmptyMessage)
		return
	}

	h.metrics.CommandsTotal.WithLabelValues(CommandChat, metrics.ResultOK).Inc()

	// Room and name come from the registry, never from the payload.
	h.broadcast(sender.Room, EventMessage, MessagePayload{
		Username: sender.Name,
		Message:  p.Message,
	})
}

func (h *Hub) rejectChat(client *Client, text string) {
	h.metrics.CommandsTotal.WithLabelValues(CommandChat, metrics.ResultRejected).Inc()
	h.sendTo(client, EventChatError, ErrorPayload{Message: text})
}

// decodePayload leaves v zeroed when raw is missing or malformed so that
// field validation reports the problem.
func decodePayload(raw json.RawMessage, v any) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, v)
}

func (h *Hub) broadcastRoomUsers(room string) {
	h.broadcast(room, EventRoomUsers, RoomUsersPayload{
		RoomID: room,
		Users:  h.registry.NamesInRoom(room),
	})
}

// broadcast delivers one event to every member of room. A failed delivery
// is dropped and the loop moves on.
func (h *Hub) broadcast(room, eventType string, payload any) {
	peers := h.registry.ConnectionsInRoom(room)
	if len(peers) == 0 {
		return
	}

	data, err := encodeEvent(eventType, payload)
	if err != nil {
		h.logger.Error("encode event", zap.String("event", eventType), zap.Error(err))
		return
	}

	h.logger.Debug("broadcasting event",
		zap.String("event", eventType),
		zap.String("room", room),
		zap.Int("recipients", len(peers)))

	for _, peer := range peers {
		h.deliver(peer, eventType, data)
	}
}

func (h *Hub) sendTo(peer registry.Peer, eventType string, payload any) {
	data, err := encodeEvent(eventType, payload)
	if err != nil {
		h.logger.Error("encode event", zap.String("event", eventType), zap.Error(err))
		return
	}
	h.deliver(peer, eventType, data)
}

func (h *Hub) deliver(peer registry.Peer, eventType string, data []byte) {
	if err := peer.Send(data); err != nil {
		h.metrics.SendDropped.Inc()
		h.logger.Warn("dropping event",
			zap.Stringer("conn_id", peer.ID()),
			zap.String("event", eventType),
			zap.Error(err))
		return
	}
	h.metrics.EventsSent.WithLabelValues(eventType).Inc()
}

func (h *Hub) refreshGauges() {
	h.metrics.Connections.Set(float64(len(h.clients)))
	h.metrics.JoinedConnections.Set(float64(h.registry.Len()))
	h.metrics.Rooms.Set(float64(h.registry.RoomCount()))
}

// Stats returns the current connection, joined and room counts.
func (h *Hub) Stats() HubStats {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return HubStats{
		Connections: len(h.clients),
		Joined:      h.registry.Len(),
		Rooms:       h.registry.RoomCount(),
	}
}

// RoomUsers returns the names currently in room, in join order.
func (h *Hub) RoomUsers(room string) []string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return h.registry.NamesInRoom(room)
}

// shutdownClients closes every transport and send queue so both pumps exit.
func (h *Hub) shutdownClients() {
	h.logger.Info("shutting down all client connections")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, client)
		h.registry.RemoveByHandle(client.id)
		client.closed = true
		close(client.send)
	}
	h.refreshGauges()
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.logger.Warn("error closing client connection",
				zap.String("remote_addr", client.addr),
				zap.Error(err))
		}
	}

	h.logger.Info("closed client connections", zap.Int("count", len(clients)))
}

// Shutdown stops the event loop and waits for all client goroutines to finish,
// or returns context.DeadlineExceeded once timeout elapses.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
