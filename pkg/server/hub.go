package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
	"github.com/ZentaChain/zentalk-sync/pkg/storage"
)

const (
	writeWait      = 10 * time.Second
	maxFrameSize   = 2 << 20
	peerSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans frames out to the peers connected to each conversation.
type Hub struct {
	db     *storage.MessageDB
	clock  clock.Clock
	logger *zap.Logger

	mu    sync.RWMutex
	rooms map[string]map[*peer]struct{}

	messagesRelayed atomic.Uint64

	// OnMessageRelayed is called after a message is stored and broadcast.
	OnMessageRelayed func(*protocol.Message)
}

// HubStats reports hub activity.
type HubStats struct {
	Conversations   int    `json:"conversations"`
	Peers           int    `json:"peers"`
	MessagesRelayed uint64 `json:"messagesRelayed"`
}

// peer is one websocket connection joined to a conversation.
type peer struct {
	conn         *websocket.Conn
	conversation string
	fingerprint  protocol.Fingerprint
	send         chan []byte
	closeOnce    sync.Once
	done         chan struct{}
}

func (p *peer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func NewHub(db *storage.MessageDB, clk clock.Clock, logger *zap.Logger) *Hub {
	return &Hub{
		db:     db,
		clock:  clk,
		logger: logger,
		rooms:  make(map[string]map[*peer]struct{}),
	}
}

// handleWebsocket authenticates the upgrade request from its query
// parameters and hands the connection to the hub.
func (s *Server) handleWebsocket(keys map[string]bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(keys) > 0 && !keys[c.Query("x_api_key")] {
			abortWithError(c, http.StatusUnauthorized, CodeAuth, "Invalid API key")
			return
		}

		claims, err := s.tokens.Verify(c.Query("auth_token"))
		if err != nil {
			abortWithError(c, http.StatusUnauthorized, CodeAuth, err.Error())
			return
		}
		if accountID := c.Query("account_id"); accountID != "" && accountID != claims.AccountID {
			abortWithError(c, http.StatusForbidden, CodeForbidden, "account mismatch")
			return
		}

		fp, err := protocol.ParseFingerprint(c.Query("user_id"))
		if err != nil {
			abortWithError(c, http.StatusBadRequest, CodeValidation, err.Error())
			return
		}
		owned, err := s.ownsFingerprint(claims.AccountID, fp)
		if err != nil {
			s.respondError(c, err)
			return
		}
		if !owned {
			abortWithError(c, http.StatusForbidden, CodeForbidden, "identity belongs to another account")
			return
		}

		convID := c.Param("conversationID")
		ok, err := s.db.IsParticipant(convID, fp)
		if err != nil {
			s.respondError(c, err)
			return
		}
		if !ok {
			abortWithError(c, http.StatusForbidden, CodeForbidden, "not a participant")
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		s.hub.Serve(conn, convID, fp)
	}
}

func (s *Server) ownsFingerprint(accountID string, fp protocol.Fingerprint) (bool, error) {
	ids, err := s.db.GetIdentities(accountID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id.Fingerprint == fp {
			return true, nil
		}
	}
	return false, nil
}

// Serve registers the connection and blocks until it closes.
func (h *Hub) Serve(conn *websocket.Conn, conversationID string, fp protocol.Fingerprint) {
	p := &peer{
		conn:         conn,
		conversation: conversationID,
		fingerprint:  fp,
		send:         make(chan []byte, peerSendBuffer),
		done:         make(chan struct{}),
	}
	logger := h.logger.With(
		zap.String("conversation", conversationID),
		zap.String("peer", fp.Short()),
	)

	go h.writeLoop(p, logger)

	h.join(p)
	logger.Debug("peer joined")

	defer func() {
		h.leave(p)
		p.close()
		logger.Debug("peer left")
	}()

	conn.SetReadLimit(maxFrameSize)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("read error", zap.Error(err))
			}
			return
		}
		h.handleFrame(p, raw, logger)
	}
}

// handleFrame dispatches one client frame by type.
func (h *Hub) handleFrame(p *peer, raw []byte, logger *zap.Logger) {
	var f protocol.OutboundFrame
	if err := json.Unmarshal(raw, &f); err != nil || f.Type == "" {
		h.sendTo(p, protocol.ErrorEvent("malformed frame"))
		return
	}

	switch f.Type {
	case protocol.FrameChatMessage:
		if f.Data == nil {
			h.sendTo(p, protocol.ErrorEvent("chat_message without data"))
			return
		}
		f.Data.ConversationID = p.conversation
		if err := h.accept(f.Data, p.fingerprint); err != nil {
			logger.Info("message rejected", zap.Error(err))
			h.sendTo(p, protocol.ErrorEvent(err.Error()))
		}

	case protocol.FrameTyping:
		typing := f.Typing != nil && *f.Typing
		h.broadcast(p.conversation, protocol.TypingEvent(p.fingerprint.String(), typing), p)

	case protocol.FrameMarkRead:
		if err := h.markRead(p, f.MessageID); err != nil {
			logger.Debug("mark_read failed", zap.String("message", f.MessageID), zap.Error(err))
		}

	case protocol.FrameDeleteMessage:
		if err := h.remove(p.conversation, f.MessageID, p.fingerprint); err != nil {
			h.sendTo(p, protocol.ErrorEvent(err.Error()))
		}

	case protocol.FramePing:
		// Keepalive only.

	default:
		logger.Debug("unknown frame type", zap.String("type", string(f.Type)))
		h.sendTo(p, protocol.ErrorEvent(fmt.Sprintf("unknown frame type %q", f.Type)))
	}
}

// accept validates, stores and broadcasts a message from sender.
func (h *Hub) accept(msg *protocol.Message, sender protocol.Fingerprint) error {
	if msg.Sender.IsZero() {
		msg.Sender = sender
	}
	if msg.Sender != sender {
		return fmt.Errorf("%w: sender does not match connection identity", protocol.ErrValidation)
	}
	if msg.Body == "" {
		return fmt.Errorf("%w: empty message body", protocol.ErrValidation)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = h.clock.Now().UnixMilli()
	}
	msg.ReadBy = nil

	if err := h.db.SaveMessage(msg); err != nil {
		return err
	}

	event, err := protocol.MessageEvent(msg)
	if err != nil {
		return err
	}
	h.broadcast(msg.ConversationID, event, nil)

	h.messagesRelayed.Add(1)
	if h.OnMessageRelayed != nil {
		h.OnMessageRelayed(msg)
	}
	return nil
}

// remove deletes a message sent by requester and announces it.
func (h *Hub) remove(conversationID, messageID string, requester protocol.Fingerprint) error {
	msg, err := h.db.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg.ConversationID != conversationID {
		return storage.ErrNotFound
	}
	if _, err := h.db.DeleteMessage(messageID, requester); err != nil {
		return err
	}
	h.broadcast(conversationID, protocol.DeletedEvent(messageID), nil)
	return nil
}

func (h *Hub) markRead(p *peer, messageID string) error {
	msg, err := h.db.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg.ConversationID != p.conversation {
		return storage.ErrNotFound
	}
	return h.db.MarkRead(messageID, p.fingerprint)
}

// join adds p to its room, greets it and announces it to the others.
func (h *Hub) join(p *peer) {
	h.mu.Lock()
	room, ok := h.rooms[p.conversation]
	if !ok {
		room = make(map[*peer]struct{})
		h.rooms[p.conversation] = room
	}
	room[p] = struct{}{}
	// Greet under the lock so no broadcast overtakes the greeting.
	h.sendTo(p, &protocol.InboundFrame{Type: protocol.FrameConnected, Version: protocol.ProtocolVersion})
	h.sendTo(p, protocol.ParticipantsEvent(h.participantsLocked(p.conversation)))
	h.mu.Unlock()

	user := p.fingerprint.String()
	h.broadcast(p.conversation, protocol.MembershipEvent(protocol.FrameUserJoined, user), p)
	h.broadcast(p.conversation, protocol.PresenceEvent(user, protocol.PresenceOnline), p)
}

// leave removes p and, once its identity has no connection left in the
// room, announces the departure.
func (h *Hub) leave(p *peer) {
	h.mu.Lock()
	room := h.rooms[p.conversation]
	delete(room, p)
	stillHere := false
	for other := range room {
		if other.fingerprint == p.fingerprint {
			stillHere = true
			break
		}
	}
	if len(room) == 0 {
		delete(h.rooms, p.conversation)
	}
	h.mu.Unlock()

	if stillHere {
		return
	}
	user := p.fingerprint.String()
	h.broadcast(p.conversation, protocol.MembershipEvent(protocol.FrameUserLeft, user), nil)
	h.broadcast(p.conversation, protocol.PresenceEvent(user, protocol.PresenceOffline), nil)
}

// Participants lists the distinct fingerprints connected to a conversation.
func (h *Hub) Participants(conversationID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.participantsLocked(conversationID)
}

func (h *Hub) participantsLocked(conversationID string) []string {
	seen := make(map[string]struct{})
	for p := range h.rooms[conversationID] {
		seen[p.fingerprint.String()] = struct{}{}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// broadcast sends f to every peer in the conversation except skip.
func (h *Hub) broadcast(conversationID string, f *protocol.InboundFrame, skip *peer) {
	raw, err := f.Encode()
	if err != nil {
		h.logger.Error("encode frame failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*peer, 0, len(h.rooms[conversationID]))
	for p := range h.rooms[conversationID] {
		if p != skip {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range targets {
		h.enqueue(p, raw)
	}
}

func (h *Hub) sendTo(p *peer, f *protocol.InboundFrame) {
	raw, err := f.Encode()
	if err != nil {
		h.logger.Error("encode frame failed", zap.Error(err))
		return
	}
	h.enqueue(p, raw)
}

// enqueue queues raw for p. A peer whose buffer is full is disconnected.
func (h *Hub) enqueue(p *peer, raw []byte) {
	select {
	case <-p.done:
	case p.send <- raw:
	default:
		h.logger.Warn("peer send buffer full, dropping connection",
			zap.String("conversation", p.conversation),
			zap.String("peer", p.fingerprint.Short()),
		)
		p.close()
	}
}

// writeLoop is the only writer of p.conn.
func (h *Hub) writeLoop(p *peer, logger *zap.Logger) {
	defer p.conn.Close()

	for {
		select {
		case raw := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				logger.Debug("write error", zap.Error(err))
				p.close()
				return
			}
		case <-p.done:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			p.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Stats returns hub statistics
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := HubStats{
		Conversations:   len(h.rooms),
		MessagesRelayed: h.messagesRelayed.Load(),
	}
	for _, room := range h.rooms {
		stats.Peers += len(room)
	}
	return stats
}

// Close disconnects every peer.
func (h *Hub) Close() error {
	h.mu.Lock()
	var peers []*peer
	for _, room := range h.rooms {
		for p := range room {
			peers = append(peers, p)
		}
	}
	h.rooms = make(map[string]map[*peer]struct{})
	h.mu.Unlock()

	var err error
	for _, p := range peers {
		p.close()
		if cerr := p.conn.UnderlyingConn().Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}
