// Package relay implements the two-party session relay: it maps the
// unordered pair of participant identifiers to a canonical session, tracks
// the live connections of each session, replays persisted history to joining
// connections, and fans incoming messages out to the other members of the
// session.
package relay

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/pairlink/chat-relay/internal/history"
	"github.com/pairlink/chat-relay/internal/messaging"
	"github.com/pairlink/chat-relay/internal/metrics"
	"github.com/pairlink/chat-relay/internal/protocol"
	"github.com/pairlink/chat-relay/internal/session"
)

// MessageStore is the persistence boundary consumed by the relay. Append
// durably stores one record; History returns a session's records ascending
// by timestamp.
type MessageStore interface {
	Append(ctx context.Context, rec *history.Record) error
	History(ctx context.Context, sessionID string) ([]history.Record, error)
}

// PresenceTracker records which instance a participant is attached to.
// Presence failures are logged and never affect relay traffic.
type PresenceTracker interface {
	Track(ctx context.Context, userID, sessionID string) error
	Untrack(ctx context.Context, userID string) error
}

// Bridge fans session traffic out across relay instances.
type Bridge interface {
	Publish(sessionID string, event messaging.Event) error
	Subscribe(sessionID string, handler func(messaging.Event)) error
	Unsubscribe(sessionID string) error
}

// defaultWriteTimeout bounds transport writes unless overridden with
// SetWriteTimeout, so a dead peer cannot pin a connection's writer forever.
const defaultWriteTimeout = 10 * time.Second

// Relay orchestrates the lifecycle of every connection: validation,
// registration, history replay, the receive/persist/broadcast loop, and
// deregistration. One goroutine runs HandleConn per connection; all sharing
// happens through the injected registry and store.
type Relay struct {
	name         string // instance name, used to filter bridge echo
	registry     *Registry
	store        MessageStore
	presence     PresenceTracker
	bridge       Bridge
	writeTimeout time.Duration // per-write deadline applied to connections

	bridgeMu    sync.Mutex      // serializes bridge subscribe/unsubscribe
	bridgeFeeds map[string]bool // sessions with a live bridge subscription
}

// New creates a Relay with the given instance name, registry, and message
// store. Presence tracking and the cross-instance bridge are optional and
// attached with SetPresence / SetBridge.
func New(name string, registry *Registry, store MessageStore) *Relay {
	return &Relay{
		name:         name,
		registry:     registry,
		store:        store,
		writeTimeout: defaultWriteTimeout,
		bridgeFeeds:  make(map[string]bool),
	}
}

// SetPresence attaches an optional presence tracker.
func (r *Relay) SetPresence(p PresenceTracker) {
	r.presence = p
}

// SetBridge attaches an optional cross-instance fan-out bridge.
func (r *Relay) SetBridge(b Bridge) {
	r.bridge = b
}

// SetWriteTimeout overrides the default per-write deadline applied to
// future connections. Zero disables the deadline.
func (r *Relay) SetWriteTimeout(d time.Duration) {
	r.writeTimeout = d
}

// HandleConn runs the full lifecycle for one WebSocket connection whose
// upgrade handshake has already completed. It blocks until the connection
// closes and always leaves the transport closed and deregistered.
func (r *Relay) HandleConn(ctx context.Context, userID, partnerID string, netConn net.Conn) {
	sessionID, err := session.DeriveID(userID, partnerID)
	if err != nil {
		metrics.ValidationFailures.Inc()
		log.Printf("relay: rejecting connection user=%q partner=%q: %v", userID, partnerID, err)
		reject(netConn, validationReason(userID, partnerID))
		return
	}

	conn := &Connection{
		ID:           uuid.New().String(),
		UserID:       userID,
		PartnerID:    partnerID,
		SessionID:    sessionID,
		Conn:         netConn,
		CreatedAt:    time.Now(),
		WriteTimeout: r.writeTimeout,
	}
	conn.start()

	r.join(ctx, conn)
	log.Printf("relay: joined session=%s user=%s conn=%s (members=%d)",
		sessionID, userID, conn.ID, len(r.registry.Members(sessionID)))

	if err := r.replay(ctx, conn); err != nil {
		log.Printf("relay: replay aborted session=%s conn=%s: %v", sessionID, conn.ID, err)
		r.leave(ctx, conn, 0, "", false)
		return
	}

	code, reason, sendClose := r.receiveLoop(ctx, conn)
	r.leave(ctx, conn, code, reason, sendClose)
}

// join registers the connection and sets up per-session resources on the
// first member: the bridge subscription that delivers traffic relayed by
// other instances to local members.
func (r *Relay) join(ctx context.Context, conn *Connection) {
	first := r.registry.Join(conn.SessionID, conn)
	metrics.ConnectionsActive.Set(float64(r.registry.Connections()))
	metrics.SessionsActive.Set(float64(r.registry.Sessions()))

	if first {
		r.bridgeSubscribe(conn.SessionID)
	}

	if r.presence != nil {
		if err := r.presence.Track(ctx, conn.UserID, conn.SessionID); err != nil {
			log.Printf("relay: presence track user=%s failed: %v", conn.UserID, err)
		}
	}
}

// leave deregisters the connection (idempotent), tears down per-session
// resources when the membership empties, and closes the transport, sending a
// close frame first when one is owed.
func (r *Relay) leave(ctx context.Context, conn *Connection, code ws.StatusCode, reason string, sendClose bool) {
	empty := r.registry.Leave(conn.SessionID, conn)
	metrics.ConnectionsActive.Set(float64(r.registry.Connections()))
	metrics.SessionsActive.Set(float64(r.registry.Sessions()))

	if empty {
		r.bridgeUnsubscribe(conn.SessionID)
	}

	if r.presence != nil {
		if err := r.presence.Untrack(ctx, conn.UserID); err != nil {
			log.Printf("relay: presence untrack user=%s failed: %v", conn.UserID, err)
		}
	}

	if sendClose && conn.Open() {
		if err := conn.WriteClose(code, reason); err != nil {
			log.Printf("relay: close frame session=%s conn=%s: %v", conn.SessionID, conn.ID, err)
		} else {
			awaitCloseReply(conn.Conn)
		}
	}
	conn.Close()

	log.Printf("relay: left session=%s user=%s conn=%s", conn.SessionID, conn.UserID, conn.ID)
}

// bridgeSubscribe opens the session's bridge feed, which carries traffic
// relayed by other instances to local members. Membership is re-checked
// under bridgeMu so a first-join racing a last-leave cannot leave a
// populated session without a feed.
func (r *Relay) bridgeSubscribe(sessionID string) {
	if r.bridge == nil {
		return
	}
	r.bridgeMu.Lock()
	defer r.bridgeMu.Unlock()
	if r.bridgeFeeds[sessionID] || !r.registry.Has(sessionID) {
		return
	}
	err := r.bridge.Subscribe(sessionID, func(event messaging.Event) {
		if event.Server == r.name {
			return // local members already received this via direct fan-out
		}
		r.deliverForeign(sessionID, event)
	})
	if err != nil {
		log.Printf("relay: bridge subscribe session=%s failed: %v", sessionID, err)
		return
	}
	r.bridgeFeeds[sessionID] = true
}

// bridgeUnsubscribe drops the session's bridge feed once the local
// membership has emptied. The re-check under bridgeMu keeps a feed alive
// when a new member joined between the registry update and this call.
func (r *Relay) bridgeUnsubscribe(sessionID string) {
	if r.bridge == nil {
		return
	}
	r.bridgeMu.Lock()
	defer r.bridgeMu.Unlock()
	if !r.bridgeFeeds[sessionID] || r.registry.Has(sessionID) {
		return
	}
	if err := r.bridge.Unsubscribe(sessionID); err != nil {
		log.Printf("relay: bridge unsubscribe session=%s failed: %v", sessionID, err)
	}
	delete(r.bridgeFeeds, sessionID)
}

// awaitCloseReply reads the peer's half of the closing handshake after our
// close frame went out, so the transport is not torn down while the peer is
// still writing its acknowledgment. Bounded by closeGrace; stray data frames
// are discarded.
func awaitCloseReply(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(closeGrace))
	for {
		header, reader, err := wsutil.NextReader(conn, ws.StateServerSide)
		if err != nil {
			return
		}
		// Consume the payload in full so the peer's write completes.
		if header.Length > 0 {
			if _, err := io.CopyN(io.Discard, reader, header.Length); err != nil {
				return
			}
		}
		if header.OpCode == ws.OpClose {
			return
		}
	}
}

// replay transmits the session's persisted history to the connection in
// timestamp order before any live traffic is read from it. The connection is
// already registered, so messages sent by the partner during replay are
// delivered live and may interleave with replayed records.
func (r *Relay) replay(ctx context.Context, conn *Connection) error {
	records, err := r.store.History(ctx, conn.SessionID)
	if err != nil {
		// History is best effort on a storage outage; the connection still
		// gets live traffic.
		log.Printf("relay: history fetch session=%s failed: %v", conn.SessionID, err)
		return nil
	}

	for _, rec := range records {
		if err := conn.writeWait(ws.OpText, []byte(rec.Content)); err != nil {
			return err
		}
		metrics.MessagesTotal.WithLabelValues("replayed").Inc()
	}
	return nil
}

// receiveLoop blocks on the connection reading frames until a close frame
// arrives or the transport fails. It returns the close code and reason to
// echo, and whether a close frame should be sent at all (false after a
// transport error, when the peer is already gone).
func (r *Relay) receiveLoop(ctx context.Context, conn *Connection) (ws.StatusCode, string, bool) {
	for {
		header, reader, err := wsutil.NextReader(conn.Conn, ws.StateServerSide)
		if err != nil {
			return 0, "", false
		}

		payload := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, payload); err != nil {
				return 0, "", false
			}
		}

		if header.OpCode.IsControl() {
			switch header.OpCode {
			case ws.OpClose:
				code, reason := ws.ParseCloseFrameData(payload)
				if code == 0 {
					code = ws.StatusNormalClosure
				}
				return code, reason, true
			case ws.OpPing:
				if err := conn.Write(ws.OpPong, payload); err != nil {
					return 0, "", false
				}
			}
			// Pong: nothing to do.
			continue
		}

		r.handleMessage(ctx, conn, header.OpCode, payload)
	}
}

// handleMessage persists one inbound message and fans it out to the other
// members of the session. A malformed payload rejects only that message; a
// store failure costs durability, not delivery. Fan-out only queues frames
// on the targets' writers, so a stalled or failed target costs itself the
// frame and never delays the rest.
func (r *Relay) handleMessage(ctx context.Context, conn *Connection, op ws.OpCode, data []byte) {
	content, err := protocol.ExtractContent(data)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		log.Printf("relay: dropping message session=%s conn=%s: %v", conn.SessionID, conn.ID, err)
		if werr := conn.WriteText([]byte(`malformed message: expected a JSON object with a string "content" field`)); werr != nil {
			log.Printf("relay: error frame session=%s conn=%s: %v", conn.SessionID, conn.ID, werr)
		}
		return
	}

	rec := &history.Record{
		SenderID:  conn.UserID,
		Recipient: conn.PartnerID,
		Content:   content,
		Timestamp: time.Now().UTC(),
		SessionID: conn.SessionID,
	}
	if err := r.store.Append(ctx, rec); err != nil {
		// Live delivery proceeds without the durability guarantee.
		metrics.AppendFailures.Inc()
		log.Printf("relay: append session=%s failed: %v", conn.SessionID, err)
	}

	start := time.Now()
	outbound := []byte(content)
	for _, target := range r.registry.Targets(conn.SessionID, conn) {
		if err := target.Write(op, outbound); err != nil {
			log.Printf("relay: broadcast session=%s to conn=%s failed: %v", conn.SessionID, target.ID, err)
		}
	}
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesTotal.WithLabelValues("relayed").Inc()

	if r.bridge != nil {
		event := messaging.Event{
			SessionID: conn.SessionID,
			Server:    r.name,
			Origin:    conn.ID,
			Sender:    conn.UserID,
			Content:   content,
			Ts:        rec.Timestamp.UnixMilli(),
		}
		if err := r.bridge.Publish(conn.SessionID, event); err != nil {
			log.Printf("relay: bridge publish session=%s failed: %v", conn.SessionID, err)
		}
	}
}

// deliverForeign writes a message relayed by another instance to every local
// member of the session.
func (r *Relay) deliverForeign(sessionID string, event messaging.Event) {
	outbound := []byte(event.Content)
	for _, target := range r.registry.Members(sessionID) {
		if err := target.WriteText(outbound); err != nil {
			log.Printf("relay: bridged delivery session=%s to conn=%s failed: %v", sessionID, target.ID, err)
		}
	}
	metrics.MessagesTotal.WithLabelValues("bridged").Inc()
}

// reject sends one human-readable error frame, then closes the transport
// with a policy-violation status carrying the same reason. Used for
// connections that fail identifier validation and never touch the registry
// or the store.
func reject(netConn net.Conn, reason string) {
	if err := wsutil.WriteServerMessage(netConn, ws.OpText, []byte(reason)); err != nil {
		log.Printf("relay: reject frame: %v", err)
	}
	closeFrame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusPolicyViolation, reason))
	if err := ws.WriteFrame(netConn, closeFrame); err != nil {
		log.Printf("relay: reject close: %v", err)
	} else {
		awaitCloseReply(netConn)
	}
	netConn.Close()
}

// validationReason maps an invalid identifier pair to the error string sent
// to the peer before closing.
func validationReason(userID, partnerID string) string {
	if userID == "" || partnerID == "" {
		return "missing userId or partnerId"
	}
	return "userId and partnerId cannot be the same"
}
