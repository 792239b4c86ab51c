package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"agora/cmd/identity/ids"
	"agora/cmd/internal/auth"
	"agora/cmd/internal/conversation"
	"agora/cmd/internal/metrics"
	v1 "agora/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsCloseGrace = 1 * time.Second

	wsDefaultHistoryLimit = 50
	wsMaxHistoryLimit     = 200

	wsMaxPingFailures = 3
)

var errBadJSON = errors.New("bad json")

// Gateway is the websocket entrypoint of the chat.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated envelopes to the Bus and its Registry.
type Gateway struct {
	log      *slog.Logger
	bus      *Bus
	verifier auth.Verifier
	metrics  *metrics.Metrics

	cfg            GatewayConfig
	origins        originPolicy
	originPatterns []string
}

// NewGateway constructs a gateway. verifier may be nil only when
// cfg.AllowDevIdentity is set.
func NewGateway(log *slog.Logger, bus *Bus, verifier auth.Verifier, cfg GatewayConfig, m *metrics.Metrics) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Gateway{
		log:            log,
		bus:            bus,
		verifier:       verifier,
		metrics:        m,
		cfg:            cfg,
		origins:        originPolicy{required: cfg.OriginRequired, allowed: cfg.AllowedOrigins},
		originPatterns: originPatterns(cfg.AllowedOrigins),
	}
}

// wsSession is the per-connection state shared by the read loop, the writer
// and the heartbeat.
type wsSession struct {
	conn   *websocket.Conn
	client *Client
	cancel context.CancelFunc

	closeOnce sync.Once
}

// ServeHTTP upgrades the request to a websocket session and runs the read loop.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.origins.check(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// A token presented at handshake must be valid. Without one the session
	// stays anonymous until hello.
	var ident auth.Identity
	if tok := auth.BearerToken(r); tok != "" {
		if g.verifier == nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		id, err := g.verifier.Verify(r.Context(), tok)
		if err != nil {
			g.log.Info("ws.reject.token", "err", err, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ident = id
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(g.cfg.MaxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := &wsSession{
		conn:   conn,
		client: NewClient(ids.MustULID(time.Now()), g.cfg.SendQueueSize),
		cancel: cancel,
	}
	if ident.UserID != "" {
		s.client.identify(ident.UserID)
	}

	g.metrics.SessionOpened()
	g.log.Info("ws.open", "session_id", s.client.SessionID, "user_id", ident.UserID, "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, s)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeatLoop(ctx, s)
	}()

	g.readLoop(ctx, s)

	g.shutdown(s, websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// shutdown is idempotent. Registry entries are purged before the client is
// closed so fan-out never targets a dead session for long.
func (g *Gateway) shutdown(s *wsSession, code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		left := g.bus.Rooms().LeaveAll(s.client)
		s.client.Close()
		_ = s.conn.Close(code, reason)
		s.cancel()

		g.metrics.SessionClosed()
		g.log.Info("ws.close",
			"session_id", s.client.SessionID,
			"user_id", s.client.UserID(),
			"rooms", len(left),
			"code", int(code),
			"reason", reason,
		)
	})
}

func (g *Gateway) writeLoop(ctx context.Context, s *wsSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.client.Done():
			if s.client.Evicted() {
				g.shutdown(s, websocket.StatusPolicyViolation, "slow consumer")
			}
			return
		case env := <-s.client.send:
			if err := writeEnvelope(ctx, s.conn, env, g.cfg.WriteTimeout); err != nil {
				g.log.Info("ws.write.fail", "session_id", s.client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
				g.shutdown(s, websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (g *Gateway) heartbeatLoop(ctx context.Context, s *wsSession) {
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := s.conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "session_id", s.client.SessionID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					g.shutdown(s, websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, s *wsSession) {
	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, s.conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrBadJSON:
				g.replyError(s, "", v1.CodeBadJSON, "invalid JSON")
				continue
			case readErrClose:
				g.shutdown(s, websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				g.shutdown(s, websocket.StatusNormalClosure, "idle")
			case readErrConnClosed:
				g.shutdown(s, websocket.StatusAbnormalClosure, "conn closed")
			default:
				g.log.Info("ws.read.fail", "session_id", s.client.SessionID, "err", err)
				g.shutdown(s, websocket.StatusAbnormalClosure, "read failed")
			}
			return
		}

		if !rl.Allow(time.Now()) {
			g.writeFinal(ctx, s, env.ID, v1.CodeRateLimited, "too many events")
			g.shutdown(s, websocket.StatusPolicyViolation, "rate limited")
			return
		}

		if err := env.Validate(); err != nil {
			g.replyError(s, env.ID, v1.CodeBadEnvelope, err.Error())
			continue
		}
		g.metrics.Frame(env.Type)

		if env.Type == v1.TypeHello {
			if !g.onHello(ctx, s, env) {
				g.shutdown(s, websocket.StatusPolicyViolation, "hello failed")
				return
			}
			continue
		}

		userID := s.client.UserID()
		if userID == "" {
			g.replyError(s, env.ID, v1.CodeUnauthorized, "send hello first")
			continue
		}

		switch env.Type {
		case v1.TypeConversationJoin:
			g.onJoin(s, userID, env)
		case v1.TypeConversationLeave:
			g.onLeave(s, env)
		case v1.TypeMessageSend:
			g.onMessageSend(ctx, s, userID, env)
		case v1.TypeConversationHistoryFetch:
			g.onHistoryFetch(ctx, s, userID, env)
		default:
			g.replyError(s, env.ID, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}
}

// ---- handlers ----

// onHello identifies the session. It reports false when the connection must be
// closed.
func (g *Gateway) onHello(ctx context.Context, s *wsSession, env v1.Envelope) bool {
	var p v1.HelloPayload
	if !g.decode(s, env, &p) {
		return true
	}

	var userID string
	switch {
	case p.Token != "" && g.verifier != nil:
		id, err := g.verifier.Verify(ctx, p.Token)
		if err != nil {
			g.writeFinal(ctx, s, env.ID, v1.CodeUnauthorized, "invalid token")
			return false
		}
		userID = id.UserID
	case p.UserID != "" && g.cfg.AllowDevIdentity:
		userID = p.UserID
	default:
		userID = s.client.UserID()
	}

	if userID == "" {
		g.writeFinal(ctx, s, env.ID, v1.CodeUnauthorized, "missing credentials")
		return false
	}

	if cur := s.client.UserID(); cur != "" && cur != userID {
		g.replyError(s, env.ID, v1.CodeForbidden, "session already identified as another user")
		return true
	}
	s.client.identify(userID)

	g.reply(s, v1.TypeHelloAck, v1.HelloAckPayload{SessionID: s.client.SessionID, UserID: userID})
	return true
}

func (g *Gateway) onJoin(s *wsSession, userID string, env v1.Envelope) {
	var p v1.ConversationJoinPayload
	if !g.decode(s, env, &p) {
		return
	}

	key := keyFromWire(p.Key)
	if err := key.Validate(); err != nil {
		g.replyError(s, env.ID, v1.CodeValidation, conversation.PublicMessage(err))
		return
	}
	if !key.HasParticipant(userID) {
		g.replyError(s, env.ID, v1.CodeForbidden, "not a participant of this conversation")
		return
	}

	g.bus.Rooms().Join(key, s.client)
	g.log.Debug("ws.join", "session_id", s.client.SessionID, "user_id", userID, "key", key.String())

	g.reply(s, v1.TypeConversationJoined, v1.ConversationJoinedPayload{RequestID: env.ID, Key: keyToWire(key)})
}

func (g *Gateway) onLeave(s *wsSession, env v1.Envelope) {
	var p v1.ConversationLeavePayload
	if !g.decode(s, env, &p) {
		return
	}

	key := keyFromWire(p.Key)
	g.bus.Rooms().Leave(key, s.client)
	g.log.Debug("ws.leave", "session_id", s.client.SessionID, "key", key.String())

	g.reply(s, v1.TypeConversationLeft, v1.ConversationLeftPayload{RequestID: env.ID, Key: keyToWire(key)})
}

func (g *Gateway) onMessageSend(ctx context.Context, s *wsSession, userID string, env v1.Envelope) {
	var p v1.MessageSendPayload
	if !g.decode(s, env, &p) {
		return
	}

	key := keyFromWire(p.Key)
	if !g.bus.Rooms().IsMember(key, s.client) {
		g.replyError(s, env.ID, v1.CodeNotJoined, "join the conversation first")
		return
	}
	if p.SenderID != "" && p.SenderID != userID {
		g.replyError(s, env.ID, v1.CodeValidation, "sender_id does not match the session user")
		return
	}

	res, err := g.bus.Send(ctx, SendInput{
		Key:         key,
		SenderID:    userID,
		Body:        p.Body,
		ClientMsgID: p.ClientMsgID,
	})
	if err != nil {
		g.replyStoreError(s, env.ID, err)
		return
	}

	g.reply(s, v1.TypeMessageAck, v1.MessageAckPayload{
		RequestID:  env.ID,
		Message:    MessageToWire(res.Message),
		Duplicated: res.Duplicated,
	})
}

func (g *Gateway) onHistoryFetch(ctx context.Context, s *wsSession, userID string, env v1.Envelope) {
	var p v1.ConversationHistoryFetchPayload
	if !g.decode(s, env, &p) {
		return
	}

	key := keyFromWire(p.Key)
	if err := key.Validate(); err != nil {
		g.replyError(s, env.ID, v1.CodeValidation, conversation.PublicMessage(err))
		return
	}
	if !key.HasParticipant(userID) {
		g.replyError(s, env.ID, v1.CodeForbidden, "not a participant of this conversation")
		return
	}

	limit := p.Limit
	if limit <= 0 {
		limit = wsDefaultHistoryLimit
	}
	if limit > wsMaxHistoryLimit {
		limit = wsMaxHistoryLimit
	}

	out, err := g.bus.History(ctx, conversation.HistoryInput{Key: key, AfterSeq: p.AfterSeq, Limit: limit})
	if err != nil {
		g.replyStoreError(s, env.ID, err)
		return
	}

	g.reply(s, v1.TypeConversationHistoryChunk, v1.ConversationHistoryChunkPayload{
		RequestID: env.ID,
		Key:       keyToWire(key),
		Messages:  messagesToWire(out.Messages),
		HasMore:   out.HasMore,
	})
}

// ---- send helpers ----

func (g *Gateway) decode(s *wsSession, env v1.Envelope, dst any) bool {
	if len(env.Payload) == 0 {
		g.replyError(s, env.ID, v1.CodeBadEnvelope, "missing payload")
		return false
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		g.replyError(s, env.ID, v1.CodeBadJSON, "invalid payload")
		return false
	}
	return true
}

func (g *Gateway) replyStoreError(s *wsSession, requestID string, err error) {
	code := conversation.Code(err)
	if code == v1.CodeInternal {
		g.log.Error("ws.request.fail", "session_id", s.client.SessionID, "err", err)
	}
	g.replyError(s, requestID, code, conversation.PublicMessage(err))
}

func (g *Gateway) replyError(s *wsSession, requestID, code, msg string) {
	g.reply(s, v1.TypeError, v1.ErrorPayload{RequestID: requestID, Code: code, Message: msg})
}

// reply enqueues a response. A full queue evicts the session like fan-out does.
func (g *Gateway) reply(s *wsSession, typ string, payload any) {
	env, err := newEnvelope(typ, payload)
	if err != nil {
		g.log.Error("ws.encode.fail", "type", typ, "err", err)
		return
	}
	if _, evicted := s.client.Deliver(env); evicted {
		g.bus.Rooms().LeaveAll(s.client)
		g.metrics.Evicted()
	}
}

// writeFinal writes an error directly, bypassing the queue, for replies that
// precede a close.
func (g *Gateway) writeFinal(ctx context.Context, s *wsSession, requestID, code, msg string) {
	env, err := newEnvelope(v1.TypeError, v1.ErrorPayload{RequestID: requestID, Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = writeEnvelope(ctx, s.conn, env, g.cfg.WriteTimeout)
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
