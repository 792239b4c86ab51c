// Package chatclient is the Go client of the Agora chat protocol v1.
//
// One Client owns one websocket transport and may watch many conversations.
// Every request is answered: Join, Leave, Send and History return the server's
// response or a *ServerError, never fire-and-forget. Live messages arrive on
// Messages(), which callers must drain.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	v1 "agora/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultMessageBuffer  = 256
	historyPageSize       = 200
)

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("chatclient: closed")
	// ErrConnectionLost is returned for requests whose transport went away
	// before the response arrived. Reconnect restores the session.
	ErrConnectionLost = errors.New("chatclient: connection lost")
)

// Key identifies a conversation.
type Key = v1.ConversationKey

// Message is a persisted chat message.
type Message = v1.Message

// ServerError is an error answer of the server.
type ServerError struct {
	RequestID string
	Code      string
	Message   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("chatclient: %s: %s", e.Code, e.Message)
}

// IsCode reports whether err is a *ServerError with the given code.
func IsCode(err error, code string) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Code == code
}

// State is the per-conversation session state:
// Disconnected -> Joining -> Joined -> (Sending | Idle) -> Joined ... -> Left/Disconnected.
// Idle is Joined with no send in flight.
type State int

const (
	Disconnected State = iota
	Joining
	Joined
	Sending
	Left
)

// Idle is the resting state of a joined conversation.
const Idle = Joined

func (s State) String() string {
	switch s {
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Sending:
		return "sending"
	case Left:
		return "left"
	default:
		return "disconnected"
	}
}

// Options configure Dial.
type Options struct {
	// Token is sent as a bearer token at handshake.
	Token string
	// UserID identifies the session in hello on servers that allow dev identity.
	UserID string
	// Origin is sent as the Origin header when set.
	Origin string
	// HTTPHeader is added to the handshake request.
	HTTPHeader http.Header
	// HTTPClient is used for the handshake.
	HTTPClient *http.Client

	RequestTimeout time.Duration
	MessageBuffer  int
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.MessageBuffer <= 0 {
		o.MessageBuffer = defaultMessageBuffer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// transport is one websocket connection and its reader.
type transport struct {
	conn *websocket.Conn
	done chan struct{}
	err  error

	hello chan v1.Envelope
}

// Client is a chat session.
type Client struct {
	url  string
	opts Options
	log  *slog.Logger

	msgs chan Message
	quit chan struct{}

	mu        sync.Mutex
	tr        *transport
	closed    bool
	pending   map[string]chan v1.Envelope
	states    map[Key]State
	inflight  map[Key]int
	watching  map[Key]struct{}
	sessionID string
	userID    string

	readers sync.WaitGroup
}

// Dial opens the transport, identifies the session and returns the Client.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	c := &Client{
		url:      url,
		opts:     opts,
		log:      opts.Logger,
		msgs:     make(chan Message, opts.MessageBuffer),
		quit:     make(chan struct{}),
		pending:  make(map[string]chan v1.Envelope),
		states:   make(map[Key]State),
		inflight: make(map[Key]int),
		watching: make(map[Key]struct{}),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Messages delivers every message_received of the watched conversations.
// It is closed by Close.
func (c *Client) Messages() <-chan Message { return c.msgs }

// SessionID returns the server-assigned session id of the current transport.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// UserID returns the identity the server resolved for this session.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// State returns the session state of key. A joined key reports Sending while
// at least one of its sends awaits the server's answer.
func (c *Client) State(key Key) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.states[key]
	if st == Joined && c.inflight[key] > 0 {
		return Sending
	}
	return st
}

func (c *Client) connect(ctx context.Context) (err error) {
	h := http.Header{}
	for k, vs := range c.opts.HTTPHeader {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if c.opts.Origin != "" {
		h.Set("Origin", c.opts.Origin)
	}
	if c.opts.Token != "" {
		h.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
		HTTPClient:   c.opts.HTTPClient,
	})
	if err != nil {
		return fmt.Errorf("chatclient: dial: %w", err)
	}
	if conn.Subprotocol() != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return errors.New("chatclient: server did not negotiate " + v1.Subprotocol)
	}

	tr := &transport{conn: conn, done: make(chan struct{}), hello: make(chan v1.Envelope, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "closed")
		return ErrClosed
	}
	c.tr = tr
	c.readers.Add(1)
	c.mu.Unlock()

	go c.readLoop(tr)

	// Any failure from here on must end the transport, or its reader lingers.
	reason := "hello failed"
	defer func() {
		if err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, reason)
		}
	}()

	env, err := newEnvelope(v1.TypeHello, v1.HelloPayload{UserID: c.opts.UserID})
	if err != nil {
		return err
	}
	if err := c.write(ctx, tr, env); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	select {
	case ack := <-tr.hello:
		if ack.Type == v1.TypeError {
			reason = "hello rejected"
			return errorFromEnvelope(ack)
		}
		var p v1.HelloAckPayload
		if err := json.Unmarshal(ack.Payload, &p); err != nil {
			return fmt.Errorf("chatclient: hello_ack: %w", err)
		}
		c.mu.Lock()
		c.sessionID = p.SessionID
		c.userID = p.UserID
		c.mu.Unlock()
		return nil
	case <-tr.done:
		return fmt.Errorf("%w: %v", ErrConnectionLost, tr.err)
	case <-ctx.Done():
		reason = "hello timeout"
		return ctx.Err()
	}
}

func (c *Client) readLoop(tr *transport) {
	defer c.readers.Done()
	defer c.transportLost(tr)

	ctx := context.Background()
	for {
		_, data, err := tr.conn.Read(ctx)
		if err != nil {
			tr.err = err
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("chatclient.read.bad_json", "err", err)
			continue
		}
		c.dispatch(tr, env)
	}
}

// transportLost fails pending requests and marks every conversation
// disconnected. Watched keys are kept for Resync.
func (c *Client) transportLost(tr *transport) {
	close(tr.done)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr != tr {
		return
	}
	for k := range c.states {
		c.states[k] = Disconnected
	}
}

func (c *Client) dispatch(tr *transport, env v1.Envelope) {
	switch env.Type {
	case v1.TypeMessageReceived:
		var p v1.MessageReceivedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Warn("chatclient.message.bad_payload", "err", err)
			return
		}
		select {
		case c.msgs <- p.Message:
		case <-c.quit:
		}
		return
	case v1.TypeHelloAck:
		select {
		case tr.hello <- env:
		default:
		}
		return
	}

	var ref struct {
		RequestID string `json:"request_id"`
	}
	_ = json.Unmarshal(env.Payload, &ref)

	c.mu.Lock()
	ch, ok := c.pending[ref.RequestID]
	if ok {
		delete(c.pending, ref.RequestID)
	}
	c.mu.Unlock()

	if ok {
		ch <- env
		return
	}
	if env.Type == v1.TypeError {
		// Errors without a pending request answer hello or close the session.
		select {
		case tr.hello <- env:
		default:
			c.log.Info("chatclient.server_error", "payload", string(env.Payload))
		}
	}
}

// request sends one envelope and waits for the answer carrying its id.
func (c *Client) request(ctx context.Context, typ string, payload any, want string) (v1.Envelope, error) {
	env, err := newEnvelope(typ, payload)
	if err != nil {
		return v1.Envelope{}, err
	}

	ch := make(chan v1.Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return v1.Envelope{}, ErrClosed
	}
	tr := c.tr
	c.pending[env.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	if err := c.write(ctx, tr, env); err != nil {
		return v1.Envelope{}, err
	}

	select {
	case resp := <-ch:
		if resp.Type == v1.TypeError {
			return v1.Envelope{}, errorFromEnvelope(resp)
		}
		if resp.Type != want {
			return v1.Envelope{}, fmt.Errorf("chatclient: unexpected %s answering %s", resp.Type, typ)
		}
		return resp, nil
	case <-tr.done:
		return v1.Envelope{}, ErrConnectionLost
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	}
}

func (c *Client) write(ctx context.Context, tr *transport, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := tr.conn.Write(ctx, websocket.MessageText, b); err != nil {
		select {
		case <-tr.done:
			return ErrConnectionLost
		default:
		}
		return fmt.Errorf("chatclient: write: %w", err)
	}
	return nil
}

// Join subscribes the session to key. Join does not deliver backlog; use History.
func (c *Client) Join(ctx context.Context, key Key) error {
	c.mu.Lock()
	prev := c.states[key]
	c.states[key] = Joining
	c.mu.Unlock()

	_, err := c.request(ctx, v1.TypeConversationJoin, v1.ConversationJoinPayload{Key: key}, v1.TypeConversationJoined)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if prev == Joined {
			prev = Disconnected
		}
		c.states[key] = prev
		return err
	}
	c.states[key] = Joined
	c.watching[key] = struct{}{}
	return nil
}

// Leave unsubscribes the session from key.
func (c *Client) Leave(ctx context.Context, key Key) error {
	if _, err := c.request(ctx, v1.TypeConversationLeave, v1.ConversationLeavePayload{Key: key}, v1.TypeConversationLeft); err != nil {
		return err
	}
	c.mu.Lock()
	c.states[key] = Left
	delete(c.watching, key)
	c.mu.Unlock()
	return nil
}

// Send appends body to key and returns the persisted message. Each call carries
// a fresh idempotency token; use SendWithID to retry a send safely.
func (c *Client) Send(ctx context.Context, key Key, body string) (Message, error) {
	return c.SendWithID(ctx, key, body, ulid.Make().String())
}

// SendWithID is Send with a caller-chosen idempotency token. Retrying with the
// same token returns the original message.
//
// The key reports Sending until the ack or error arrives, then returns to
// Joined either way; nothing is retried automatically.
func (c *Client) SendWithID(ctx context.Context, key Key, body, clientMsgID string) (Message, error) {
	c.mu.Lock()
	c.inflight[key]++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.inflight[key]--; c.inflight[key] <= 0 {
			delete(c.inflight, key)
		}
		c.mu.Unlock()
	}()

	resp, err := c.request(ctx, v1.TypeMessageSend, v1.MessageSendPayload{
		Key:         key,
		Body:        body,
		ClientMsgID: clientMsgID,
	}, v1.TypeMessageAck)
	if err != nil {
		return Message{}, err
	}
	var p v1.MessageAckPayload
	if err := json.Unmarshal(resp.Payload, &p); err != nil {
		return Message{}, fmt.Errorf("chatclient: message_ack: %w", err)
	}
	return p.Message, nil
}

// History returns up to limit messages of key with Seq greater than afterSeq
// (all when afterSeq is nil), and whether more follow.
func (c *Client) History(ctx context.Context, key Key, afterSeq *int64, limit int) ([]Message, bool, error) {
	resp, err := c.request(ctx, v1.TypeConversationHistoryFetch, v1.ConversationHistoryFetchPayload{
		Key:      key,
		AfterSeq: afterSeq,
		Limit:    limit,
	}, v1.TypeConversationHistoryChunk)
	if err != nil {
		return nil, false, err
	}
	var p v1.ConversationHistoryChunkPayload
	if err := json.Unmarshal(resp.Payload, &p); err != nil {
		return nil, false, fmt.Errorf("chatclient: history chunk: %w", err)
	}
	return p.Messages, p.HasMore, nil
}

// FullHistory pages through the whole log of key. A conversation that does not
// exist yet has an empty history.
func (c *Client) FullHistory(ctx context.Context, key Key) ([]Message, error) {
	var (
		out   []Message
		after *int64
	)
	for {
		page, more, err := c.History(ctx, key, after, historyPageSize)
		if IsCode(err, v1.CodeNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if !more || len(page) == 0 {
			return out, nil
		}
		last := page[len(page)-1].Seq
		after = &last
	}
}

// Reconnect replaces a lost transport and resyncs every watched conversation.
func (c *Client) Reconnect(ctx context.Context) (map[Key][]Message, error) {
	c.mu.Lock()
	old := c.tr
	c.mu.Unlock()
	if old != nil {
		_ = old.conn.Close(websocket.StatusNormalClosure, "reconnect")
		<-old.done
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c.Resync(ctx)
}

// Resync rejoins every watched conversation and re-fetches its full history,
// recovering whatever was missed while disconnected.
func (c *Client) Resync(ctx context.Context) (map[Key][]Message, error) {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.watching))
	for k := range c.watching {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	out := make(map[Key][]Message, len(keys))
	for _, k := range keys {
		if err := c.Join(ctx, k); err != nil {
			return out, err
		}
		msgs, err := c.FullHistory(ctx, k)
		if err != nil {
			return out, err
		}
		out[k] = msgs
	}
	return out, nil
}

// Close tears down the transport and closes Messages().
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.quit)
	tr := c.tr
	for k := range c.states {
		c.states[k] = Disconnected
	}
	c.mu.Unlock()

	if tr != nil {
		if err := tr.conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
			c.log.Debug("chatclient.close", "err", err)
		}
	}
	c.readers.Wait()
	close(c.msgs)
	return nil
}

func newEnvelope(typ string, payload any) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ulid.Make().String(),
		TS:      time.Now().UTC(),
		Payload: raw,
	}, nil
}

func errorFromEnvelope(env v1.Envelope) error {
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("chatclient: error payload: %w", err)
	}
	return &ServerError{RequestID: p.RequestID, Code: p.Code, Message: p.Message}
}
