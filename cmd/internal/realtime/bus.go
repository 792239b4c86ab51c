package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"agora/cmd/internal/conversation"
	"agora/cmd/internal/events"
	"agora/cmd/internal/metrics"
	v1 "agora/shared/contracts/realtime/v1"
)

const (
	defaultAppendTimeout = 5 * time.Second
	defaultEventQueue    = 1024
	eventPublishTimeout  = 5 * time.Second
)

// SendInput is a request to persist and broadcast one message.
type SendInput struct {
	Key         conversation.Key
	SenderID    string
	Body        string
	ClientMsgID string
}

// SendResult is the outcome of a successful Send. Delivered counts the live
// sessions the message was enqueued to; it is zero for duplicates.
type SendResult struct {
	Message    conversation.Message
	Duplicated bool
	Delivered  int
}

// Bus persists messages and fans them out to the room of their conversation.
//
// Invariants:
//   - a message is broadcast only after the store acknowledged it
//   - appends and fan-out of one key are serialized, so every session sees a
//     conversation's messages in Seq order
//   - duplicates of an idempotent retry are never broadcast twice
type Bus struct {
	log     *slog.Logger
	store   conversation.Store
	rooms   *Registry
	events  events.Publisher
	metrics *metrics.Metrics

	appendTimeout time.Duration
	now           func() time.Time
	locks         *keyLocks

	evMu      sync.RWMutex
	evClosed  bool
	evQueue   chan events.MessageSent
	evDone    chan struct{}
	closeOnce sync.Once
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithEvents sets the domain event publisher.
func WithEvents(p events.Publisher) BusOption {
	return func(b *Bus) {
		if p != nil {
			b.events = p
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) BusOption {
	return func(b *Bus) { b.metrics = m }
}

// WithAppendTimeout bounds every store call made by the bus.
func WithAppendTimeout(d time.Duration) BusOption {
	return func(b *Bus) {
		if d > 0 {
			b.appendTimeout = d
		}
	}
}

// WithClock overrides the time source used for SentAt.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBus constructs a Bus and starts its event publishing worker.
func NewBus(log *slog.Logger, store conversation.Store, rooms *Registry, opts ...BusOption) *Bus {
	if log == nil {
		log = slog.Default()
	}
	if rooms == nil {
		rooms = NewRegistry(nil)
	}
	b := &Bus{
		log:           log,
		store:         store,
		rooms:         rooms,
		events:        events.NopPublisher{},
		appendTimeout: defaultAppendTimeout,
		now:           time.Now,
		locks:         newKeyLocks(),
		evQueue:       make(chan events.MessageSent, defaultEventQueue),
		evDone:        make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	go b.publishLoop()
	return b
}

// Rooms returns the registry the bus fans out to.
func (b *Bus) Rooms() *Registry { return b.rooms }

// Send persists in and pushes the new message to every session of its room,
// the sender's own sessions included.
func (b *Bus) Send(ctx context.Context, in SendInput) (SendResult, error) {
	const op = "realtime.Bus.Send"

	key := conversation.NewKey(in.Key.ItemID, in.Key.BuyerID, in.Key.SellerID)
	if err := key.Validate(); err != nil {
		b.metrics.ObserveAppend(conversation.Code(err), 0)
		return SendResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.appendTimeout)
	defer cancel()

	unlock, err := b.locks.lock(ctx, key)
	if err != nil {
		err = classify(op, err)
		b.metrics.ObserveAppend(conversation.Code(err), 0)
		return SendResult{}, err
	}

	start := time.Now()
	res, err := b.store.Append(ctx, conversation.AppendInput{
		Key:         key,
		SenderID:    in.SenderID,
		Body:        in.Body,
		ClientMsgID: in.ClientMsgID,
		Now:         b.now(),
	})
	took := time.Since(start)
	if err != nil {
		unlock()
		err = classify(op, err)
		b.metrics.ObserveAppend(conversation.Code(err), took)
		b.log.Warn("bus.append.fail",
			slog.String("key", key.String()),
			slog.String("code", conversation.Code(err)),
			slog.Any("err", err),
		)
		return SendResult{}, err
	}

	if res.Duplicated {
		unlock()
		b.metrics.ObserveAppend(metrics.ResultDuplicate, took)
		b.log.Debug("bus.append.duplicate",
			slog.String("key", key.String()),
			slog.String("message_id", res.Message.ID),
		)
		return SendResult{Message: res.Message, Duplicated: true}, nil
	}

	b.metrics.ObserveAppend(metrics.ResultOK, took)
	delivered := b.fanout(res.Message)
	unlock()

	b.enqueueEvent(res.Message)

	return SendResult{Message: res.Message, Delivered: delivered}, nil
}

// fanout enqueues msg to every member of its room. Sessions whose queue is
// full are evicted and purged from the registry.
func (b *Bus) fanout(msg conversation.Message) int {
	members := b.rooms.MembersOf(msg.Key)
	if len(members) == 0 {
		return 0
	}

	env, err := newEnvelope(v1.TypeMessageReceived, v1.MessageReceivedPayload{Message: MessageToWire(msg)})
	if err != nil {
		b.log.Error("bus.fanout.encode_failed", slog.Any("err", err))
		return 0
	}

	delivered := 0
	for _, c := range members {
		ok, evicted := c.Deliver(env)
		if ok {
			delivered++
			continue
		}
		if evicted {
			b.rooms.LeaveAll(c)
			b.metrics.Evicted()
			b.log.Warn("bus.fanout.evicted",
				slog.String("session_id", c.SessionID),
				slog.String("user_id", c.UserID()),
				slog.String("key", msg.Key.String()),
			)
		}
	}
	b.metrics.Delivered(delivered)
	return delivered
}

// History returns a window of the conversation log.
func (b *Bus) History(ctx context.Context, in conversation.HistoryInput) (conversation.HistoryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, b.appendTimeout)
	defer cancel()

	res, err := b.store.History(ctx, in)
	if err != nil {
		return conversation.HistoryResult{}, classify("realtime.Bus.History", err)
	}
	return res, nil
}

// Inbox lists the conversations userID takes part in, most recent first.
func (b *Bus) Inbox(ctx context.Context, userID string) ([]conversation.Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, b.appendTimeout)
	defer cancel()

	out, err := b.store.ListByParticipant(ctx, userID)
	if err != nil {
		return nil, classify("realtime.Bus.Inbox", err)
	}
	return out, nil
}

// GetOrCreate returns the conversation of key, creating it when missing.
func (b *Bus) GetOrCreate(ctx context.Context, key conversation.Key) (conversation.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, b.appendTimeout)
	defer cancel()

	conv, err := b.store.GetOrCreate(ctx, key)
	if err != nil {
		return conversation.Conversation{}, classify("realtime.Bus.GetOrCreate", err)
	}
	return conv, nil
}

// Close stops accepting events and waits for queued ones to be published.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.evMu.Lock()
		b.evClosed = true
		close(b.evQueue)
		b.evMu.Unlock()
		<-b.evDone
	})
}

func (b *Bus) enqueueEvent(msg conversation.Message) {
	ev := events.MessageSent{
		Type:        events.TypeMessageSent,
		MessageID:   msg.ID,
		ItemID:      msg.Key.ItemID,
		BuyerID:     msg.Key.BuyerID,
		SellerID:    msg.Key.SellerID,
		Seq:         msg.Seq,
		SenderID:    msg.SenderID,
		RecipientID: msg.Key.Counterpart(msg.SenderID),
		Body:        msg.Body,
		SentAt:      msg.SentAt,
	}

	b.evMu.RLock()
	defer b.evMu.RUnlock()
	if b.evClosed {
		return
	}
	select {
	case b.evQueue <- ev:
	default:
		b.metrics.EventPublished(false)
		b.log.Warn("bus.event.dropped", slog.String("message_id", msg.ID))
	}
}

// publishLoop publishes events one at a time so their order matches the order
// messages were appended.
func (b *Bus) publishLoop() {
	defer close(b.evDone)
	for ev := range b.evQueue {
		ctx, cancel := context.WithTimeout(context.Background(), eventPublishTimeout)
		err := b.events.PublishMessageSent(ctx, ev)
		cancel()

		b.metrics.EventPublished(err == nil)
		if err != nil {
			b.log.Warn("bus.event.publish_failed",
				slog.String("message_id", ev.MessageID),
				slog.Any("err", err),
			)
		}
	}
}

// classify keeps typed store errors and maps everything else onto the store
// error kinds.
func classify(op string, err error) error {
	var oe conversation.OpError
	if errors.As(err, &oe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return conversation.OpError{Op: op, Kind: conversation.ErrTimeout, Msg: "storage did not answer in time", Err: err}
	}
	return conversation.OpError{Op: op, Kind: conversation.ErrUnavailable, Msg: "storage unavailable", Err: err}
}
