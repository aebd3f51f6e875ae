// Package dispatch turns classified chat events into at-most-one reply each:
// ingress dedup, system-notice suppression, a bounded worker pool that calls
// the reply generator, and thread-reference resolution for outgoing frames.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/idlemarket/fishbot/internal/classify"
	"github.com/idlemarket/fishbot/internal/history"
	"github.com/idlemarket/fishbot/internal/replygen"
	"github.com/idlemarket/fishbot/internal/session"
	"github.com/idlemarket/fishbot/internal/wire"
)

// Conn is what a reply needs from the connection that delivered the event.
// *session.Session satisfies it.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	OwnerID() string
	ThreadRef() (string, bool)
	UpdateThreadRef(ref string)
}

// Counters are cumulative engine totals for the status endpoint.
type Counters struct {
	Accepted   uint64 `json:"accepted"`
	Deduped    uint64 `json:"deduped"`
	Suppressed uint64 `json:"suppressed"`
	Replied    uint64 `json:"replied"`
	Dropped    uint64 `json:"dropped"`
}

// ItemLookup fetches listing details for pushes that carry none. Optional;
// lookups that fail fall back to whatever the push provided.
type ItemLookup interface {
	Describe(ctx context.Context, itemID string) (string, error)
}

type EngineOptions struct {
	Codec     *wire.Codec
	Records   RecordStore
	History   history.Store
	Generator replygen.Generator
	Items     ItemLookup
	Logger    zerolog.Logger

	Workers       int // default 3
	QueueCapacity int // default 128
	ContextTurns  int // turns handed to the generator, default 20

	IngressWindow  time.Duration // default 30s
	ReplyMinAge    time.Duration // worker re-check guard, default 1s
	NoticeWindow   time.Duration // default 60s
	ShippingWindow time.Duration // replied-shipping suppression, default 2h
	RealtimeGuard  time.Duration // generic-notice double-delivery guard, default 10s
}

func (o *EngineOptions) withDefaults() EngineOptions {
	opts := *o
	if opts.Workers <= 0 {
		opts.Workers = 3
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 128
	}
	if opts.ContextTurns <= 0 {
		opts.ContextTurns = 20
	}
	if opts.IngressWindow <= 0 {
		opts.IngressWindow = 30 * time.Second
	}
	if opts.ReplyMinAge <= 0 {
		opts.ReplyMinAge = time.Second
	}
	if opts.NoticeWindow <= 0 {
		opts.NoticeWindow = 60 * time.Second
	}
	if opts.ShippingWindow <= 0 {
		opts.ShippingWindow = 2 * time.Hour
	}
	if opts.RealtimeGuard <= 0 {
		opts.RealtimeGuard = 10 * time.Second
	}
	return opts
}

type workItem struct {
	conn    Conn
	event   classify.Result
	subtype NoticeSubtype

	fingerprint string
	// rawRef is the marker id taken from the envelope's known field;
	// eventRef is whatever marked string the payload scan surfaced.
	rawRef   string
	eventRef string
}

// Engine implements session.MessageHandler. The read loop only classifies,
// dedups, and enqueues; workers do the blocking work.
type Engine struct {
	opts  EngineOptions
	queue chan workItem

	accepted   atomic.Uint64
	deduped    atomic.Uint64
	suppressed atomic.Uint64
	replied    atomic.Uint64
	dropped    atomic.Uint64

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Codec == nil || opts.Records == nil || opts.History == nil || opts.Generator == nil {
		return nil, errors.New("dispatch: codec, records, history, and generator are required")
	}
	opts = (&opts).withDefaults()
	return &Engine{
		opts:  opts,
		queue: make(chan workItem, opts.QueueCapacity),
		quit:  make(chan struct{}),
	}, nil
}

// Start launches the worker pool.
func (e *Engine) Start() {
	for i := 0; i < e.opts.Workers; i++ {
		e.wg.Add(1)
		go e.workerLoop()
	}
}

// Close stops pulling new items and waits for in-flight work to finish.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.quit)
	})
	e.wg.Wait()
	return nil
}

// Counters returns a snapshot of the cumulative totals.
func (e *Engine) Counters() Counters {
	return Counters{
		Accepted:   e.accepted.Load(),
		Deduped:    e.deduped.Load(),
		Suppressed: e.suppressed.Load(),
		Replied:    e.replied.Load(),
		Dropped:    e.dropped.Load(),
	}
}

// QueueDepth reports the current backlog and queue capacity.
func (e *Engine) QueueDepth() (depth, capacity int) {
	return len(e.queue), cap(e.queue)
}

// HandleMessage is the session.MessageHandler entry point.
func (e *Engine) HandleMessage(ctx context.Context, msg *wire.Decoded, sess *session.Session) {
	e.Handle(ctx, msg, sess)
}

// Handle classifies one decoded envelope and enqueues dispatchable work.
func (e *Engine) Handle(ctx context.Context, msg *wire.Decoded, conn Conn) {
	result := classify.Classify(msg)
	switch result.Kind {
	case classify.KindHeartbeatAck:
		return
	case classify.KindTyping:
		e.opts.Logger.Debug().Str("sender", result.SenderID).Msg("buyer is typing")
		return
	case classify.KindOrderEvent:
		if result.ThreadRef != "" {
			conn.UpdateThreadRef(result.ThreadRef)
		}
		e.opts.Logger.Info().
			Str("phase", result.OrderPhase).
			Str("user", result.SenderID).
			Msg("order event")
		return
	case classify.KindUnclassified:
		if result.ThreadRef != "" {
			conn.UpdateThreadRef(result.ThreadRef)
			e.opts.Logger.Debug().Str("thread_ref", result.ThreadRef).Msg("passive thread reference update")
		}
		return
	}

	// Chat message from here on.
	if result.ThreadRef != "" {
		conn.UpdateThreadRef(result.ThreadRef)
	}
	if result.SenderID != "" && result.SenderID == conn.OwnerID() {
		return
	}

	item := workItem{
		conn:     conn,
		event:    result,
		rawRef:   result.ThreadRef,
		eventRef: classify.FindMarkedString(msg.Payload, 2),
	}

	if subtype := ClassifyNotice(result.Text); subtype != NoticeNone {
		item.subtype = subtype
		if !e.admitNotice(ctx, result.SenderID, subtype) {
			e.suppressed.Add(1)
			return
		}
		e.enqueue(item)
		return
	}

	item.fingerprint = Fingerprint(result.SenderID, result.Text, result.ItemID)
	won, err := e.opts.Records.Observe(ctx, item.fingerprint, e.opts.IngressWindow, 0)
	if err != nil {
		e.opts.Logger.Error().Err(err).Msg("ingress dedup check failed, letting event through")
	} else if !won {
		e.deduped.Add(1)
		e.opts.Logger.Debug().
			Str("sender", result.SenderID).
			Str("text", result.Text).
			Msg("duplicate message dropped at ingress")
		return
	}
	e.enqueue(item)
}

// admitNotice runs the notice suppression chain: the near-real-time guard
// for generic new-message notices, then the per-(user, subtype) window with
// the extended replied window for shipping.
func (e *Engine) admitNotice(ctx context.Context, userID string, subtype NoticeSubtype) bool {
	if subtype == NoticeNewMessage {
		won, err := e.opts.Records.Observe(ctx, "notice-rt:"+userID, e.opts.RealtimeGuard, 0)
		if err != nil {
			e.opts.Logger.Error().Err(err).Msg("realtime notice guard failed")
		} else if !won {
			return false
		}
	}
	repliedWindow := time.Duration(0)
	if subtype == NoticeShipping {
		repliedWindow = e.opts.ShippingWindow
	}
	allowed, err := e.opts.Records.ObserveNotice(ctx, NoticeKey(userID, subtype), e.opts.NoticeWindow, repliedWindow)
	if err != nil {
		e.opts.Logger.Error().Err(err).Msg("notice suppression check failed, letting notice through")
		return true
	}
	return allowed
}

func (e *Engine) enqueue(item workItem) {
	select {
	case e.queue <- item:
		e.accepted.Add(1)
	default:
		e.dropped.Add(1)
		e.opts.Logger.Warn().
			Str("sender", item.event.SenderID).
			Msg("work queue full, dropping event")
	}
}

func (e *Engine) workerLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.quit:
			return
		default:
		}
		select {
		case <-e.quit:
			return
		case item := <-e.queue:
			e.process(item)
		}
	}
}

// process handles one item to completion before the worker pulls the next.
// It runs on Background so a shutdown lets in-flight replies finish.
func (e *Engine) process(item workItem) {
	ctx := context.Background()

	if item.subtype != NoticeNone {
		key := NoticeKey(item.event.SenderID, item.subtype)
		sent := e.sendReply(ctx, item, noticeReplyText(item.subtype))
		if !sent {
			// The window tracks the last reply, not the last attempt, so a
			// failed send must not suppress the next notice.
			if err := e.opts.Records.Release(ctx, key); err != nil {
				e.opts.Logger.Error().Err(err).Msg("releasing notice record failed")
			}
			return
		}
		if item.subtype == NoticeShipping {
			if err := e.opts.Records.MarkReplied(ctx, key); err != nil {
				e.opts.Logger.Error().Err(err).Msg("marking shipping notice replied failed")
			}
		}
		return
	}

	won, err := e.opts.Records.Observe(ctx, item.fingerprint, e.opts.IngressWindow, e.opts.ReplyMinAge)
	if err != nil {
		e.opts.Logger.Error().Err(err).Msg("worker dedup re-check failed, processing anyway")
	} else if !won {
		e.deduped.Add(1)
		return
	}

	key := history.Key{UserID: item.event.SenderID, ItemID: item.event.ItemID}
	if err := e.opts.History.Append(ctx, key, history.Turn{Role: history.RoleUser, Text: item.event.Text, At: time.Now()}); err != nil {
		e.opts.Logger.Error().Err(err).Msg("appending user turn failed")
	}
	turns, err := e.opts.History.Context(ctx, key, e.opts.ContextTurns)
	if err != nil {
		e.opts.Logger.Error().Err(err).Msg("fetching conversation context failed")
	}
	bargainCount, err := e.opts.History.BargainCount(ctx, key)
	if err != nil {
		e.opts.Logger.Error().Err(err).Msg("fetching bargain count failed")
	}

	itemDesc := item.event.ItemDesc
	if (itemDesc == "" || itemDesc == "unknown") && e.opts.Items != nil &&
		item.event.ItemID != "" && item.event.ItemID != "unknown" {
		desc, err := e.opts.Items.Describe(ctx, item.event.ItemID)
		if err != nil {
			e.opts.Logger.Warn().Err(err).Str("item", item.event.ItemID).Msg("item lookup failed")
		} else {
			itemDesc = desc
		}
	}

	reply, err := e.opts.Generator.Generate(ctx, replygen.Request{
		Message:         item.event.Text,
		ItemDescription: itemDesc,
		Context:         contextTurns(turns),
		BargainCount:    bargainCount,
	})
	if err != nil {
		e.opts.Logger.Warn().Err(err).
			Str("sender", item.event.SenderID).
			Msg("reply generation failed, using fallback")
		reply = replygen.Reply{Text: replygen.FallbackReply}
	}

	if reply.PriceRelated {
		if err := e.opts.History.IncrementBargain(ctx, key); err != nil {
			e.opts.Logger.Error().Err(err).Msg("incrementing bargain count failed")
		}
	}
	if err := e.opts.History.Append(ctx, key, history.Turn{Role: history.RoleAssistant, Text: reply.Text, At: time.Now()}); err != nil {
		e.opts.Logger.Error().Err(err).Msg("appending assistant turn failed")
	}

	e.sendReply(ctx, item, reply.Text)
}

func contextTurns(turns []history.Turn) []replygen.ContextTurn {
	if len(turns) == 0 {
		return nil
	}
	out := make([]replygen.ContextTurn, len(turns))
	for i, turn := range turns {
		out[i] = replygen.ContextTurn{Role: turn.Role, Text: turn.Text}
	}
	return out
}

// sendReply resolves the thread reference, encodes, and sends. Send failures
// are logged and dropped; nothing is retried.
func (e *Engine) sendReply(ctx context.Context, item workItem, text string) bool {
	ref := e.resolveThreadRef(item)
	frame, err := e.opts.Codec.EncodeSend(item.event.ConvID, item.event.SenderID, item.conn.OwnerID(), text, ref)
	if err != nil {
		e.dropped.Add(1)
		e.opts.Logger.Error().Err(err).
			Str("conversation", item.event.ConvID).
			Msg("encoding reply failed")
		return false
	}
	if err := item.conn.Send(ctx, frame); err != nil {
		e.dropped.Add(1)
		e.opts.Logger.Warn().Err(err).
			Str("sender", item.event.SenderID).
			Msg("sending reply failed, dropping")
		return false
	}
	e.replied.Add(1)
	e.opts.Logger.Info().
		Str("sender", item.event.SenderID).
		Str("reply", text).
		Bool("threaded", ref != "").
		Msg("reply sent")
	return true
}

// resolveThreadRef picks the reply-reference id: the envelope's own marked
// field, then the session's most recent marked id, then the event-level
// scan, else none.
func (e *Engine) resolveThreadRef(item workItem) string {
	if item.rawRef != "" {
		return item.rawRef
	}
	if ref, ok := item.conn.ThreadRef(); ok {
		return ref
	}
	if item.eventRef != "" {
		return item.eventRef
	}
	e.opts.Logger.Warn().
		Str("sender", item.event.SenderID).
		Msg("no marked message id available, sending unthreaded reply")
	return ""
}
