// Package eventbus implements the Event Bus (§4.D): a single in-process
// multi-producer, multi-consumer dispatch point for typed, non-persisted
// events, plus remote-delivery decoding for events arriving over a session.
//
// The shape generalizes core/network.go's topic-based pubsub
// Broadcast/Subscribe pair: Broadcast there published to a single gossip
// topic, Subscribe there drained a subscription into a channel. Here the
// "topic" is the event type filter and there is an additional synchronous
// receiver-callback path for DeliverRemote.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/asinka/asinka/wire"
)

// Priority mirrors wire.Priority* for callers that don't want to depend on
// the wire package directly.
type Priority = int32

const (
	PriorityLow    = wire.PriorityLow
	PriorityNormal = wire.PriorityNormal
	PriorityHigh   = wire.PriorityHigh
	PriorityUrgent = wire.PriorityUrgent
)

// Event is the in-process representation of §3 "Event".
type Event struct {
	ID          string
	Type        string
	TimestampMS int64
	Data        map[string]wire.Value
	Priority    Priority

	// OriginSession is the id of the session an event arrived over, set by
	// DeliverRemote. Empty for events produced locally via Send — callers
	// forwarding observed events back out to peers use this to avoid
	// bouncing a remote event right back to the network.
	OriginSession string
}

// NewEvent stamps a fresh event id and timestamp, leaving Type/Data/Priority
// to the caller (§3: "event id: generated unique string").
func NewEvent(eventType string, data map[string]wire.Value, priority Priority, nowMS int64) Event {
	return Event{ID: uuid.NewString(), Type: eventType, TimestampMS: nowMS, Data: data, Priority: priority}
}

// Receiver is a registered, synchronous event consumer (§4.D). Filter, if
// non-empty, restricts delivery to matching event types. Handle is awaited
// sequentially by DeliverRemote — receivers must return quickly (§5
// "Suspension points").
type Receiver struct {
	Filter []string
	Handle func(ctx context.Context, ev Event)
}

func (r Receiver) matches(eventType string) bool {
	if len(r.Filter) == 0 {
		return true
	}
	for _, f := range r.Filter {
		if f == eventType {
			return true
		}
	}
	return false
}

const subscriberBufferSize = 128

type streamSub struct {
	id     uint64
	ch     chan Event
	filter string // "" matches all types
}

// Bus is the event dispatch point. The zero value is not usable; construct
// with New.
type Bus struct {
	log *logrus.Logger

	subMu     sync.Mutex
	streams   map[uint64]*streamSub
	nextSubID uint64

	recvMu    sync.Mutex
	receivers map[uint64]Receiver
	nextRecvID uint64
}

// New constructs an empty Bus.
func New(log *logrus.Logger) *Bus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bus{
		log:       log,
		streams:   make(map[uint64]*streamSub),
		receivers: make(map[uint64]Receiver),
	}
}

// Send enqueues ev onto every matching observer stream. It never blocks
// beyond each stream's bounded buffer; overflow drops the oldest undispatched
// event for that stream only (§4.D).
func (b *Bus) Send(ev Event) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, s := range b.streams {
		if s.filter != "" && s.filter != ev.Type {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- ev:
			default:
			}
		}
	}
}

// Observe returns a hot stream of events, optionally filtered to a single
// type (§4.D). Delivery within a process is at-most-once per subscriber: no
// replay of events sent before the call.
func (b *Bus) Observe(eventType string) (<-chan Event, func()) {
	s := &streamSub{ch: make(chan Event, subscriberBufferSize), filter: eventType}
	b.subMu.Lock()
	b.nextSubID++
	s.id = b.nextSubID
	b.streams[s.id] = s
	b.subMu.Unlock()
	return s.ch, func() {
		b.subMu.Lock()
		delete(b.streams, s.id)
		b.subMu.Unlock()
	}
}

// RegisterReceiver adds r to the receiver list and returns a handle used to
// unregister it. Idempotent: registering is always additive, unregistering
// an already-removed handle is a no-op (§4.D).
func (b *Bus) RegisterReceiver(r Receiver) uint64 {
	b.recvMu.Lock()
	defer b.recvMu.Unlock()
	b.nextRecvID++
	id := b.nextRecvID
	b.receivers[id] = r
	return id
}

// UnregisterReceiver removes the receiver registered under id, if any.
func (b *Bus) UnregisterReceiver(id uint64) {
	b.recvMu.Lock()
	delete(b.receivers, id)
	b.recvMu.Unlock()
}

// DeliverRemote decodes an incoming EventMessage, places it on the broadcast
// stream for in-process Observe subscribers, and additionally invokes every
// registered receiver whose filter matches — sequentially, awaiting each
// (§4.D).
func (b *Bus) DeliverRemote(ctx context.Context, m wire.EventMessage) {
	ev := Event{
		ID:            m.EventID,
		Type:          m.EventType,
		TimestampMS:   m.TimestampMS,
		Data:          m.Data,
		Priority:      m.Priority,
		OriginSession: m.SessionID,
	}
	b.Send(ev)

	b.recvMu.Lock()
	receivers := make([]Receiver, 0, len(b.receivers))
	for _, r := range b.receivers {
		if r.matches(ev.Type) {
			receivers = append(receivers, r)
		}
	}
	b.recvMu.Unlock()

	for _, r := range receivers {
		start := time.Now()
		r.Handle(ctx, ev)
		b.log.WithFields(logrus.Fields{
			"event_type": ev.Type,
			"elapsed_ms": time.Since(start).Milliseconds(),
		}).Debug("event receiver invoked")
	}
}
