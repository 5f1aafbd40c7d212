// Package registry implements the Object Registry (§4.C): the in-memory map
// of syncable objects, the version gate that resolves concurrent writes, and
// the per-object and global change streams observers subscribe to.
//
// The guarded-map-plus-snapshot-read shape follows core/network.go's
// replicatedMessages bookkeeping (RWMutex-guarded map, Get* returning a
// defensive copy); the subscriber-channel shape follows the same file's
// Subscribe (a goroutine draining into a channel that is closed on
// teardown).
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/asinka/asinka/wire"
)

// ChangeKind discriminates the two shapes of change a subscriber can see.
type ChangeKind uint8

const (
	Updated ChangeKind = iota
	Deleted
)

// Change is what observers receive on a per-object or global stream.
type Change struct {
	Kind     ChangeKind
	Object   Object // set when Kind == Updated
	ObjectID string
	TypeName string // set when Kind == Deleted
}

// Object is a syncable object instance (§3).
type Object struct {
	ID            string
	TypeName      string
	Version       uint32
	Fields        map[string]wire.Value
	OriginSession string
}

func (o Object) clone() Object {
	fields := make(map[string]wire.Value, len(o.Fields))
	for k, v := range o.Fields {
		fields[k] = v
	}
	o.Fields = fields
	return o
}

// subscriberBufferSize bounds each observer's channel; overflow drops the
// oldest pending change for that subscriber only (§4.C "Failure model").
const subscriberBufferSize = 64

type subscriber struct {
	id     uint64
	ch     chan Change
	filter string // object id filter; "" means global
}

// Registry is the in-memory object store. The zero value is not usable;
// construct with New.
type Registry struct {
	log *logrus.Logger

	mu      sync.RWMutex
	objects map[string]Object

	subMu     sync.Mutex
	subs      map[uint64]*subscriber
	nextSubID uint64

	dropCount atomic.Uint64
	drops     prometheus.Counter
}

// New constructs an empty Registry.
func New(log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		log:     log,
		objects: make(map[string]Object),
		subs:    make(map[uint64]*subscriber),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asinka_registry_capacity_drops_total",
			Help: "Number of changes dropped because a subscriber's buffer was full.",
		}),
	}
}

// DropCount returns the number of changes ever dropped for slow subscribers,
// the diagnostic counter §4.C and the CapacityDrop error kind (§7) refer to.
func (r *Registry) DropCount() uint64 {
	return r.dropCount.Load()
}

// Collector exposes the registry's drop counter to a Prometheus registry,
// for embedding applications that already scrape client_golang metrics.
func (r *Registry) Collector() prometheus.Collector {
	return r.drops
}

// Register inserts or unconditionally replaces the entry for object.ID —
// the caller's local mutation always wins (§4.C). Emits Updated.
func (r *Registry) Register(obj Object) {
	obj = obj.clone()
	r.mu.Lock()
	r.objects[obj.ID] = obj
	r.mu.Unlock()
	r.publish(Change{Kind: Updated, Object: obj, ObjectID: obj.ID})
}

// Update applies a partial field mutation to an existing object, bumping
// its version by one. It is a no-op if id is unknown (§4.C). Unknown field
// names are inserted (schema-tolerant).
func (r *Registry) Update(id string, fields map[string]wire.Value) {
	r.mu.Lock()
	obj, ok := r.objects[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	obj = obj.clone()
	for k, v := range fields {
		obj.Fields[k] = v
	}
	obj.Version++
	obj.OriginSession = ""
	r.objects[id] = obj
	r.mu.Unlock()
	r.publish(Change{Kind: Updated, Object: obj, ObjectID: obj.ID})
}

// Delete removes the entry for id if present, emitting Deleted on the
// global stream. It is idempotent: deleting an unknown id is a silent
// no-op (§3 invariant 3, §4.C).
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	obj, ok := r.objects[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.objects, id)
	r.mu.Unlock()
	r.publish(Change{Kind: Deleted, ObjectID: id, TypeName: obj.TypeName})
}

// Get returns a snapshot of the object for id, or ok=false if absent. It
// never blocks (§4.C).
func (r *Registry) Get(id string) (Object, bool) {
	r.mu.RLock()
	obj, ok := r.objects[id]
	r.mu.RUnlock()
	if !ok {
		return Object{}, false
	}
	return obj.clone(), true
}

// ApplyRemoteUpdate is the version gate (§4.C, §3 invariant 2): it accepts
// u iff no local entry exists, or u.Version is strictly greater than the
// stored version. Equal or lower versions are dropped silently (no error,
// no emission — ErrVersionStale never crosses this boundary, §7).
func (r *Registry) ApplyRemoteUpdate(u wire.ObjectUpdate) {
	obj := Object{
		ID:            u.ObjectID,
		TypeName:      u.TypeName,
		Version:       u.Version,
		Fields:        u.Fields,
		OriginSession: u.SessionID,
	}

	r.mu.Lock()
	existing, ok := r.objects[u.ObjectID]
	if ok && existing.Version >= u.Version {
		r.mu.Unlock()
		return
	}
	r.objects[u.ObjectID] = obj.clone()
	r.mu.Unlock()
	r.publish(Change{Kind: Updated, Object: obj, ObjectID: obj.ID})
}

// ApplyRemoteDelete removes the object named by d if present, emitting
// Deleted; otherwise it silently drops (§4.C).
func (r *Registry) ApplyRemoteDelete(d wire.ObjectDelete) {
	r.mu.Lock()
	_, ok := r.objects[d.ObjectID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.objects, d.ObjectID)
	r.mu.Unlock()
	r.publish(Change{Kind: Deleted, ObjectID: d.ObjectID, TypeName: d.TypeName})
}

// Observe returns a hot stream of every subsequent change to id. The
// current value is not re-emitted on subscription (§4.C). Call the
// returned cancel function to unsubscribe; failing to do so leaks the
// channel goroutine-free (no goroutine is spawned per subscriber — the
// publisher fans out synchronously), but still leaks the map entry.
func (r *Registry) Observe(id string) (<-chan Change, func()) {
	return r.subscribe(id)
}

// ObserveAll returns a hot stream of every Updated/Deleted change across
// all object ids (§4.C).
func (r *Registry) ObserveAll() (<-chan Change, func()) {
	return r.subscribe("")
}

func (r *Registry) subscribe(filter string) (<-chan Change, func()) {
	s := &subscriber{ch: make(chan Change, subscriberBufferSize), filter: filter}
	r.subMu.Lock()
	r.nextSubID++
	s.id = r.nextSubID
	r.subs[s.id] = s
	r.subMu.Unlock()

	cancel := func() {
		r.subMu.Lock()
		delete(r.subs, s.id)
		r.subMu.Unlock()
	}
	return s.ch, cancel
}

// publish fans a change out to every matching subscriber. Per-id ordering
// is FIFO because publish always runs with the registry's write lock
// already released and is only ever called once per mutation, from the
// goroutine that performed the mutation (§4.C "Emission ordering
// guarantee").
func (r *Registry) publish(c Change) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, s := range r.subs {
		if s.filter != "" && s.filter != c.ObjectID {
			continue
		}
		select {
		case s.ch <- c:
		default:
			// Bounded buffer full: drop the oldest pending change for this
			// subscriber only, never the registry's authoritative state
			// (§4.C "Failure model", §7 CapacityDrop).
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- c:
			default:
			}
			r.drops.Inc()
			r.dropCount.Add(1)
		}
	}
}
