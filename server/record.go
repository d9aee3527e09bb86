// Package server implements the server-side Connection Manager (§4.E):
// the id-keyed registry that owns live logical connections, scans for
// idle timeouts, and shuts them all down atomically at process stop.
package server

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	signalr "github.com/EvilPomelo/SignalR"
)

// Status is whether a connection has seen recent transport activity.
// The scavenger only disposes connections that are Inactive for longer
// than the idle timeout (§3, §4.E).
type Status int

const (
	StatusActive Status = iota
	StatusInactive
)

func (s Status) String() string {
	if s == StatusActive {
		return "Active"
	}
	return "Inactive"
}

// Record is the server-side Connection record (§3): an opaque id, the
// duplex pipe pair shared with the transport handler, a status/
// last-seen snapshot guarded by a per-connection mutex, and a free-form
// feature bag for out-of-core collaborators (the hub proxy, auth
// context, etc.) to stash per-connection state in.
type Record struct {
	ID         string
	Pipes      signalr.DuplexPair
	FeatureBag map[string]interface{}

	mu          sync.Mutex
	status      Status
	lastSeenUTC time.Time
	heartbeats  uint64
	clock       clockwork.Clock
}

func newRecord(id string, pipes signalr.DuplexPair, clock clockwork.Clock) *Record {
	return &Record{
		ID:          id,
		Pipes:       pipes,
		FeatureBag:  make(map[string]interface{}),
		status:      StatusActive,
		lastSeenUTC: clock.Now(),
		clock:       clock,
	}
}

// Touch marks the connection as having just seen transport activity,
// resetting the idle clock. Handlers call this when inbound traffic
// arrives; the WebSocket pumps in internal/wsutil do not call it.
func (r *Record) Touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusActive
	r.lastSeenUTC = r.clock.Now()
}

// MarkInactive flips the connection to Inactive without resetting the
// last-seen timestamp, e.g. when a transport's keep-alive is missed.
func (r *Record) MarkInactive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusInactive
}

// Snapshot returns status and lastSeenUTC under the per-connection
// mutex, the shape the scavenger needs per tick (§4.E step 3).
func (r *Record) Snapshot() (Status, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.lastSeenUTC
}

// TickHeartbeat is called by the scavenger for every connection it
// decides not to dispose this tick; it's a bookkeeping hook, not an
// activity reset; connection liveness is communicated to the scavenger
// only through Touch.
func (r *Record) TickHeartbeat() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats++
}

// Heartbeats reports how many scavenger ticks have observed this
// connection without disposing it.
func (r *Record) Heartbeats() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heartbeats
}

// dispose completes both halves of the duplex pair so any transport
// handler still blocked on a read/write unblocks with a clean
// disconnect.
func (r *Record) dispose() {
	r.Pipes.Transport.Output.Complete(nil)
	r.Pipes.Application.Output.Complete(nil)
}
