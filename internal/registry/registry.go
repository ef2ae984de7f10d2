// Package registry is the single source of truth for client and session
// bookkeeping. All three maps (client id -> connection handle, session id ->
// session, session id -> owning client id) are guarded by one mutex so that
// every read-modify-write across them is atomic.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Errors returned by the registry. The router maps these onto protocol-level
// error codes; none of them leave the shared maps in a torn state because all
// validation happens before mutation.
var (
	ErrUnknownClient     = errors.New("unknown client")
	ErrOwnershipRequired = errors.New("session ownership required outside single-client mode")
	ErrAccessDenied      = errors.New("access denied: session owned by another client")
	ErrUnknownSession    = errors.New("unknown session")
)

// ClientID identifies one registered connection for the process lifetime.
// Ids are monotonically assigned and never reused.
type ClientID string

// LegacyClient is the distinguished empty client id used by the single stdio
// connection, which never registers.
const LegacyClient ClientID = ""

// Handle is the transport-owned connection object tracked per client. The
// registry stores it opaquely; callers narrow it back to their own type.
type Handle any

// MetricsSink allows optional instrumentation without a hard dependency.
type MetricsSink interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

// Config configures a Registry.
type Config struct {
	// SingleClient enables the legacy/unowned-session carve-out used when the
	// process serves exactly one stdio client. It is a startup decision and is
	// never inferred at runtime.
	SingleClient bool
	Metrics      MetricsSink
	Logger       *slog.Logger
}

// Registry tracks clients, sessions, and ownership under one lock.
type Registry struct {
	log          *slog.Logger
	metrics      MetricsSink
	singleClient bool

	mu         sync.Mutex
	nextClient uint64
	clients    map[ClientID]Handle
	sessions   map[string]*Session
	owners     map[string]ClientID
}

// New constructs an empty registry.
func New(cfg Config) *Registry {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:          log,
		metrics:      cfg.Metrics,
		singleClient: cfg.SingleClient,
		clients:      make(map[ClientID]Handle),
		sessions:     make(map[string]*Session),
		owners:       make(map[string]ClientID),
	}
}

// SingleClient reports whether the legacy carve-out is enabled.
func (r *Registry) SingleClient() bool { return r.singleClient }

// RegisterClient allocates a fresh client id and inserts the connection.
// Id generation and map insertion are one critical section: a split
// implementation would let two callers observe the same next id before either
// inserted. Never fails.
func (r *Registry) RegisterClient(h Handle) ClientID {
	r.mu.Lock()
	r.nextClient++
	id := ClientID(fmt.Sprintf("c%d", r.nextClient))
	r.clients[id] = h
	r.mu.Unlock()

	r.incCounter("clients_registered", nil)
	r.log.Debug("client registered", slog.String("client_id", string(id)))
	return id
}

// UnregisterClient removes the connection and every session it owns, from
// both the session map and the ownership map in the same critical section.
// It returns the removed session ids so the caller can release associated
// resources. Unregistering an already-removed id is a no-op.
func (r *Registry) UnregisterClient(id ClientID) []string {
	r.mu.Lock()
	if _, ok := r.clients[id]; !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.clients, id)

	var removed []string
	for sid, owner := range r.owners {
		if owner != id {
			continue
		}
		delete(r.owners, sid)
		delete(r.sessions, sid)
		removed = append(removed, sid)
	}
	r.mu.Unlock()

	r.incCounter("clients_unregistered", nil)
	for range removed {
		r.incCounter("sessions_removed", map[string]string{"reason": "disconnect"})
	}
	r.log.Debug("client unregistered",
		slog.String("client_id", string(id)),
		slog.Int("sessions_removed", len(removed)))
	return removed
}

// LookupClient returns the handle registered for id.
func (r *Registry) LookupClient(id ClientID) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.clients[id]
	return h, ok
}

// ClientCount returns the number of currently registered clients.
func (r *Registry) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// NewSession allocates a session owned by owner. An owner of LegacyClient
// creates an unowned session, which is only permitted in single-client mode
// with no registered clients; any other owner must be currently registered.
// Both maps are updated in the same critical section.
func (r *Registry) NewSession(owner ClientID, cfg SessionConfig) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner == LegacyClient {
		if !r.singleClient || len(r.clients) > 0 {
			return nil, ErrOwnershipRequired
		}
	} else if _, ok := r.clients[owner]; !ok {
		return nil, ErrUnknownClient
	}

	sess := newSession("sess_"+uuid.NewString(), cfg)
	r.sessions[sess.id] = sess
	if owner != LegacyClient {
		r.owners[sess.id] = owner
	}

	r.incCounter("sessions_created", nil)
	return sess, nil
}

// ReleaseSession removes the session from both maps after an ownership
// check. Releasing an unknown session returns ErrUnknownSession.
func (r *Registry) ReleaseSession(sessionID string, caller ClientID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return ErrUnknownSession
	}
	if err := r.checkOwnerLocked(sessionID, caller); err != nil {
		return err
	}
	delete(r.sessions, sessionID)
	delete(r.owners, sessionID)
	r.incCounter("sessions_removed", map[string]string{"reason": "released"})
	return nil
}

// ResolveForRequest looks up the session named by a request and validates
// that caller may touch it. An owned session is reachable only by its owner;
// there is no silent fallback to a different connection. An unowned session
// is reachable only by the distinguished stdio connection.
func (r *Registry) ResolveForRequest(sessionID string, caller ClientID) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	if err := r.checkOwnerLocked(sessionID, caller); err != nil {
		return nil, err
	}
	return sess, nil
}

// EnsureLegacySession resolves sessionID, materializing an unowned session on
// first use. Only the stdio connection in single-client mode may imply
// sessions this way. The check-then-create runs under the registry lock, so
// concurrent callers for the same id converge on one constructed session.
func (r *Registry) EnsureLegacySession(sessionID string, caller ClientID, cfg SessionConfig) (*Session, error) {
	if caller != LegacyClient {
		return r.ResolveForRequest(sessionID, caller)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[sessionID]; ok {
		// Another request may have just materialized it.
		if err := r.checkOwnerLocked(sessionID, caller); err != nil {
			return nil, err
		}
		return sess, nil
	}
	if !r.singleClient || len(r.clients) > 0 {
		return nil, ErrOwnershipRequired
	}
	sess := newSession(sessionID, cfg)
	r.sessions[sessionID] = sess
	r.incCounter("sessions_created", map[string]string{"mode": "legacy_implied"})
	return sess, nil
}

// SessionInfo is a point-in-time view of one session's identity and owner.
type SessionInfo struct {
	ID    string
	Owner ClientID
}

// Snapshot returns a consistent view of all live sessions and their owners.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, SessionInfo{ID: id, Owner: r.owners[id]})
	}
	return out
}

// checkOwnerLocked enforces session ownership: an owned session is reachable
// only by its owner. Callers hold r.mu.
func (r *Registry) checkOwnerLocked(sessionID string, caller ClientID) error {
	owner, owned := r.owners[sessionID]
	if !owned {
		// Legacy/unowned carve-out: reachable by the stdio connection only.
		// This mode is backward compatibility for single-client processes,
		// not a security feature, and must stay disabled whenever WebSocket
		// clients can attach.
		if caller != LegacyClient {
			return ErrAccessDenied
		}
		return nil
	}
	if owner != caller {
		return ErrAccessDenied
	}
	return nil
}

func (r *Registry) incCounter(name string, tags map[string]string) {
	if r.metrics != nil {
		r.metrics.IncCounter(name, tags)
	}
}
