package carapace

import (
	"fmt"
	"sync"
	"time"
)

// Session binds a connection identity to a group and a container for
// the life of one agent run.
type Session struct {
	ID          string    `json:"session_id"`
	Group       string    `json:"group"`
	ContainerID string    `json:"container_id"`
	Identity    string    `json:"-"`
	StartedAt   time.Time `json:"started_at"`
}

// SessionManager owns the identity→session map. All operations are
// serialised under a single lock and never hold it across I/O.
type SessionManager struct {
	mu         sync.Mutex
	groupCap   int
	byIdentity map[string]*Session
	byID       map[string]*Session
	groupCount map[string]int

	// onDestroy hooks let collaborators (rate limiter buckets) sweep
	// per-session state when a session dies.
	onDestroy []func(sessionID string)
}

// DefaultGroupCap is the per-group live session cap.
const DefaultGroupCap = 3

// NewSessionManager creates a manager with the given per-group cap;
// cap <= 0 selects the default.
func NewSessionManager(groupCap int) *SessionManager {
	if groupCap <= 0 {
		groupCap = DefaultGroupCap
	}
	return &SessionManager{
		groupCap:   groupCap,
		byIdentity: make(map[string]*Session),
		byID:       make(map[string]*Session),
		groupCount: make(map[string]int),
	}
}

// OnDestroy registers a hook invoked (outside the lock) with the id of
// every destroyed session.
func (m *SessionManager) OnDestroy(fn func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDestroy = append(m.onDestroy, fn)
}

// BindOrCreate binds identity to a session for group, creating one if
// the identity is unknown. proposedID, when non-empty and unused, is
// taken as the session id so the id the lifecycle manager placed in the
// container environment stays valid. Creating one session beyond the
// group cap fails with ErrGroupCapExceeded.
func (m *SessionManager) BindOrCreate(identity, group, containerID, proposedID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.byIdentity[identity]; ok {
		return *s, nil
	}
	if m.groupCount[group] >= m.groupCap {
		return Session{}, fmt.Errorf("group %q: %w", group, ErrGroupCapExceeded)
	}

	id := proposedID
	if id == "" {
		id = NewID()
	}
	if _, taken := m.byID[id]; taken {
		id = NewID()
	}
	s := &Session{
		ID:          id,
		Group:       group,
		ContainerID: containerID,
		Identity:    identity,
		StartedAt:   NowUTC(),
	}
	m.byIdentity[identity] = s
	m.byID[id] = s
	m.groupCount[group]++
	return *s, nil
}

// Lookup returns the session bound to identity.
func (m *SessionManager) Lookup(identity string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byIdentity[identity]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Destroy unbinds identity and releases its group slot. The destroyed
// session is returned for logging.
func (m *SessionManager) Destroy(identity string) (Session, bool) {
	m.mu.Lock()
	s, ok := m.byIdentity[identity]
	if !ok {
		m.mu.Unlock()
		return Session{}, false
	}
	delete(m.byIdentity, identity)
	delete(m.byID, s.ID)
	if m.groupCount[s.Group] > 0 {
		m.groupCount[s.Group]--
	}
	hooks := m.onDestroy
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(s.ID)
	}
	return *s, true
}

// DestroyByContainer destroys the session owned by containerID, if any.
func (m *SessionManager) DestroyByContainer(containerID string) (Session, bool) {
	m.mu.Lock()
	var identity string
	for id, s := range m.byIdentity {
		if s.ContainerID == containerID {
			identity = id
			break
		}
	}
	m.mu.Unlock()
	if identity == "" {
		return Session{}, false
	}
	return m.Destroy(identity)
}

// CountByGroup returns the number of live sessions in group.
func (m *SessionManager) CountByGroup(group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groupCount[group]
}

// Count returns the total number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byIdentity)
}
