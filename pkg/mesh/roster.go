package mesh

import (
	"sync"
	"time"

	"github.com/samber/lo"
)

// Role tells the local participant apart from remote ones.
type Role int

const (
	RoleRemote Role = iota
	RoleSelf
)

func (r Role) String() string {
	if r == RoleSelf {
		return "self"
	}
	return "remote"
}

// MarshalText renders the role as "self" or "remote".
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Participant is one person in the class.
type Participant struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Role     Role          `json:"role"`
	Level    int           `json:"level"`
	XP       int           `json:"xp"`
	JoinedAt time.Time     `json:"joinedAt"`
	Stream   *RemoteStream `json:"-"`

	// connectionID is the media call that produced this entry.
	connectionID string
}

// Roster holds at most one participant per peer id, in join order.
type Roster struct {
	mu    sync.Mutex
	byID  map[string]Participant
	order []string
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{byID: make(map[string]Participant)}
}

// Add registers p. It returns false and changes nothing when the id is
// already present.
func (r *Roster) Add(p Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[p.ID]; exists {
		return false
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}
	r.byID[p.ID] = p
	r.order = append(r.order, p.ID)
	return true
}

// Remove deletes the entry for id.
func (r *Roster) Remove(id string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

// removeForConnection deletes the entry for id only if it was registered by
// connectionID, so closing a duplicate call leaves the original entry alone.
func (r *Roster) removeForConnection(id, connectionID string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok || p.connectionID != connectionID {
		return Participant{}, false
	}
	return r.removeLocked(id)
}

func (r *Roster) removeLocked(id string) (Participant, bool) {
	p, ok := r.byID[id]
	if !ok {
		return Participant{}, false
	}
	delete(r.byID, id)
	r.order = lo.Without(r.order, id)
	return p, true
}

// Get returns the entry for id.
func (r *Roster) Get(id string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	return p, ok
}

// List returns the participants in join order.
func (r *Roster) List() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Map(r.order, func(id string, _ int) Participant { return r.byID[id] })
}

// Len returns the number of participants.
func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Clear removes everyone and returns who was removed.
func (r *Roster) Clear() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := lo.Map(r.order, func(id string, _ int) Participant { return r.byID[id] })
	r.byID = make(map[string]Participant)
	r.order = nil
	return removed
}
