package timelapse

import (
	"sort"
	"sync"
	"time"

	"trail-lapse/pkg/models"
)

type lockEntry struct {
	state     models.RegenerationState
	startedAt time.Time
}

// lockTable holds one entry per trail with a regeneration in flight.
type lockTable struct {
	mu   sync.Mutex
	held map[models.TrailKey]*lockEntry
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[models.TrailKey]*lockEntry)}
}

// tryAcquire takes the lock for key, or reports false if it is already held.
func (t *lockTable) tryAcquire(key models.TrailKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.held[key]; ok {
		return false
	}
	t.held[key] = &lockEntry{state: models.StateLocked, startedAt: time.Now().UTC()}
	return true
}

func (t *lockTable) release(key models.TrailKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, key)
}

func (t *lockTable) setState(key models.TrailKey, state models.RegenerationState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.held[key]; ok {
		e.state = state
	}
}

func (t *lockTable) isHeld(key models.TrailKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.held[key]
	return ok
}

func (t *lockTable) snapshot() []models.RegenerationStatus {
	t.mu.Lock()
	out := make([]models.RegenerationStatus, 0, len(t.held))
	for key, e := range t.held {
		out = append(out, models.RegenerationStatus{
			OrganizationID: key.OrganizationID,
			TrailID:        key.TrailID,
			State:          e.state,
			StartedAt:      e.startedAt,
		})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OrganizationID != out[j].OrganizationID {
			return out[i].OrganizationID < out[j].OrganizationID
		}
		return out[i].TrailID < out[j].TrailID
	})
	return out
}
