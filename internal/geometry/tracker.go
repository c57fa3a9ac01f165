package geometry

import (
	"sort"

	"github.com/rs/zerolog/log"
)

// Dependency is one id a partially decoded resource is waiting for.
type Dependency struct {
	ID   UID
	Type PayloadType
}

// Incomplete is a decoded resource held back until its dependencies are
// stored. Value is one of Node, Material, MaterialInstance, Skin, FontAtlas
// or TextCanvas.
type Incomplete struct {
	UID     UID
	Type    PayloadType
	Value   any
	Pending map[UID]PayloadType
	// MaterialSlots maps a material id to the node material indices it fills.
	MaterialSlots map[UID][]int
}

// MissingResource is a dependency that has not arrived. Waiting holds the
// uids of incomplete resources blocked on it.
type MissingResource struct {
	ID      UID
	Type    PayloadType
	Waiting map[UID]struct{}
}

// Tracker is an arena of incomplete resources keyed by uid. Edges are plain
// ids in both directions, so resolution is a walk over two maps.
type Tracker struct {
	incomplete map[UID]*Incomplete
	missing    map[UID]*MissingResource
}

func NewTracker() *Tracker {
	return &Tracker{
		incomplete: make(map[UID]*Incomplete),
		missing:    make(map[UID]*MissingResource),
	}
}

// Register stores inc in the arena and records it as waiting on each of its
// pending dependencies. Registering a uid again replaces the earlier entry.
func (t *Tracker) Register(inc *Incomplete) {
	if old, ok := t.incomplete[inc.UID]; ok {
		t.detach(old)
	}
	t.incomplete[inc.UID] = inc
	for id, typ := range inc.Pending {
		m, ok := t.missing[id]
		if !ok {
			m = &MissingResource{ID: id, Type: typ, Waiting: make(map[UID]struct{})}
			t.missing[id] = m
		} else if m.Type != typ {
			log.Warn().
				Uint64("uid", id).
				Stringer("registered", m.Type).
				Stringer("requested", typ).
				Uint64("waiter", inc.UID).
				Msg("missing resource type mismatch, keeping first type")
		}
		m.Waiting[inc.UID] = struct{}{}
	}
}

func (t *Tracker) detach(inc *Incomplete) {
	for id := range inc.Pending {
		m, ok := t.missing[id]
		if !ok {
			continue
		}
		delete(m.Waiting, inc.UID)
		if len(m.Waiting) == 0 {
			delete(t.missing, id)
		}
	}
	delete(t.incomplete, inc.UID)
}

// Resolve marks uid as stored. Every waiter loses that dependency; waiters
// with nothing left pending are removed from the arena and returned in uid
// order.
func (t *Tracker) Resolve(uid UID) []*Incomplete {
	m, ok := t.missing[uid]
	if !ok {
		return nil
	}
	delete(t.missing, uid)
	var ready []*Incomplete
	for waiter := range m.Waiting {
		inc, ok := t.incomplete[waiter]
		if !ok {
			continue
		}
		delete(inc.Pending, uid)
		if len(inc.Pending) == 0 {
			delete(t.incomplete, waiter)
			ready = append(ready, inc)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].UID < ready[j].UID })
	return ready
}

// Forget drops uid from the arena, as when a completed copy supersedes it.
func (t *Tracker) Forget(uid UID) {
	if inc, ok := t.incomplete[uid]; ok {
		t.detach(inc)
	}
}

// MissingIDs lists every awaited id in ascending order.
func (t *Tracker) MissingIDs() []UID {
	return sortedKeys(t.missing)
}

func (t *Tracker) Missing(uid UID) (*MissingResource, bool) {
	m, ok := t.missing[uid]
	return m, ok
}

func (t *Tracker) Incomplete(uid UID) (*Incomplete, bool) {
	inc, ok := t.incomplete[uid]
	return inc, ok
}

// IsIncomplete reports whether uid was decoded but is still waiting.
func (t *Tracker) IsIncomplete(uid UID) bool {
	_, ok := t.incomplete[uid]
	return ok
}

// Len returns the number of incomplete resources and missing ids.
func (t *Tracker) Len() (incomplete, missing int) {
	return len(t.incomplete), len(t.missing)
}

func (t *Tracker) Reset() {
	clear(t.incomplete)
	clear(t.missing)
}
