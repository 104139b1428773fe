package app

import (
	"sort"
	"sync"

	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
)

// Registry: map id → Record et compteur d'id.
//
// Seul le Coordinator modifie la map et le compteur (insert, remove, restore).
// Le verrou mu ne protège que la structure; il n'est jamais pris pendant une
// mutation de record.
type Registry struct {
	mu      sync.RWMutex
	records map[uint64]*Record
	lastID  uint64
}

func NewRegistry() *Registry {
	return &Registry{records: make(map[uint64]*Record)}
}

func (r *Registry) LastID() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastID
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *Registry) Get(id uint64) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Records renvoie les records triés par id.
func (r *Registry) Records() []*Record {
	r.mu.RLock()
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Snapshot clone chaque subscription sous son propre verrou, après avoir relâché celui
// de la map. Deux subscriptions peuvent donc refléter des instants différents.
func (r *Registry) Snapshot() (uint64, []domain.Subscription) {
	lastID := r.LastID()
	recs := r.Records()
	subs := make([]domain.Subscription, 0, len(recs))
	for _, rec := range recs {
		subs = append(subs, rec.Snapshot())
	}
	return lastID, subs
}

// insert attribue id = compteur+1 et enregistre le record.
func (r *Registry) insert(sub domain.Subscription) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastID++
	sub.ID = r.lastID
	rec := newRecord(sub)
	r.records[rec.id] = rec
	return rec
}

func (r *Registry) remove(id uint64) (*Record, bool) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if ok {
		delete(r.records, id)
	}
	r.mu.Unlock()
	if ok {
		rec.detach()
	}
	return rec, ok
}

// restore recharge un snapshot. Le compteur ne redescend jamais sous le plus grand id.
func (r *Registry) restore(lastID uint64, subs []domain.Subscription) []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Record, 0, len(subs))
	for _, sub := range subs {
		if sub.ID == 0 {
			continue
		}
		rec := newRecord(sub)
		r.records[rec.id] = rec
		if rec.id > lastID {
			lastID = rec.id
		}
		out = append(out, rec)
	}
	if lastID > r.lastID {
		r.lastID = lastID
	}
	return out
}
