package app

import (
	"sync"
	"weak"

	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
)

// Record est la cellule partagée d'une subscription: verrou lecteur/écrivain propre,
// indépendant du verrou de la map du Registry.
//
// Le Registry en est le seul propriétaire. Quand il retire le record, detach() ferme
// le canal detached: les Handle cessent alors de se résoudre.
type Record struct {
	id uint64

	mu  sync.RWMutex
	sub domain.Subscription

	detached   chan struct{}
	detachOnce sync.Once
}

func newRecord(sub domain.Subscription) *Record {
	return &Record{id: sub.ID, sub: sub.Clone(), detached: make(chan struct{})}
}

func (r *Record) ID() uint64 { return r.id }

// Snapshot clone la subscription sous verrou de lecture.
func (r *Record) Snapshot() domain.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sub.Clone()
}

// Mutate applique fn sous verrou d'écriture. L'id reste immuable.
func (r *Record) Mutate(fn func(sub *domain.Subscription)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.sub)
	r.sub.ID = r.id
}

// Alive indique si le Registry détient encore ce record.
func (r *Record) Alive() bool {
	select {
	case <-r.detached:
		return false
	default:
		return true
	}
}

// Detached est fermé quand le record quitte le Registry.
func (r *Record) Detached() <-chan struct{} { return r.detached }

func (r *Record) detach() {
	r.detachOnce.Do(func() { close(r.detached) })
}

// Handle est une référence non propriétaire vers un Record (weak.Pointer): seul
// le Registry garde le record en vie. Le canal detached est conservé à part pour
// que Done reste utilisable après la collecte du record.
type Handle struct {
	rec      weak.Pointer[Record]
	id       uint64
	detached <-chan struct{}
}

func (r *Record) Handle() Handle {
	return Handle{rec: weak.Make(r), id: r.id, detached: r.detached}
}

func (h Handle) ID() uint64 { return h.id }

// Resolve renvoie le record tant que le Registry le détient.
func (h Handle) Resolve() (*Record, bool) {
	if h.detached == nil || isDone(h.detached) {
		return nil, false
	}
	rec := h.rec.Value()
	if rec == nil || !rec.Alive() {
		return nil, false
	}
	return rec, true
}

// Done est fermé quand le record est retiré. Un Handle vide est considéré retiré.
func (h Handle) Done() <-chan struct{} {
	if h.detached == nil {
		return closedChan
	}
	return h.detached
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// ItemHandle désigne un item d'une subscription via un Handle.
type ItemHandle struct {
	Sub    Handle
	ItemID int
}

func (h Handle) Item(itemID int) ItemHandle {
	return ItemHandle{Sub: h, ItemID: itemID}
}

// Snapshot renvoie une copie de l'item, ou false si le record ou l'item a disparu.
func (h ItemHandle) Snapshot() (domain.Item, bool) {
	rec, ok := h.Sub.Resolve()
	if !ok {
		return domain.Item{}, false
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	it, ok := rec.sub.Item(h.ItemID)
	if !ok {
		return domain.Item{}, false
	}
	return it.Clone(), true
}

// Update modifie l'item sous le verrou d'écriture du record.
// Renvoie false (sans erreur) si la cible n'existe plus.
func (h ItemHandle) Update(fn func(it *domain.Item)) bool {
	rec, ok := h.Sub.Resolve()
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.Alive() {
		return false
	}
	it, ok := rec.sub.Item(h.ItemID)
	if !ok {
		return false
	}
	id := it.ID
	fn(it)
	it.ID = id
	return true
}
