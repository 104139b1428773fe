package domain

import "time"

type SubscriptionStatus string

const (
	SubscriptionCreated SubscriptionStatus = "created"
	SubscriptionUpdated SubscriptionStatus = "updated"
	SubscriptionError   SubscriptionStatus = "error"
)

type Subscription struct {
	ID uint64

	// URL du flux (RSS/Atom).
	URL         string
	Title       string
	Description string

	Items []Item

	LastUpdate     time.Time
	UpdateInterval time.Duration

	Status SubscriptionStatus
	// StatusReason porte la raison quand Status == error.
	StatusReason string

	AutoDownload bool

	// RetryAt n'est pas persisté : prochain essai après une erreur de fetch.
	RetryAt time.Time
}

// Clone renvoie une copie profonde (items et métadonnées compris).
func (s Subscription) Clone() Subscription {
	out := s
	if s.Items != nil {
		out.Items = make([]Item, len(s.Items))
		for i, it := range s.Items {
			out.Items[i] = it.Clone()
		}
	}
	return out
}

// Item renvoie l'item d'identifiant id, s'il existe.
func (s *Subscription) Item(id int) (*Item, bool) {
	if id < 0 || id >= len(s.Items) {
		return nil, false
	}
	it := &s.Items[id]
	if it.ID != id {
		return nil, false
	}
	return it, true
}

type Feed struct {
	Title       string
	Description string
	Entries     []FeedEntry
}

// FeedEntry: les champs vides signifient "absent" dans le document.
type FeedEntry struct {
	Title       string
	Link        string
	Description string
	// Enclosure: URL d'une pièce jointe torrent, si le flux en expose une.
	Enclosure string
}

type DiffKey string

const (
	DiffByTitle DiffKey = "title"
	DiffByLink  DiffKey = "link"
)

func (k DiffKey) Valid() bool {
	return k == DiffByTitle || k == DiffByLink
}
