package domain

import "time"

type ItemStatus string

const (
	ItemUnread      ItemStatus = "unread"
	ItemRead        ItemStatus = "read"
	ItemDownloading ItemStatus = "downloading"
	ItemDownloaded  ItemStatus = "downloaded"
)

const (
	UntitledPlaceholder      = "(untitled)"
	NoDescriptionPlaceholder = "(no description)"
)

type Item struct {
	// ID est l'index de l'item dans sa subscription, jamais réattribué.
	ID          int
	Title       string
	Link        string
	Description string
	Enclosure   string
	Status      ItemStatus

	Torrent *TorrentMetadata
}

func (it Item) Clone() Item {
	out := it
	if it.Torrent != nil {
		t := it.Torrent.Clone()
		out.Torrent = &t
	}
	return out
}

// Source renvoie l'URL à donner au moteur: l'enclosure si présente, sinon le lien.
func (it Item) Source() string {
	if it.Enclosure != "" {
		return it.Enclosure
	}
	return it.Link
}

type TorrentFile struct {
	Filename string `json:"filename"`
	Offset   int64  `json:"offset"`
	Length   int64  `json:"length"`
}

type TorrentMetadata struct {
	Files     []TorrentFile `json:"files"`
	FetchedAt time.Time     `json:"fetchedAt"`
}

func (m TorrentMetadata) Clone() TorrentMetadata {
	out := m
	if m.Files != nil {
		out.Files = append([]TorrentFile(nil), m.Files...)
	}
	return out
}
