package app

import (
	"strings"

	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
)

// ParseEntries convertit les entrées d'un flux en items candidats (sans id).
// Titre et description absents reçoivent un placeholder; le lien est obligatoire,
// une entrée sans lien est ignorée.
func ParseEntries(entries []domain.FeedEntry) []domain.Item {
	out := make([]domain.Item, 0, len(entries))
	for _, e := range entries {
		link := strings.TrimSpace(e.Link)
		if link == "" {
			continue
		}
		title := strings.TrimSpace(e.Title)
		if title == "" {
			title = domain.UntitledPlaceholder
		}
		desc := strings.TrimSpace(e.Description)
		if desc == "" {
			desc = domain.NoDescriptionPlaceholder
		}
		out = append(out, domain.Item{
			Title:       title,
			Link:        link,
			Description: desc,
			Enclosure:   strings.TrimSpace(e.Enclosure),
			Status:      domain.ItemUnread,
		})
	}
	return out
}

func diffKeyOf(it domain.Item, key domain.DiffKey) string {
	if key == domain.DiffByLink {
		return it.Link
	}
	return it.Title
}

// Diff renvoie les candidats absents de existing (selon key), dans l'ordre du flux,
// avec des ids contigus à partir de len(existing). Seuls les items existants servent
// de référence: deux entrées du même lot avec la même clé sont toutes deux ajoutées.
func Diff(existing, candidates []domain.Item, key domain.DiffKey) []domain.Item {
	if !key.Valid() {
		key = domain.DiffByTitle
	}
	seen := make(map[string]struct{}, len(existing))
	for _, it := range existing {
		seen[diffKeyOf(it, key)] = struct{}{}
	}

	var out []domain.Item
	next := len(existing)
	for _, c := range candidates {
		k := diffKeyOf(c, key)
		if _, ok := seen[k]; ok {
			continue
		}
		c.ID = next
		next++
		out = append(out, c)
	}
	return out
}
