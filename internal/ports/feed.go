package ports

import (
	"context"

	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
)

type FeedFetcher interface {
	Fetch(ctx context.Context, url string) (domain.Feed, error)
}
