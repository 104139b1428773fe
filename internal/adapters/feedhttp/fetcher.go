// Package feedhttp récupère et parse des flux RSS/Atom en HTTP(S).
package feedhttp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"

	"github.com/Guilhem-Bonnet/feedwatch/internal/buildinfo"
	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
)

const (
	DefaultMaxBodyBytes = 10 << 20
	torrentMIME         = "application/x-bittorrent"
)

type Options struct {
	Timeout      time.Duration
	HostInterval time.Duration
	MaxBodyBytes int64
	UserAgent    string
}

type Fetcher struct {
	logger  zerolog.Logger
	client  *http.Client
	limiter *HostLimiter
	opts    Options
}

func New(logger zerolog.Logger, opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "feedwatch/" + buildinfo.Version
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Fetcher{
		logger:  logger,
		client:  &http.Client{Timeout: opts.Timeout, Transport: transport},
		limiter: NewHostLimiter(opts.HostInterval),
		opts:    opts,
	}
}

// WithClient remplace le client HTTP (tests).
func (f *Fetcher) WithClient(c *http.Client) *Fetcher {
	f.client = c
	return f
}

func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (domain.Feed, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return domain.Feed{}, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return domain.Feed{}, fmt.Errorf("unsupported protocol scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return domain.Feed{}, fmt.Errorf("missing host in url %q", rawURL)
	}

	if err := f.limiter.Wait(ctx, u.Host); err != nil {
		return domain.Feed{}, fmt.Errorf("rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return domain.Feed{}, err
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return domain.Feed{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return domain.Feed{}, fmt.Errorf("unexpected http status %d", resp.StatusCode)
	}

	parsed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, f.opts.MaxBodyBytes))
	if err != nil {
		return domain.Feed{}, fmt.Errorf("parse feed: %w", err)
	}

	feed := convert(parsed)
	f.logger.Debug().
		Str("url", rawURL).
		Int("entries", len(feed.Entries)).
		Dur("duration", time.Since(start)).
		Msg("feed fetched")
	return feed, nil
}

func convert(in *gofeed.Feed) domain.Feed {
	out := domain.Feed{
		Title:       strings.TrimSpace(in.Title),
		Description: strings.TrimSpace(in.Description),
		Entries:     make([]domain.FeedEntry, 0, len(in.Items)),
	}
	for _, it := range in.Items {
		if it == nil {
			continue
		}
		link := strings.TrimSpace(it.Link)
		if link == "" && len(it.Links) > 0 {
			link = strings.TrimSpace(it.Links[0])
		}
		desc := strings.TrimSpace(it.Description)
		if desc == "" {
			desc = strings.TrimSpace(it.Content)
		}
		out.Entries = append(out.Entries, domain.FeedEntry{
			Title:       strings.TrimSpace(it.Title),
			Link:        link,
			Description: desc,
			Enclosure:   torrentEnclosure(it.Enclosures),
		})
	}
	return out
}

// torrentEnclosure renvoie la première pièce jointe torrent (type MIME ou extension).
func torrentEnclosure(encs []*gofeed.Enclosure) string {
	for _, e := range encs {
		if e == nil || e.URL == "" {
			continue
		}
		if strings.EqualFold(e.Type, torrentMIME) {
			return e.URL
		}
		if u, err := url.Parse(e.URL); err == nil && strings.HasSuffix(strings.ToLower(u.Path), ".torrent") {
			return e.URL
		}
		if strings.HasPrefix(e.URL, "magnet:") {
			return e.URL
		}
	}
	return ""
}
