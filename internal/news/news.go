// Package news fetches headlines from configured RSS and Atom feeds
// and exposes them through the get_latest_news tool.
package news

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pkeller/valet-agent/internal/httpkit"
)

// Headline is a single feed entry normalized across feed formats.
type Headline struct {
	Title     string
	Link      string
	Source    string
	Published time.Time
}

// Fetcher retrieves headlines from a fixed set of feeds.
type Fetcher struct {
	feeds      []string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewFetcher creates a Fetcher for the given feed URLs.
func NewFetcher(feeds []string, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		feeds: feeds,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15 * time.Second),
		),
		logger: logger.With("component", "news"),
	}
}

// Configured reports whether any feeds are set.
func (f *Fetcher) Configured() bool {
	return len(f.feeds) > 0
}

// Latest fetches every configured feed concurrently and returns up to
// max headlines, newest first. A feed that fails to fetch or parse is
// logged and skipped so one dead feed cannot break the tool.
func (f *Fetcher) Latest(ctx context.Context, max int) ([]Headline, error) {
	if len(f.feeds) == 0 {
		return nil, fmt.Errorf("no news feeds configured")
	}
	if max < 1 {
		max = 5
	}

	var (
		mu  sync.Mutex
		all []Headline
		wg  sync.WaitGroup
	)

	for _, feedURL := range f.feeds {
		wg.Add(1)
		go func(feedURL string) {
			defer wg.Done()
			feed, err := fetchFeed(ctx, f.httpClient, feedURL)
			if err != nil {
				f.logger.Warn("Feed fetch failed", "url", feedURL, "error", err)
				return
			}
			mu.Lock()
			for _, e := range feed.Entries {
				all = append(all, Headline{
					Title:     e.Title,
					Link:      e.Link,
					Source:    feed.Title,
					Published: e.Published,
				})
			}
			mu.Unlock()
		}(feedURL)
	}
	wg.Wait()

	if len(all) == 0 {
		return nil, fmt.Errorf("no headlines available from %d feeds", len(f.feeds))
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Published.After(all[j].Published)
	})
	if len(all) > max {
		all = all[:max]
	}
	return all, nil
}

// feed is a parsed RSS or Atom document with entries normalized into a
// common structure.
type feed struct {
	Title   string
	Entries []feedEntry
}

type feedEntry struct {
	Title     string
	Link      string
	Published time.Time
}

// rssFeed is the XML structure for RSS 2.0 feeds.
type rssFeed struct {
	XMLName xml.Name   `xml:"rss"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title string    `xml:"title"`
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Title   string `xml:"title"`
	Link    string `xml:"link"`
	PubDate string `xml:"pubDate"`
}

// atomFeed is the XML structure for Atom feeds.
type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Title   string      `xml:"title"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title     string     `xml:"title"`
	Links     []atomLink `xml:"link"`
	Published string     `xml:"published"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

// parseFeed parses XML data as either an Atom or RSS feed. Atom is
// tried first.
func parseFeed(data []byte) (*feed, error) {
	var atom atomFeed
	if err := xml.Unmarshal(data, &atom); err == nil && atom.XMLName.Local == "feed" {
		return atomToFeed(&atom), nil
	}

	var rss rssFeed
	if err := xml.Unmarshal(data, &rss); err == nil && rss.XMLName.Local == "rss" {
		return rssToFeed(&rss), nil
	}

	return nil, fmt.Errorf("unrecognized feed format (expected RSS 2.0 or Atom)")
}

func atomToFeed(af *atomFeed) *feed {
	f := &feed{Title: af.Title}
	for _, e := range af.Entries {
		pub, _ := time.Parse(time.RFC3339, e.Published)
		f.Entries = append(f.Entries, feedEntry{
			Title:     e.Title,
			Link:      atomBestLink(e.Links),
			Published: pub,
		})
	}
	return f
}

// atomBestLink prefers rel="alternate" and falls back to the first link.
func atomBestLink(links []atomLink) string {
	if len(links) == 0 {
		return ""
	}
	for _, l := range links {
		if l.Rel == "alternate" || l.Rel == "" {
			return l.Href
		}
	}
	return links[0].Href
}

func rssToFeed(rf *rssFeed) *feed {
	f := &feed{Title: rf.Channel.Title}
	for _, item := range rf.Channel.Items {
		pub, _ := time.Parse(time.RFC1123Z, item.PubDate)
		if pub.IsZero() {
			// Some feeds omit the numeric timezone.
			pub, _ = time.Parse(time.RFC1123, item.PubDate)
		}
		f.Entries = append(f.Entries, feedEntry{
			Title:     item.Title,
			Link:      item.Link,
			Published: pub,
		})
	}
	return f
}

// fetchFeed retrieves and parses a feed from the given URL.
func fetchFeed(ctx context.Context, httpClient *http.Client, feedURL string) (*feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20) // 1 MB limit

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read feed body: %w", err)
	}

	return parseFeed(body)
}
