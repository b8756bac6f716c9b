package discovery

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Feed discovers refs from an Atom or RSS channel feed. Entries older than MaxAge are
// skipped when MaxAge is set and the entry carries a parseable date.
type Feed struct {
	URL      string
	MaxItems int
	MaxAge   time.Duration
	Client   *http.Client
	Now      func() time.Time
}

type atomFeed struct {
	Entries []struct {
		ID        string `xml:"id"`
		Published string `xml:"published"`
		Updated   string `xml:"updated"`
		Links     []struct {
			Href string `xml:"href,attr"`
			Rel  string `xml:"rel,attr"`
		} `xml:"link"`
	} `xml:"entry"`
}

type rssFeed struct {
	Items []struct {
		Link    string `xml:"link"`
		GUID    string `xml:"guid"`
		PubDate string `xml:"pubDate"`
	} `xml:"channel>item"`
}

type feedEntry struct {
	ref string
	at  time.Time
}

func (f *Feed) Discover(ctx context.Context) ([]string, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", f.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetch feed %s: status %d", f.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return nil, fmt.Errorf("read feed %s: %w", f.URL, err)
	}

	entries, err := parseFeed(body)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", f.URL, err)
	}

	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	var out []string
	for _, e := range entries {
		if f.MaxAge > 0 && !e.at.IsZero() && now().Sub(e.at) > f.MaxAge {
			continue
		}
		out = append(out, e.ref)
		if f.MaxItems > 0 && len(out) >= f.MaxItems {
			break
		}
	}
	return out, nil
}

func parseFeed(body []byte) ([]feedEntry, error) {
	var root struct {
		XMLName xml.Name
	}
	if err := xml.Unmarshal(body, &root); err != nil {
		return nil, err
	}
	switch root.XMLName.Local {
	case "feed":
		var af atomFeed
		if err := xml.Unmarshal(body, &af); err != nil {
			return nil, err
		}
		out := make([]feedEntry, 0, len(af.Entries))
		for _, e := range af.Entries {
			ref := ""
			for _, l := range e.Links {
				if l.Rel == "" || l.Rel == "alternate" {
					ref = l.Href
					break
				}
			}
			if ref == "" {
				ref = e.ID
			}
			if ref = strings.TrimSpace(ref); ref == "" {
				continue
			}
			at := parseTime(e.Published)
			if at.IsZero() {
				at = parseTime(e.Updated)
			}
			out = append(out, feedEntry{ref: ref, at: at})
		}
		return out, nil
	case "rss":
		var rf rssFeed
		if err := xml.Unmarshal(body, &rf); err != nil {
			return nil, err
		}
		out := make([]feedEntry, 0, len(rf.Items))
		for _, it := range rf.Items {
			ref := strings.TrimSpace(it.Link)
			if ref == "" {
				ref = strings.TrimSpace(it.GUID)
			}
			if ref == "" {
				continue
			}
			out = append(out, feedEntry{ref: ref, at: parseTime(it.PubDate)})
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported feed root <%s>", root.XMLName.Local)
}

func parseTime(v string) time.Time {
	v = strings.TrimSpace(v)
	for _, layout := range []string{time.RFC3339, time.RFC1123Z, time.RFC1123} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
