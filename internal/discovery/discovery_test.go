package discovery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const atomSample = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>yt:video:new</id>
    <link rel="alternate" href="https://www.youtube.com/watch?v=new"/>
    <published>2024-09-10T10:00:00+00:00</published>
  </entry>
  <entry>
    <id>yt:video:old</id>
    <link rel="alternate" href="https://www.youtube.com/watch?v=old"/>
    <published>2024-08-01T10:00:00+00:00</published>
  </entry>
</feed>`

const rssSample = `<?xml version="1.0"?>
<rss version="2.0"><channel>
  <item><link>https://example.com/a</link><pubDate>Tue, 10 Sep 2024 09:00:00 +0000</pubDate></item>
  <item><guid>https://example.com/b</guid></item>
</channel></rss>`

func feedServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/atom":
			_, _ = w.Write([]byte(atomSample))
		case "/rss":
			_, _ = w.Write([]byte(rssSample))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFeedAtomHonoursMaxAge(t *testing.T) {
	srv := feedServer(t)
	now := time.Date(2024, 9, 10, 12, 0, 0, 0, time.UTC)
	f := &Feed{URL: srv.URL + "/atom", MaxAge: 48 * time.Hour, Now: func() time.Time { return now }}
	refs, err := f.Discover(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if !reflect.DeepEqual(refs, []string{"https://www.youtube.com/watch?v=new"}) {
		t.Fatalf("unexpected refs %v", refs)
	}
}

func TestFeedRSS(t *testing.T) {
	srv := feedServer(t)
	refs, err := (&Feed{URL: srv.URL + "/rss"}).Discover(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if !reflect.DeepEqual(refs, []string{"https://example.com/a", "https://example.com/b"}) {
		t.Fatalf("unexpected refs %v", refs)
	}
}

func TestMultiDedupesAndKeepsPartialResults(t *testing.T) {
	srv := feedServer(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "refs.txt")
	if err := os.WriteFile(path, []byte("# manual list\nhttps://example.com/a\n\nhttps://example.com/c\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := Multi{
		Static{"https://example.com/c"},
		File{Path: path},
		&Feed{URL: srv.URL + "/missing"},
		&Feed{URL: srv.URL + "/rss"},
	}
	refs, err := m.Discover(context.Background())
	if err == nil {
		t.Fatalf("expected the missing feed error to be reported")
	}
	want := []string{"https://example.com/c", "https://example.com/a", "https://example.com/b"}
	if !reflect.DeepEqual(refs, want) {
		t.Fatalf("expected %v, got %v", want, refs)
	}
}

func TestFileMissing(t *testing.T) {
	_, err := File{Path: filepath.Join(t.TempDir(), "nope")}.Discover(context.Background())
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestSeenCache(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	ctx := context.Background()
	cache := NewSeenCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)

	if err := cache.Mark(ctx, "a", "c"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	fresh, err := cache.Filter(ctx, []string{"a", "b", "c", "d"})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if !reflect.DeepEqual(fresh, []string{"b", "d"}) {
		t.Fatalf("unexpected fresh refs %v", fresh)
	}

	mr.FastForward(2 * time.Hour)
	fresh, _ = cache.Filter(ctx, []string{"a", "b"})
	if len(fresh) != 2 {
		t.Fatalf("expired refs should be fresh again, got %v", fresh)
	}
}
