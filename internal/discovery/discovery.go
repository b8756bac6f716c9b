package discovery

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Discoverer yields candidate source refs. Refs are opaque to the orchestrator.
type Discoverer interface {
	Discover(ctx context.Context) ([]string, error)
}

// Static returns a fixed list.
type Static []string

func (s Static) Discover(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// File reads one ref per line, skipping blanks and # comments. The file is re-read on
// every call so operators can edit it while the process runs.
type File struct {
	Path string
}

func (f File) Discover(ctx context.Context) ([]string, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open refs file: %w", err)
	}
	defer fh.Close()

	var out []string
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read refs file: %w", err)
	}
	return out, nil
}

// Multi merges several discoverers, dropping duplicates while keeping first-seen order.
// A failing source does not hide the refs of the others; its error is joined into the result.
type Multi []Discoverer

func (m Multi) Discover(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var (
		out  []string
		errs []error
	)
	for _, d := range m {
		refs, err := d.Discover(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		for _, r := range refs {
			r = strings.TrimSpace(r)
			if r == "" {
				continue
			}
			if _, dup := seen[r]; dup {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out, errors.Join(errs...)
}
