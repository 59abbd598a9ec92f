package migration

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	migrationFile = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)
	nonSlug       = regexp.MustCompile(`[^a-z0-9]+`)
)

// Entry is one migration pair found in a directory.
type Entry struct {
	Version uint64
	Name    string
	HasDown bool
}

// List returns the migrations in fsys ordered by version.
func List(fsys fs.FS) ([]Entry, error) {
	files, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	byVersion := map[uint64]*Entry{}
	for _, f := range files {
		match := migrationFile.FindStringSubmatch(f.Name())
		if match == nil {
			continue
		}
		v, _ := strconv.ParseUint(match[1], 10, 64)
		e, ok := byVersion[v]
		if !ok {
			e = &Entry{Version: v, Name: match[2]}
			byVersion[v] = e
		}
		if match[3] == "down" {
			e.HasDown = true
		}
	}
	out := make([]Entry, 0, len(byVersion))
	for _, e := range byVersion {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Create writes an empty up/down pair numbered after the highest existing
// version and returns the up file path.
func Create(dir, name string) (string, error) {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "_"), "_")
	if slug == "" {
		return "", errors.New("migration name must contain letters or digits")
	}
	existing, err := List(os.DirFS(dir))
	if err != nil {
		return "", err
	}
	next := uint64(1)
	if n := len(existing); n > 0 {
		next = existing[n-1].Version + 1
	}
	base := filepath.Join(dir, fmt.Sprintf("%06d_%s", next, slug))
	for _, suffix := range []string{".up.sql", ".down.sql"} {
		f, err := os.OpenFile(base+suffix, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return "", fmt.Errorf("create %s: %w", base+suffix, err)
		}
		_, err = fmt.Fprintf(f, "-- %s (%s)\n", name, strings.TrimPrefix(suffix, "."))
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return "", err
		}
	}
	return base + ".up.sql", nil
}
