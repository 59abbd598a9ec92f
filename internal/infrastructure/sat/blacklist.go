package sat

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"

	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/infrastructure/telemetry"
)

// BlacklistKind is the taxpayer's situation in the 69-B list.
type BlacklistKind string

const (
	BlacklistDefinitive      BlacklistKind = "definitive"
	BlacklistPresumed        BlacklistKind = "presumed"
	BlacklistRebutted        BlacklistKind = "rebutted"
	BlacklistFavorableRuling BlacklistKind = "favorable_ruling"
)

// Listed reports whether the situation still marks the taxpayer as an
// issuer of simulated operations.
func (k BlacklistKind) Listed() bool {
	return k == BlacklistDefinitive || k == BlacklistPresumed
}

// BlacklistResult is the outcome of a lookup.
type BlacklistResult struct {
	RFC         string        `json:"rfc"`
	Listed      bool          `json:"listed"`
	Kind        BlacklistKind `json:"kind,omitempty"`
	Name        string        `json:"name,omitempty"`
	PublishedAt *time.Time    `json:"published_at,omitempty"`
	FetchedAt   time.Time     `json:"fetched_at"`
}

type blacklistEntry struct {
	name        string
	kind        BlacklistKind
	publishedAt *time.Time
}

// BlacklistClient looks taxpayers up in the published 69-B list. The list is
// downloaded as a Latin-1 CSV and kept in memory for TTL.
type BlacklistClient struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	mu        sync.RWMutex
	entries   map[string]blacklistEntry
	fetchedAt time.Time
}

// NewBlacklistClient creates a client for the list published at url.
func NewBlacklistClient(url string, ttl, timeout time.Duration, logger *zap.Logger) *BlacklistClient {
	if url == "" {
		url = DefaultBlacklistURL
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlacklistClient{
		url:        url,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("sat.blacklist"),
		now:        time.Now,
	}
}

// Lookup returns the list situation of rfc. A taxpayer absent from the list
// yields Listed=false and an empty Kind.
func (b *BlacklistClient) Lookup(ctx context.Context, rfc string) (*BlacklistResult, error) {
	rfc = strings.ToUpper(strings.TrimSpace(rfc))
	if rfc == "" {
		return nil, fiscal.NewBusinessRuleError("rfc is required")
	}
	if err := b.refreshIfStale(ctx); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	result := &BlacklistResult{RFC: rfc, FetchedAt: b.fetchedAt}
	if e, ok := b.entries[rfc]; ok {
		result.Kind = e.kind
		result.Listed = e.kind.Listed()
		result.Name = e.name
		result.PublishedAt = e.publishedAt
	}
	return result, nil
}

func (b *BlacklistClient) refreshIfStale(ctx context.Context) error {
	b.mu.RLock()
	fresh := b.entries != nil && b.now().Sub(b.fetchedAt) < b.ttl
	b.mu.RUnlock()
	if fresh {
		return nil
	}

	ctx, span := telemetry.StartClientSpan(ctx, "sat", "blacklist_refresh")
	defer span.End()

	entries, err := b.fetch(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		b.mu.RLock()
		stale := b.entries != nil
		b.mu.RUnlock()
		if stale {
			// Serve the previous snapshot rather than failing lookups.
			b.logger.Warn("69-B refresh failed, serving previous snapshot", zap.Error(err))
			return nil
		}
		return err
	}

	b.mu.Lock()
	b.entries = entries
	b.fetchedAt = b.now().UTC()
	b.mu.Unlock()
	telemetry.SetAttribute(span, "entries", len(entries))
	b.logger.Info("69-B list refreshed", zap.Int("entries", len(entries)))
	return nil
}

func (b *BlacklistClient) fetch(ctx context.Context) (map[string]blacklistEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		return nil, fmt.Errorf("sat: failed to create request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fiscal.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: 69-B list HTTP %d", fiscal.ErrTransport, resp.StatusCode)
	}
	return parseBlacklist(charmap.ISO8859_1.NewDecoder().Reader(resp.Body))
}

// parseBlacklist reads the 69-B CSV. Rows before the header (the one with
// an RFC column) are preamble and skipped.
func parseBlacklist(r io.Reader) (map[string]blacklistEntry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	rfcCol, situationCol := -1, -1
	var header []string
	entries := make(map[string]blacklistEntry)
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: 69-B list: %v", fiscal.ErrProtocol, err)
		}
		if header == nil {
			for i, col := range row {
				switch key := fold(col); {
				case key == "rfc":
					rfcCol = i
				case strings.HasPrefix(key, "situacion"):
					situationCol = i
				}
			}
			if rfcCol >= 0 && situationCol >= 0 {
				header = row
			}
			continue
		}
		if rfcCol >= len(row) || situationCol >= len(row) {
			continue
		}
		kind, ok := blacklistKind(row[situationCol])
		if !ok {
			continue
		}
		rfc := strings.ToUpper(strings.TrimSpace(row[rfcCol]))
		if rfc == "" {
			continue
		}
		entry := blacklistEntry{kind: kind, publishedAt: publicationDate(header, row, kind)}
		if rfcCol+1 < len(row) {
			entry.name = strings.TrimSpace(row[rfcCol+1])
		}
		entries[rfc] = entry
	}
	if header == nil {
		return nil, fmt.Errorf("%w: 69-B list has no header row", fiscal.ErrProtocol)
	}
	return entries, nil
}

func blacklistKind(situation string) (BlacklistKind, bool) {
	switch fold(situation) {
	case "definitivo":
		return BlacklistDefinitive, true
	case "presunto":
		return BlacklistPresumed, true
	case "desvirtuado":
		return BlacklistRebutted, true
	case "sentencia favorable":
		return BlacklistFavorableRuling, true
	}
	return "", false
}

var publicationColumnKeyword = map[BlacklistKind]string{
	BlacklistDefinitive:      "definitivos",
	BlacklistPresumed:        "presuntos",
	BlacklistRebutted:        "desvirtuados",
	BlacklistFavorableRuling: "sentencia favorable",
}

// publicationDate returns the SAT-site publication date matching kind.
func publicationDate(header, row []string, kind BlacklistKind) *time.Time {
	keyword := publicationColumnKeyword[kind]
	for i, col := range header {
		key := fold(col)
		if i >= len(row) || !strings.Contains(key, "publicacion pagina sat") || !strings.Contains(key, keyword) {
			continue
		}
		if t, err := time.Parse("02/01/2006", strings.TrimSpace(row[i])); err == nil {
			return &t
		}
	}
	return nil
}

// fold lower-cases s and strips accents so headers compare reliably.
func fold(s string) string {
	decomposed := norm.NFD.String(strings.ToLower(strings.TrimSpace(s)))
	var b strings.Builder
	for _, r := range decomposed {
		if r >= 0x300 && r <= 0x36f {
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
