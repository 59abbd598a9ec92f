package persistence

import (
	"strings"

	"github.com/cfdisync/backend/internal/domain/shared"
)

// ValidateSortOrder validates and normalizes the sort order to ASC or DESC.
// Returns "DESC" as the default if the input is invalid or empty.
func ValidateSortOrder(orderDir string) string {
	if strings.ToUpper(strings.TrimSpace(orderDir)) == "ASC" {
		return "ASC"
	}
	return "DESC"
}

// ValidateSortField returns sortField when it is whitelisted, defaultField otherwise.
func ValidateSortField(sortField string, allowedFields map[string]bool, defaultField string) string {
	trimmed := strings.TrimSpace(sortField)
	if allowedFields[trimmed] {
		return trimmed
	}
	return defaultField
}

// orderClause builds a safe ORDER BY from a list filter. The id tiebreaker
// keeps pagination stable when the sort column has duplicates.
func orderClause(filter shared.Filter, allowed map[string]bool, defaultField string) string {
	field := ValidateSortField(filter.OrderBy, allowed, defaultField)
	return field + " " + ValidateSortOrder(filter.OrderDir) + ", id " + ValidateSortOrder(filter.OrderDir)
}

// DocumentSortFields contains allowed sort fields for fiscal documents
var DocumentSortFields = map[string]bool{
	"created_at":       true,
	"issued_at":        true,
	"stamped_at":       true,
	"total":            true,
	"issuer_rfc":       true,
	"recipient_rfc":    true,
	"authority_status": true,
	"last_checked_at":  true,
}

// DownloadRequestSortFields contains allowed sort fields for download requests
var DownloadRequestSortFields = map[string]bool{
	"created_at":  true,
	"updated_at":  true,
	"range_start": true,
	"status":      true,
}

// AuditLogSortFields contains allowed sort fields for audit rows
var AuditLogSortFields = map[string]bool{
	"created_at":  true,
	"occurred_at": true,
}
