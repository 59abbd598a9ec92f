// Package fiscal contains the fiscal-document bounded context: signing
// credentials, bulk-download requests and their packages, stamped documents
// and the append-only ledger of authority status checks.
//
// Key invariants:
//   - exactly one active SigningCredential per (tenant, kind)
//   - DownloadRequest and DownloadPackage statuses only move forward
//   - a FiscalDocument is unique per (tenant, UUID)
//   - the document status projection is written only by UpdateStatus, after
//     the StatusCheck it mirrors has been appended
package fiscal
