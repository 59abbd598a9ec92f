// Package models contains GORM persistence models that map to database tables.
// They are kept apart from domain entities so the domain stays free of ORM
// tags; every model has TableName, ToDomain and FromDomain.
//
// Structure:
//   - base.go: shared identity, version and tenant columns
//   - fiscal.go: tenants, sync settings, credentials, requests, packages
//   - document.go: fiscal documents, lines and the status ledger
//   - reconciliation.go: external connections and reconciliation records
//   - audit.go: audit log rows
package models
