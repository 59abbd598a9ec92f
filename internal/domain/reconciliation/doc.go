// Package reconciliation contains the bounded context that mirrors fiscal
// documents into a tenant's external accounting system.
//
// A Connection is the tenant's link to the external system. Every reconcile
// invocation appends one immutable Record; records are never edited.
package reconciliation
