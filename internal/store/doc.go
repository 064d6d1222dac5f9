// Package store defines the outcome ledger interface. Implementations live
// under internal/storage; this package must not import database drivers.
package store
