// Package finsync implements the offline-first synchronization engine for a
// personal-finance tracker. Local edits to categories, persons, expenses and
// incomes are reconciled with a shared remote document store using per-type
// watermarks, dependency gating, last-write-wins conflict resolution and a
// single-flight coordinator with exponential backoff.
package finsync

import "time"

// SyncType identifies what a sync request covers: a single entity type, or
// SyncAll meaning every type in dependency order. The numeric value doubles
// as the processing priority within a pass (lower runs first).
type SyncType int

const (
	SyncCategories SyncType = iota
	SyncPersons
	SyncExpenses
	SyncIncomes
	SyncAll
)

// leafTypes lists the concrete entity types in dependency order.
// Categories and persons must be synced before expenses and incomes.
var leafTypes = []SyncType{SyncCategories, SyncPersons, SyncExpenses, SyncIncomes}

func (t SyncType) String() string {
	switch t {
	case SyncCategories:
		return "categories"
	case SyncPersons:
		return "persons"
	case SyncExpenses:
		return "expenses"
	case SyncIncomes:
		return "incomes"
	case SyncAll:
		return "all"
	default:
		return "unknown"
	}
}

// Priority returns the deterministic ordering of types within a sync pass.
func (t SyncType) Priority() int { return int(t) }

// IsLeaf reports whether t is a concrete entity type (not SyncAll).
func (t SyncType) IsLeaf() bool { return t >= SyncCategories && t <= SyncIncomes }

// SyncMeta carries the synchronization bookkeeping common to every entity
// record. LocalID is the device-assigned primary key; RemoteID is assigned
// when the record is first uploaded and is the remote document key.
//
// Invariant: IsSynced and NeedsSync are never both true. A record with an
// empty RemoteID has never been uploaded.
type SyncMeta struct {
	LocalID      int64
	RemoteID     string
	UserID       string
	CreatedAt    int64 // unix milliseconds
	UpdatedAt    int64 // unix milliseconds
	IsSynced     bool
	NeedsSync    bool
	LastSyncedAt int64 // unix milliseconds, 0 = never synced
	Deleted      bool  // soft-delete tombstone, propagated on sync
}

// Meta exposes the embedded sync bookkeeping; every entity record satisfies
// the Record interface through it.
func (m *SyncMeta) Meta() *SyncMeta { return m }

// Record is implemented by all syncable entity types.
type Record interface {
	Meta() *SyncMeta
}

// Category is a spending/income category. Categories are global (shared
// across users) and live in their own remote collection, so they are always
// fully re-synced from epoch zero.
type Category struct {
	SyncMeta
	Name  string
	Kind  string // "expense" or "income"
	Icon  string
	Color string
}

// Person is a counterparty an expense or income is associated with.
type Person struct {
	SyncMeta
	Name string
	Note string
}

// Expense is a single spending record. CategoryID and PersonID are local
// foreign keys; on the wire they travel as the remote ids of the referenced
// records, so an expense whose category has never been uploaded is not
// uploadable yet.
type Expense struct {
	SyncMeta
	Amount     int64 // minor currency units
	Currency   string
	OccurredAt int64 // unix milliseconds
	Note       string
	CategoryID int64
	PersonID   int64 // 0 = no person
}

// Income is a single income record, shaped like Expense.
type Income struct {
	SyncMeta
	Amount     int64
	Currency   string
	OccurredAt int64
	Note       string
	CategoryID int64
	PersonID   int64
}

// millis converts a wall-clock instant to the engine's timestamp unit.
func millis(t time.Time) int64 { return t.UnixMilli() }
