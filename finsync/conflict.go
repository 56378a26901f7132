package finsync

// ConflictOutcome is the decision for one local/remote record pair.
type ConflictOutcome int

const (
	// KeepLocal means the local content stands. A pending local edit
	// remains queued for upload; an already-synced record is simply
	// re-confirmed against the remote document.
	KeepLocal ConflictOutcome = iota

	// ApplyRemote means the remote content fully replaces the local
	// record, preserving only the local primary key.
	ApplyRemote
)

// ResolveConflict applies last-write-wins by UpdatedAt. The local record
// wins ties. There is deliberately no field-level merge and no vector
// clock: whichever side carries the greater logical timestamp is treated as
// the whole truth for the record.
//
// The policy is idempotent: resolving the same pair twice yields the same
// final record as resolving it once.
func ResolveConflict(localUpdatedAt, remoteUpdatedAt int64) ConflictOutcome {
	if localUpdatedAt >= remoteUpdatedAt {
		return KeepLocal
	}
	return ApplyRemote
}
