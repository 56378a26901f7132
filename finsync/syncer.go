package finsync

import (
	"context"
	"fmt"
	"log/slog"
)

// SkipReason explains why a record was left out of a sync pass. Skips are
// expected outcomes, not errors: the record stays NeedsSync (upload) or
// undownloaded (download) and is retried on a later pass.
type SkipReason string

const (
	// SkipParentNotUploaded marks a record whose foreign-key parent has no
	// remote id yet; it becomes uploadable once the parent is uploaded.
	SkipParentNotUploaded SkipReason = "parent_not_uploaded"

	// SkipParentNotDownloaded marks a remote record whose referenced
	// parent is not present locally yet.
	SkipParentNotDownloaded SkipReason = "parent_not_downloaded"
)

// RecordOutcome classifies what happened to one record during a pass.
type RecordOutcome int

const (
	OutcomeUploaded RecordOutcome = iota
	OutcomeApplied
	OutcomeSkipped
	OutcomeFailed
)

// RecordResult is the per-record report aggregated into a batch summary.
type RecordResult struct {
	LocalID  int64
	RemoteID string
	Outcome  RecordOutcome
	Skip     SkipReason
	Err      error
}

// UploadSummary aggregates one upload pass over a single entity type.
type UploadSummary struct {
	Uploaded int
	Skipped  int
	Failed   int
	Results  []RecordResult
}

// DownloadSummary aggregates one download pass over a single entity type.
type DownloadSummary struct {
	Inserted  int
	Updated   int
	KeptLocal int
	Skipped   int
	Failed    int
	Watermark int64 // watermark after the pass
}

// DownloadOptions controls a download pass. Initialization short-circuits
// the watermark to zero, forcing a full historical download; only the
// bootstrap orchestrator sets it.
type DownloadOptions struct {
	Initialization bool
}

// Syncer is the symmetric upload/download pipeline for one entity type.
type Syncer interface {
	Type() SyncType
	Upload(ctx context.Context, userID string) (*UploadSummary, error)
	Download(ctx context.Context, userID string, opts DownloadOptions) (*DownloadSummary, error)
}

// entityCodec translates one record shape to and from remote documents,
// resolving foreign keys in both directions. A nil-skip, nil-error return
// means the record is fully resolvable.
type entityCodec[T Record] interface {
	// collection returns the remote collection path for userID.
	collection(userID string) string

	// encode produces the wire document for rec, mapping local foreign
	// keys to remote ids. Returns a skip reason when a referenced parent
	// has not been uploaded yet.
	encode(ctx context.Context, rec T) (map[string]any, *SkipReason, error)

	// decode builds a record from a remote document, mapping remote
	// foreign keys back to local ids. Returns a skip reason when a
	// referenced parent is not present locally yet.
	decode(ctx context.Context, userID string, doc RemoteDocument) (T, *SkipReason, error)
}

// entitySyncer is the shared pipeline; the four entity types differ only in
// their store, codec and collection layout.
type entitySyncer[T Record] struct {
	typ        SyncType
	store      EntityStore[T]
	remote     RemoteStore
	watermarks *WatermarkStore
	codec      entityCodec[T]
	clock      Clock
	logger     *slog.Logger

	// sourceID identifies this device on uploaded documents, letting a
	// download recognize its own writes echoing back. Empty disables it.
	sourceID string
}

func (s *entitySyncer[T]) Type() SyncType { return s.typ }

// Upload pushes all local records with NeedsSync set. Records whose
// foreign-key parents have no remote id yet are skipped for this pass.
// Remote writes are chunked at RemoteBatchLimit operations per atomic
// commit; local rows are flagged synced only after their chunk commits, so
// a crash mid-batch re-uploads rather than silently drops (at-least-once,
// deduplicated remotely by document id).
func (s *entitySyncer[T]) Upload(ctx context.Context, userID string) (*UploadSummary, error) {
	summary := &UploadSummary{}

	recs, err := s.store.Unsynced(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load unsynced %s: %w", s.typ, err)
	}
	if len(recs) == 0 {
		return summary, nil
	}

	col := s.remote.Collection(s.codec.collection(userID))
	batch := s.remote.Batch()

	type staged struct {
		localID  int64
		remoteID string
	}
	var inFlight []staged

	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		if err := batch.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit remote batch for %s: %w", s.typ, err)
		}
		now := millis(s.clock.Now())
		for _, st := range inFlight {
			if err := s.store.MarkSynced(ctx, st.localID, st.remoteID, now); err != nil {
				return fmt.Errorf("failed to mark %s %d synced: %w", s.typ, st.localID, err)
			}
			summary.Uploaded++
			summary.Results = append(summary.Results, RecordResult{
				LocalID: st.localID, RemoteID: st.remoteID, Outcome: OutcomeUploaded,
			})
		}
		inFlight = inFlight[:0]
		batch = s.remote.Batch()
		return nil
	}

	for _, rec := range recs {
		m := rec.Meta()

		doc, skip, err := s.codec.encode(ctx, rec)
		if err != nil {
			summary.Failed++
			summary.Results = append(summary.Results, RecordResult{
				LocalID: m.LocalID, Outcome: OutcomeFailed, Err: err,
			})
			s.logger.Warn("Failed to encode record for upload",
				"type", s.typ.String(), "local_id", m.LocalID, "error", err)
			continue
		}
		if skip != nil {
			summary.Skipped++
			summary.Results = append(summary.Results, RecordResult{
				LocalID: m.LocalID, Outcome: OutcomeSkipped, Skip: *skip,
			})
			s.logger.Debug("Skipping record this pass",
				"type", s.typ.String(), "local_id", m.LocalID, "reason", string(*skip))
			continue
		}

		// First upload: allocate the remote document id and persist it on
		// the local row before the remote write. A crash between commit and
		// MarkSynced then re-uploads under the same id, so the remote store
		// deduplicates the retry instead of gaining a duplicate document.
		if m.RemoteID == "" {
			m.RemoteID = col.NewDocID()
			if err := s.store.Update(ctx, rec); err != nil {
				return summary, fmt.Errorf("failed to persist allocated remote id for %s %d: %w", s.typ, m.LocalID, err)
			}
		}

		if s.sourceID != "" {
			doc["sourceId"] = s.sourceID
		}
		batch.Set(col.Path(), m.RemoteID, doc)
		inFlight = append(inFlight, staged{localID: m.LocalID, remoteID: m.RemoteID})

		if batch.Len() >= RemoteBatchLimit {
			if err := flush(); err != nil {
				return summary, err
			}
		}
	}

	if err := flush(); err != nil {
		return summary, err
	}
	return summary, nil
}

// Download pulls remote records with updatedAt strictly beyond the watermark
// and applies them locally: inserts for unknown remote ids, last-write-wins
// conflict resolution for known ones. The watermark advances to the maximum
// updatedAt among processed records, only ever forward.
func (s *entitySyncer[T]) Download(ctx context.Context, userID string, opts DownloadOptions) (*DownloadSummary, error) {
	summary := &DownloadSummary{}

	var watermark int64
	if !opts.Initialization {
		wm, err := s.watermarks.Get(ctx, s.typ, userID)
		if err != nil {
			return nil, err
		}
		watermark = wm
	}
	summary.Watermark = watermark

	col := s.remote.Collection(s.codec.collection(userID))
	docs, err := col.QueryUpdatedAfter(ctx, watermark)
	if err != nil {
		return nil, fmt.Errorf("failed to query remote %s: %w", s.typ, err)
	}

	maxSeen := watermark
	for i := range docs {
		doc := &docs[i]

		rec, skip, err := s.codec.decode(ctx, userID, *doc)
		if err != nil {
			summary.Failed++
			s.logger.Warn("Failed to decode remote document",
				"type", s.typ.String(), "doc_id", doc.ID, "error", err)
			continue
		}
		if skip != nil {
			summary.Skipped++
			s.logger.Debug("Deferring remote document to a later pass",
				"type", s.typ.String(), "doc_id", doc.ID, "reason", string(*skip))
			continue
		}

		if err := s.applyRemote(ctx, userID, doc, rec, summary); err != nil {
			return summary, err
		}
		if doc.UpdatedAt > maxSeen {
			maxSeen = doc.UpdatedAt
		}
	}

	// max(existing, candidate) before writing: the watermark never moves
	// backwards, including after a zeroed initialization download.
	stored, ok, err := s.watermarks.Stored(ctx, s.typ, userID)
	if err != nil {
		return summary, err
	}
	if (!ok || maxSeen > stored) && maxSeen > 0 {
		if err := s.watermarks.Set(ctx, s.typ, userID, maxSeen); err != nil {
			return summary, err
		}
		summary.Watermark = maxSeen
	} else if ok {
		summary.Watermark = stored
	}
	return summary, nil
}

// applyRemote inserts a downloaded record or resolves the conflict with the
// existing local copy.
func (s *entitySyncer[T]) applyRemote(ctx context.Context, userID string, doc *RemoteDocument, rec T, summary *DownloadSummary) error {
	now := millis(s.clock.Now())
	m := rec.Meta()

	existing, found, err := s.store.ByRemoteID(ctx, userID, doc.ID)
	if err != nil {
		return fmt.Errorf("failed to look up local %s by remote id: %w", s.typ, err)
	}
	if !found {
		m.IsSynced = true
		m.NeedsSync = false
		m.LastSyncedAt = now
		if _, err := s.store.Insert(ctx, rec); err != nil {
			return fmt.Errorf("failed to insert downloaded %s: %w", s.typ, err)
		}
		summary.Inserted++
		return nil
	}

	em := existing.Meta()

	// Our own write echoing back: local already holds this exact state,
	// nothing to do beyond counting it.
	if s.sourceID != "" && docString(doc.Data, "sourceId") == s.sourceID &&
		!em.NeedsSync && em.UpdatedAt == m.UpdatedAt {
		summary.KeptLocal++
		return nil
	}

	switch ResolveConflict(em.UpdatedAt, m.UpdatedAt) {
	case KeepLocal:
		if em.NeedsSync {
			// Pending local edit is authoritative and will be uploaded
			// on the next pass; only make sure the remote linkage holds.
			if em.RemoteID == "" {
				em.RemoteID = doc.ID
				if err := s.store.Update(ctx, existing); err != nil {
					return fmt.Errorf("failed to link local %s to remote id: %w", s.typ, err)
				}
			}
		} else {
			if err := s.store.MarkSynced(ctx, em.LocalID, doc.ID, now); err != nil {
				return fmt.Errorf("failed to mark local %s synced: %w", s.typ, err)
			}
		}
		summary.KeptLocal++
	case ApplyRemote:
		// Full replace, local primary key preserved.
		m.LocalID = em.LocalID
		m.IsSynced = true
		m.NeedsSync = false
		m.LastSyncedAt = now
		if err := s.store.Update(ctx, rec); err != nil {
			return fmt.Errorf("failed to apply remote %s: %w", s.typ, err)
		}
		summary.Updated++
	}
	return nil
}

// NewSyncers builds the four entity syncers over the given collaborators.
// sourceID is the persistent device id stamped on uploaded documents; pass
// an empty string to disable own-change detection.
func NewSyncers(local LocalStore, remote RemoteStore, watermarks *WatermarkStore, clock Clock, sourceID string, logger *slog.Logger) map[SyncType]Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return map[SyncType]Syncer{
		SyncCategories: &entitySyncer[*Category]{
			typ:        SyncCategories,
			store:      local.Categories(),
			remote:     remote,
			watermarks: watermarks,
			codec:      &categoryCodec{},
			clock:      clock,
			logger:     logger,
			sourceID:   sourceID,
		},
		SyncPersons: &entitySyncer[*Person]{
			typ:        SyncPersons,
			store:      local.Persons(),
			remote:     remote,
			watermarks: watermarks,
			codec:      &personCodec{},
			clock:      clock,
			logger:     logger,
			sourceID:   sourceID,
		},
		SyncExpenses: &entitySyncer[*Expense]{
			typ:        SyncExpenses,
			store:      local.Expenses(),
			remote:     remote,
			watermarks: watermarks,
			codec: &expenseCodec{
				categories: local.Categories(),
				persons:    local.Persons(),
			},
			clock:    clock,
			logger:   logger,
			sourceID: sourceID,
		},
		SyncIncomes: &entitySyncer[*Income]{
			typ:        SyncIncomes,
			store:      local.Incomes(),
			remote:     remote,
			watermarks: watermarks,
			codec: &incomeCodec{
				categories: local.Categories(),
				persons:    local.Persons(),
			},
			clock:    clock,
			logger:   logger,
			sourceID: sourceID,
		},
	}
}
