package finsync

import (
	"context"
	"fmt"
)

// Wire documents are flat JSON maps. Every record carries createdAt and
// updatedAt as unix-millisecond timestamps plus a deleted tombstone flag;
// the remote document id doubles as the record's remote id. Foreign keys
// travel as the remote ids of the referenced documents.

func baseDoc(m *SyncMeta) map[string]any {
	return map[string]any{
		"createdAt": m.CreatedAt,
		"updatedAt": m.UpdatedAt,
		"deleted":   m.Deleted,
	}
}

// baseMeta builds the sync bookkeeping for a downloaded document. The
// syncer fills IsSynced/NeedsSync/LastSyncedAt when it applies the record.
func baseMeta(userID string, doc RemoteDocument) SyncMeta {
	return SyncMeta{
		RemoteID:  doc.ID,
		UserID:    userID,
		CreatedAt: docInt64(doc.Data, "createdAt"),
		UpdatedAt: doc.UpdatedAt,
		Deleted:   docBool(doc.Data, "deleted"),
	}
}

func docString(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

// docInt64 reads a numeric field. JSON decoding yields float64; native
// store implementations may hand back int64 directly.
func docInt64(data map[string]any, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func docBool(data map[string]any, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

// resolveParentUp maps a local foreign key to the parent's remote id for
// upload. ok=false with an empty id means the parent exists but has never
// been uploaded, which is the "skip this record for this pass" case.
func resolveParentUp[P Record](ctx context.Context, store EntityStore[P], localID int64) (remoteID string, ok bool, err error) {
	parent, found, err := store.ByLocalID(ctx, localID)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve parent %d: %w", localID, err)
	}
	if !found {
		return "", false, nil
	}
	m := parent.Meta()
	if m.RemoteID == "" {
		return "", false, nil
	}
	return m.RemoteID, true, nil
}

// resolveParentDown maps a remote foreign key back to the parent's local id
// for download. ok=false means the parent has not been downloaded yet.
func resolveParentDown[P Record](ctx context.Context, store EntityStore[P], userID, remoteID string) (localID int64, ok bool, err error) {
	parent, found, err := store.ByRemoteID(ctx, userID, remoteID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve parent %q: %w", remoteID, err)
	}
	if !found {
		return 0, false, nil
	}
	return parent.Meta().LocalID, true, nil
}

func skipReason(r SkipReason) *SkipReason { return &r }
