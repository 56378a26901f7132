package finsync

import "context"

type personCodec struct{}

func (personCodec) collection(userID string) string {
	return "users/" + userID + "/persons"
}

func (personCodec) encode(_ context.Context, rec *Person) (map[string]any, *SkipReason, error) {
	doc := baseDoc(&rec.SyncMeta)
	doc["name"] = rec.Name
	doc["note"] = rec.Note
	return doc, nil, nil
}

func (personCodec) decode(_ context.Context, userID string, doc RemoteDocument) (*Person, *SkipReason, error) {
	return &Person{
		SyncMeta: baseMeta(userID, doc),
		Name:     docString(doc.Data, "name"),
		Note:     docString(doc.Data, "note"),
	}, nil, nil
}
