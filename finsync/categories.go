package finsync

import "context"

// categoriesCollection is the global (cross-user) remote collection.
// Categories are shared data: their watermark fallback is epoch zero and
// every device re-syncs the full set.
const categoriesCollection = "categories"

type categoryCodec struct{}

func (categoryCodec) collection(string) string { return categoriesCollection }

func (categoryCodec) encode(_ context.Context, rec *Category) (map[string]any, *SkipReason, error) {
	doc := baseDoc(&rec.SyncMeta)
	doc["name"] = rec.Name
	doc["kind"] = rec.Kind
	doc["icon"] = rec.Icon
	doc["color"] = rec.Color
	return doc, nil, nil
}

func (categoryCodec) decode(_ context.Context, userID string, doc RemoteDocument) (*Category, *SkipReason, error) {
	return &Category{
		SyncMeta: baseMeta(userID, doc),
		Name:     docString(doc.Data, "name"),
		Kind:     docString(doc.Data, "kind"),
		Icon:     docString(doc.Data, "icon"),
		Color:    docString(doc.Data, "color"),
	}, nil, nil
}
