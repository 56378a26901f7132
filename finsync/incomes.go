package finsync

import "context"

// incomeCodec mirrors expenseCodec for income records.
type incomeCodec struct {
	categories EntityStore[*Category]
	persons    EntityStore[*Person]
}

func (incomeCodec) collection(userID string) string {
	return "users/" + userID + "/incomes"
}

func (c *incomeCodec) encode(ctx context.Context, rec *Income) (map[string]any, *SkipReason, error) {
	catRemote, ok, err := resolveParentUp(ctx, c.categories, rec.CategoryID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, skipReason(SkipParentNotUploaded), nil
	}

	personRemote := ""
	if rec.PersonID != 0 {
		personRemote, ok, err = resolveParentUp(ctx, c.persons, rec.PersonID)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, skipReason(SkipParentNotUploaded), nil
		}
	}

	doc := baseDoc(&rec.SyncMeta)
	doc["amount"] = rec.Amount
	doc["currency"] = rec.Currency
	doc["occurredAt"] = rec.OccurredAt
	doc["note"] = rec.Note
	doc["categoryId"] = catRemote
	doc["personId"] = personRemote
	return doc, nil, nil
}

func (c *incomeCodec) decode(ctx context.Context, userID string, doc RemoteDocument) (*Income, *SkipReason, error) {
	catLocal, ok, err := resolveParentDown(ctx, c.categories, userID, docString(doc.Data, "categoryId"))
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, skipReason(SkipParentNotDownloaded), nil
	}

	var personLocal int64
	if rid := docString(doc.Data, "personId"); rid != "" {
		personLocal, ok, err = resolveParentDown(ctx, c.persons, userID, rid)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, skipReason(SkipParentNotDownloaded), nil
		}
	}

	return &Income{
		SyncMeta:   baseMeta(userID, doc),
		Amount:     docInt64(doc.Data, "amount"),
		Currency:   docString(doc.Data, "currency"),
		OccurredAt: docInt64(doc.Data, "occurredAt"),
		Note:       docString(doc.Data, "note"),
		CategoryID: catLocal,
		PersonID:   personLocal,
	}, nil, nil
}
