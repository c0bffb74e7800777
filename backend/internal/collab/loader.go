package collab

import (
	"context"
	"maps"
	"slices"

	"golang.org/x/sync/singleflight"

	"collabcore/backend/internal/entity"
	"collabcore/backend/internal/store"
)

const DefaultDocumentType = "document"

// DocumentLoader collapses concurrent lookup-or-create calls for the same
// document into one store round trip.
type DocumentLoader struct {
	docs  store.DocumentRepo
	group singleflight.Group
}

func NewDocumentLoader(docs store.DocumentRepo) *DocumentLoader {
	return &DocumentLoader{docs: docs}
}

func (l *DocumentLoader) Load(ctx context.Context, documentID, userID string) (*entity.Document, error) {
	v, err, _ := l.group.Do(documentID, func() (any, error) {
		return l.docs.GetOrCreateDocument(ctx, &entity.Document{
			ID:           documentID,
			Title:        "Untitled",
			Type:         DefaultDocumentType,
			LastEditedBy: userID,
		})
	})
	if err != nil {
		return nil, err
	}
	// callers of one flight share the result
	doc := *v.(*entity.Document)
	doc.Operations = slices.Clone(doc.Operations)
	doc.Metadata = maps.Clone(doc.Metadata)
	return &doc, nil
}
