package collab

import (
	"fmt"
	"maps"
	"slices"

	"collabcore/backend/internal/entity"
	"collabcore/backend/internal/ot"
)

// CollaborativeDocument is the live aggregate of one session: the persisted
// record plus participants, locks, comments and annotations.
type CollaborativeDocument struct {
	entity.Document
	Participants []entity.UserPresence `json:"participants"`
	Locks        []entity.DocumentLock `json:"locks"`
	Comments     []entity.Comment      `json:"comments"`
	Annotations  []entity.Annotation   `json:"annotations"`
}

func (d *CollaborativeDocument) clone() CollaborativeDocument {
	out := *d
	out.Operations = slices.Clone(d.Operations)
	out.Metadata = maps.Clone(d.Metadata)
	out.Participants = make([]entity.UserPresence, len(d.Participants))
	for i, p := range d.Participants {
		out.Participants[i] = p.Clone()
	}
	out.Locks = slices.Clone(d.Locks)
	out.Comments = slices.Clone(d.Comments)
	for i, c := range out.Comments {
		if c.Section != nil {
			sec := *c.Section
			out.Comments[i].Section = &sec
		}
	}
	for i, l := range out.Locks {
		if l.Section != nil {
			sec := *l.Section
			out.Locks[i].Section = &sec
		}
	}
	out.Annotations = slices.Clone(d.Annotations)
	for i := range out.Annotations {
		out.Annotations[i].Attributes = maps.Clone(out.Annotations[i].Attributes)
	}
	return out
}

// Replay rebuilds content by applying ops in order to the empty string.
func Replay(ops []ot.Operation) (string, error) {
	return ot.ApplyAll("", ops)
}

// Verify checks that a stored document's content equals the replay of its
// history.
func Verify(doc *entity.Document) error {
	got, err := Replay(doc.Operations)
	if err != nil {
		return fmt.Errorf("document %s: %w", doc.ID, err)
	}
	if got != doc.Content {
		return fmt.Errorf("document %s: replay of %d operations diverges from stored content", doc.ID, len(doc.Operations))
	}
	return nil
}
