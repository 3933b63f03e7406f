package media

import "github.com/dialogengine/dialogengine/internal/scenario"

// FromScenarioRefs flattens a step's media references into the ordered
// list of individual assets to resolve and send: a "media_group" ref
// expands into one MediaRef per logical file id, in declared order;
// anything else is a single-item ref.
func FromScenarioRefs(refs []scenario.MediaRef) []MediaRef {
	out := make([]MediaRef, 0, len(refs))
	for _, r := range refs {
		if r.Type == "media_group" {
			for _, id := range r.FileIDs {
				out = append(out, MediaRef{Type: "image", Description: r.Description, LogicalFileID: id})
			}
			continue
		}
		out = append(out, MediaRef{Type: r.Type, Description: r.Description, LogicalFileID: r.FileID})
	}
	return out
}
