package score

import (
	"fmt"

	"github.com/FocuswithJustin/msczkit/core/xml"
)

// RemoveAllExcept deletes every part other than the one named keep, together
// with the staves those parts reference. Unrelated nodes keep their order.
func RemoveAllExcept(doc *xml.Document, keep string) error {
	part, err := mustFind(doc, keep)
	if err != nil {
		return err
	}
	return RemoveAllExceptPart(doc, part)
}

// RemoveAllExceptPart is RemoveAllExcept addressed by node rather than name.
func RemoveAllExceptPart(doc *xml.Document, keep *xml.Node) error {
	kept := make(map[string]bool)
	for _, id := range StaffIDs(keep) {
		kept[id] = true
	}

	for _, p := range ListParts(doc) {
		if p.Same(keep) {
			continue
		}
		// Staves are resolved after each removal so the index never holds
		// detached nodes.
		staves, err := StavesOf(doc, p)
		if err != nil {
			return fmt.Errorf("removing part %s: %w", p, err)
		}
		p.Remove()
		for _, s := range staves {
			if kept[s.Attr("id")] {
				continue
			}
			s.Remove()
		}
	}
	return nil
}
