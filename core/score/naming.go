package score

import (
	"fmt"
	"strings"

	"github.com/FocuswithJustin/msczkit/core/errors"
	"github.com/FocuswithJustin/msczkit/core/xml"
)

// NameOf resolves the human-readable name of a part. It tries the
// instrument's longName, then its shortName, then the part's own trackName,
// and fails with ErrUnresolvableName once all three are absent or blank.
func NameOf(part *xml.Node) (string, error) {
	if inst := part.Child(TagInstrument); inst != nil {
		if name := textOf(inst.Child(TagLongName)); name != "" {
			return name, nil
		}
		if name := textOf(inst.Child(TagShortName)); name != "" {
			return name, nil
		}
	}
	if name := textOf(part.Child(TagTrackName)); name != "" {
		return name, nil
	}
	return "", fmt.Errorf("%s: %w", part, errors.ErrUnresolvableName)
}

// PartNames resolves the name of every part in document order.
func PartNames(doc *xml.Document) ([]string, error) {
	parts := ListParts(doc)
	names := make([]string, 0, len(parts))
	for i, p := range parts {
		name, err := NameOf(p)
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", i, err)
		}
		names = append(names, name)
	}
	return names, nil
}

// FindByName returns the first part, in document order, whose resolved name
// equals name exactly. Parts whose name cannot be resolved are skipped. The
// boolean is false when nothing matches.
func FindByName(doc *xml.Document, name string) (*xml.Node, bool) {
	for _, p := range ListParts(doc) {
		resolved, err := NameOf(p)
		if err != nil {
			continue
		}
		if resolved == name {
			return p, true
		}
	}
	return nil, false
}

func mustFind(doc *xml.Document, name string) (*xml.Node, error) {
	part, ok := FindByName(doc, name)
	if !ok {
		return nil, errors.NewPartNotFound(name, "")
	}
	return part, nil
}

func textOf(n *xml.Node) string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(n.Text())
}
