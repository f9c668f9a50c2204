package score

import (
	"fmt"

	"github.com/FocuswithJustin/msczkit/core/xml"
)

// EventKind classifies a voice event for silencing.
type EventKind int

const (
	// EventOther is anything without timing, e.g. clefs or dynamics.
	EventOther EventKind = iota
	// EventNote is any timed event that is not a rest: chords, grace chords.
	EventNote
	// EventRest is a timed rest.
	EventRest
)

func (k EventKind) String() string {
	switch k {
	case EventNote:
		return "note"
	case EventRest:
		return "rest"
	default:
		return "other"
	}
}

// KindOf classifies n. Timing is carried by a durationType child regardless
// of the element's own tag.
func KindOf(n *xml.Node) EventKind {
	if n.Child(TagDurationType) == nil {
		return EventOther
	}
	if n.Name() == TagRest {
		return EventRest
	}
	return EventNote
}

// Silenced maps an event kind to its kind after silencing.
func Silenced(k EventKind) EventKind {
	if k == EventNote {
		return EventRest
	}
	return k
}

// SilenceResult summarises a silencing pass.
type SilenceResult struct {
	Retagged         int // events turned into rests
	HarmoniesRemoved int // chord symbols stripped tree-wide
}

// SilenceAllExcept turns every timed event in the staves of all parts other
// than keep into a rest and strips all Harmony elements. No part or staff
// is removed.
func SilenceAllExcept(doc *xml.Document, keep string) (SilenceResult, error) {
	part, err := mustFind(doc, keep)
	if err != nil {
		return SilenceResult{}, err
	}
	return SilenceAllExceptPart(doc, part)
}

// SilenceAllExceptPart is SilenceAllExcept addressed by node rather than name.
func SilenceAllExceptPart(doc *xml.Document, keep *xml.Node) (SilenceResult, error) {
	var res SilenceResult

	kept := make(map[string]bool)
	for _, id := range StaffIDs(keep) {
		kept[id] = true
	}

	for _, p := range ListParts(doc) {
		if p.Same(keep) {
			continue
		}
		staves, err := StavesOf(doc, p)
		if err != nil {
			return res, fmt.Errorf("silencing part %s: %w", p, err)
		}
		for _, s := range staves {
			if kept[s.Attr("id")] {
				continue
			}
			res.Retagged += SilenceStaff(s)
		}
	}

	res.HarmoniesRemoved = StripHarmony(doc)
	return res, nil
}

// SilenceStaff retags every timed event below each Measure/voice of staff
// as a rest and returns how many events changed kind.
func SilenceStaff(staff *xml.Node) int {
	changed := 0
	for _, measure := range staff.ChildrenNamed(TagMeasure) {
		for _, voice := range measure.ChildrenNamed(TagVoice) {
			events := voice.Descendants(func(n *xml.Node) bool {
				return KindOf(n) != EventOther
			})
			for _, ev := range events {
				if Silenced(KindOf(ev)) != KindOf(ev) {
					changed++
				}
				ev.SetName(TagRest)
			}
		}
	}
	return changed
}

// StripHarmony removes every Harmony element from the document and returns
// the number removed.
func StripHarmony(doc *xml.Document) int {
	harmonies := doc.Elements(TagHarmony)
	for _, h := range harmonies {
		h.Remove()
	}
	return len(harmonies)
}
