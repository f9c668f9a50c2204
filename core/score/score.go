// Package score implements the part-level operations on a MuseScore .mscx
// document: listing parts, resolving their staves and names, removing every
// part but one, and silencing every part but one.
//
// A Part declares the staves it owns through <Staff id="N"/> children. The
// notated content lives in a separate <Staff id="N"> element that is not a
// child of any Part. That relation is resolved through an id index built on
// every call, so lookups stay valid across structural edits.
package score

import (
	"github.com/FocuswithJustin/msczkit/core/errors"
	"github.com/FocuswithJustin/msczkit/core/xml"
)

// Element and tag names used by the .mscx format.
const (
	TagMuseScore    = "museScore"
	TagPart         = "Part"
	TagStaff        = "Staff"
	TagMeasure      = "Measure"
	TagVoice        = "voice"
	TagRest         = "Rest"
	TagChord        = "Chord"
	TagHarmony      = "Harmony"
	TagInstrument   = "Instrument"
	TagLongName     = "longName"
	TagShortName    = "shortName"
	TagTrackName    = "trackName"
	TagDurationType = "durationType"
	TagVersion      = "programVersion"
)

// ListParts returns all Part elements in depth-first document order.
func ListParts(doc *xml.Document) []*xml.Node {
	return doc.Elements(TagPart)
}

// StaffIDs returns the staff ids a part references, in declaration order.
func StaffIDs(part *xml.Node) []string {
	var ids []string
	for _, ref := range part.ChildrenNamed(TagStaff) {
		ids = append(ids, ref.Attr("id"))
	}
	return ids
}

// StavesOf resolves every staff referenced by part. Grand-staff instruments
// such as piano reference more than one.
func StavesOf(doc *xml.Document, part *xml.Node) ([]*xml.Node, error) {
	ids := StaffIDs(part)
	if len(ids) == 0 {
		return nil, &errors.DanglingStaffError{}
	}
	index := staffIndex(doc)
	staves := make([]*xml.Node, 0, len(ids))
	for _, id := range ids {
		staff, ok := index[id]
		if !ok {
			return nil, &errors.DanglingStaffError{StaffID: id}
		}
		staves = append(staves, staff)
	}
	return staves, nil
}

// staffIndex maps staff ids to the content-bearing Staff elements, i.e.
// those not nested in a Part. The first element wins on duplicate ids.
func staffIndex(doc *xml.Document) map[string]*xml.Node {
	index := make(map[string]*xml.Node)
	for _, staff := range doc.Elements(TagStaff) {
		if p := staff.Parent(); p != nil && p.Name() == TagPart {
			continue
		}
		if !staff.HasAttr("id") {
			continue
		}
		id := staff.Attr("id")
		if _, seen := index[id]; !seen {
			index[id] = staff
		}
	}
	return index
}
