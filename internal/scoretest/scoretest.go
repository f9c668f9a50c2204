// Package scoretest builds MuseScore documents and archives for tests.
package scoretest

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Part describes one part of a generated score.
type Part struct {
	LongName     string
	ShortName    string
	TrackName    string
	NoInstrument bool
	// StaffIDs defaults to a single staff numbered after the part.
	StaffIDs []string
	// Pitch of the chord written into every measure of the part's staves.
	Pitch int
}

// Score describes a generated document.
type Score struct {
	ProgramVersion string // defaults to 4.2.1
	Parts          []Part
	Measures       int // defaults to 2
	// DanglingStaff adds a reference to a staff that does not exist to the
	// first part.
	DanglingStaff bool
}

// Quartet returns a three-part string score: Violin, Viola, Cello.
func Quartet() Score {
	return Score{Parts: []Part{
		{LongName: "Violin", ShortName: "Vln.", Pitch: 76},
		{LongName: "Viola", ShortName: "Vla.", Pitch: 67},
		{LongName: "Cello", ShortName: "Vc.", Pitch: 48},
	}}
}

// StaffIDsOf returns the staff ids the i-th part will reference.
func (s Score) StaffIDsOf(i int) []string {
	if ids := s.Parts[i].StaffIDs; len(ids) > 0 {
		return ids
	}
	return []string{fmt.Sprint(i + 1)}
}

// MSCX renders the score as an .mscx document.
func (s Score) MSCX() string {
	version := s.ProgramVersion
	if version == "" {
		version = "4.2.1"
	}
	measures := s.Measures
	if measures == 0 {
		measures = 2
	}

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<museScore version="4.20">` + "\n")
	fmt.Fprintf(&b, "  <programVersion>%s</programVersion>\n", version)
	b.WriteString("  <programRevision>abc123</programRevision>\n")
	b.WriteString("  <Score>\n")
	b.WriteString("    <Division>480</Division>\n")

	for i, p := range s.Parts {
		fmt.Fprintf(&b, "    <Part id=\"%d\">\n", i+1)
		for _, id := range s.StaffIDsOf(i) {
			fmt.Fprintf(&b, "      <Staff id=\"%s\">\n        <StaffType group=\"pitched\"/>\n      </Staff>\n", id)
		}
		if i == 0 && s.DanglingStaff {
			b.WriteString("      <Staff id=\"99\"/>\n")
		}
		if p.TrackName != "" {
			fmt.Fprintf(&b, "      <trackName>%s</trackName>\n", p.TrackName)
		}
		if !p.NoInstrument {
			b.WriteString("      <Instrument>\n")
			if p.LongName != "" {
				fmt.Fprintf(&b, "        <longName>%s</longName>\n", p.LongName)
			}
			if p.ShortName != "" {
				fmt.Fprintf(&b, "        <shortName>%s</shortName>\n", p.ShortName)
			}
			b.WriteString("        <Channel><program value=\"40\"/></Channel>\n")
			b.WriteString("      </Instrument>\n")
		}
		b.WriteString("    </Part>\n")
	}

	for i, p := range s.Parts {
		for _, id := range s.StaffIDsOf(i) {
			fmt.Fprintf(&b, "    <Staff id=\"%s\">\n", id)
			for m := 0; m < measures; m++ {
				b.WriteString("      <Measure>\n        <voice>\n")
				if m == 0 {
					b.WriteString("          <Harmony><root>14</root><name>m7</name></Harmony>\n")
				}
				fmt.Fprintf(&b, "          <Chord>\n            <durationType>half</durationType>\n            <Note><pitch>%d</pitch><tpc>14</tpc></Note>\n          </Chord>\n", p.Pitch)
				b.WriteString("          <Rest>\n            <durationType>quarter</durationType>\n          </Rest>\n")
				fmt.Fprintf(&b, "          <Chord>\n            <dots>0</dots>\n            <durationType>quarter</durationType>\n            <Chord><durationType>eighth</durationType><Note><pitch>%d</pitch></Note></Chord>\n            <Note><pitch>%d</pitch></Note>\n          </Chord>\n", p.Pitch+2, p.Pitch)
				b.WriteString("          <Dynamic><subtype>mf</subtype></Dynamic>\n")
				b.WriteString("        </voice>\n      </Measure>\n")
			}
			b.WriteString("    </Staff>\n")
		}
	}

	b.WriteString("  </Score>\n</museScore>\n")
	return b.String()
}

// Member is one file inside a generated archive.
type Member struct {
	Name string
	Data []byte
}

// Members returns the archive layout MuseScore writes for base.mscz:
// container manifest, the score document, and a thumbnail.
func Members(base, mscx string) []Member {
	container := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<container><rootfiles><rootfile full-path="%s.mscx"/></rootfiles></container>
`, base)
	return []Member{
		{Name: "META-INF/container.xml", Data: []byte(container)},
		{Name: base + ".mscx", Data: []byte(mscx)},
		{Name: "Thumbnails/thumbnail.png", Data: []byte("\x89PNG\r\n\x1a\nfake")},
	}
}

// WriteArchive writes dir/base.mscz holding the given document.
func WriteArchive(t testing.TB, dir, base, mscx string) string {
	t.Helper()
	return WriteMembers(t, filepath.Join(dir, base+".mscz"), Members(base, mscx))
}

// WriteMembers writes a ZIP archive at path with members in order.
func WriteMembers(t testing.TB, path string, members []Member) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for _, m := range members {
		fw, err := w.Create(m.Name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(m.Data); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

// ReadMember returns the content of name inside the archive at path.
func ReadMember(t testing.TB, path, name string) []byte {
	t.Helper()
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			t.Fatal(err)
		}
		return data
	}
	t.Fatalf("member %s not found in %s", name, path)
	return nil
}

// MemberNames lists the archive members in stored order.
func MemberNames(t testing.TB, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names
}
