package mscz

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	cerrors "github.com/FocuswithJustin/msczkit/core/errors"
	"github.com/FocuswithJustin/msczkit/core/score"
	"github.com/FocuswithJustin/msczkit/core/xml"
	"github.com/FocuswithJustin/msczkit/internal/scoretest"
	"github.com/FocuswithJustin/msczkit/internal/validation"
)

func partNames(t *testing.T, doc *xml.Document) []string {
	t.Helper()
	names, err := score.PartNames(doc)
	if err != nil {
		t.Fatal(err)
	}
	return names
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected %s to be empty, found %v", dir, names)
	}
}

func TestOpen(t *testing.T) {
	archive := scoretest.WriteArchive(t, t.TempDir(), "Quartet", scoretest.Quartet().MSCX())

	scratch := t.TempDir()
	c := &Codec{TempDir: scratch}
	doc, err := c.Open(archive)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if diff := cmp.Diff([]string{"Violin", "Viola", "Cello"}, partNames(t, doc)); diff != "" {
		t.Errorf("parts mismatch (-want +got):\n%s", diff)
	}
	assertEmptyDir(t, scratch)
}

func TestOpenMissingScoreDocument(t *testing.T) {
	archive := scoretest.WriteMembers(t, filepath.Join(t.TempDir(), "Empty.mscz"), []scoretest.Member{
		{Name: "META-INF/container.xml", Data: []byte("<container/>")},
		{Name: "Thumbnails/thumbnail.png", Data: []byte("png")},
	})

	scratch := t.TempDir()
	c := &Codec{TempDir: scratch}
	_, err := c.Open(archive)
	if !errors.Is(err, cerrors.ErrMissingScoreDocument) {
		t.Fatalf("expected ErrMissingScoreDocument, got %v", err)
	}
	assertEmptyDir(t, scratch)
}

func TestOpenIgnoresNestedScoreDocuments(t *testing.T) {
	archive := scoretest.WriteMembers(t, filepath.Join(t.TempDir(), "Parts.mscz"), []scoretest.Member{
		{Name: "excerpts/Violin.mscx", Data: []byte("<museScore/>")},
	})
	if _, err := Open(archive); !errors.Is(err, cerrors.ErrMissingScoreDocument) {
		t.Errorf("expected ErrMissingScoreDocument, got %v", err)
	}
}

func TestOpenPrefersArchiveBaseName(t *testing.T) {
	other := scoretest.Score{Parts: []scoretest.Part{{LongName: "Decoy"}}}.MSCX()
	archive := scoretest.WriteMembers(t, filepath.Join(t.TempDir(), "Quartet.mscz"), []scoretest.Member{
		{Name: "Aaa.mscx", Data: []byte(other)},
		{Name: "Quartet.mscx", Data: []byte(scoretest.Quartet().MSCX())},
	})
	doc, err := Open(archive)
	if err != nil {
		t.Fatal(err)
	}
	if got := partNames(t, doc); len(got) != 3 {
		t.Errorf("expected the Quartet document, got %v", got)
	}
}

func TestOpenRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := scoretest.WriteMembers(t, filepath.Join(dir, "in", "Evil.mscz"), []scoretest.Member{
		{Name: "../escaped.mscx", Data: []byte("<museScore/>")},
	})

	scratch := t.TempDir()
	_, err := (&Codec{TempDir: scratch}).Open(archive)
	if !errors.Is(err, validation.ErrPathTraversal) {
		t.Fatalf("expected ErrPathTraversal, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(scratch, "escaped.mscx")); err == nil {
		t.Error("member escaped the scratch directory")
	}
	assertEmptyDir(t, scratch)
}

func TestOpenRejectsForeignDocument(t *testing.T) {
	archive := scoretest.WriteMembers(t, filepath.Join(t.TempDir(), "Notes.mscz"), []scoretest.Member{
		{Name: "Notes.mscx", Data: []byte(`<?xml version="1.0"?><html><body/></html>`)},
	})
	if _, err := Open(archive); !errors.Is(err, cerrors.ErrMissingScoreDocument) {
		t.Errorf("expected ErrMissingScoreDocument, got %v", err)
	}
}

func TestOpenMalformedDocument(t *testing.T) {
	archive := scoretest.WriteArchive(t, t.TempDir(), "Broken", "<museScore><Score>")
	if _, err := Open(archive); err == nil {
		t.Error("expected parse error")
	}
}

func TestOpenNotAnArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.mscz")
	if err := os.WriteFile(path, []byte("not a zip"), 0644); err != nil {
		t.Fatal(err)
	}
	scratch := t.TempDir()
	_, err := (&Codec{TempDir: scratch}).Open(path)
	var parseErr *cerrors.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if !errors.Is(err, cerrors.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	assertEmptyDir(t, scratch)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "absent.mscz"))
	var ioErr *cerrors.IOError
	if !errors.As(err, &ioErr) || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected IOError wrapping ErrNotExist, got %v", err)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	archive := scoretest.WriteArchive(t, dir, "Quartet", scoretest.Quartet().MSCX())

	doc, err := Open(archive)
	if err != nil {
		t.Fatal(err)
	}
	if err := score.RemoveAllExcept(doc, "Viola"); err != nil {
		t.Fatal(err)
	}

	scratch := t.TempDir()
	outDir := filepath.Join(dir, "out")
	c := &Codec{TempDir: scratch, Prefix: "run1"}
	got, err := c.Write(archive, doc, "Viola", outDir)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if want := filepath.Join(outDir, "Viola.mscz"); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	assertEmptyDir(t, scratch)

	reopened, err := Open(got)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if diff := cmp.Diff([]string{"Viola"}, partNames(t, reopened)); diff != "" {
		t.Errorf("round trip parts mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(scoretest.MemberNames(t, archive), scoretest.MemberNames(t, got)); diff != "" {
		t.Errorf("member order changed (-want +got):\n%s", diff)
	}
	thumb := scoretest.ReadMember(t, got, "Thumbnails/thumbnail.png")
	if !bytes.Equal(thumb, scoretest.ReadMember(t, archive, "Thumbnails/thumbnail.png")) {
		t.Error("thumbnail changed")
	}
	mscx := scoretest.ReadMember(t, got, "Quartet.mscx")
	if !bytes.HasPrefix(mscx, []byte("<?xml")) {
		t.Errorf("score member lacks a declaration: %.40s", mscx)
	}

	if _, err := os.Stat(archive); err != nil {
		t.Errorf("original archive disturbed: %v", err)
	}
}

func TestWriteTrimsArchiveExtension(t *testing.T) {
	dir := t.TempDir()
	archive := scoretest.WriteArchive(t, dir, "Quartet", scoretest.Quartet().MSCX())
	doc, err := Open(archive)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Write(archive, doc, "Cello.mscz", dir)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(got) != "Cello.mscz" {
		t.Errorf("expected Cello.mscz, got %s", got)
	}
}

func TestWriteDefaultsToWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	archive := scoretest.WriteArchive(t, dir, "Quartet", scoretest.Quartet().MSCX())
	doc, err := Open(archive)
	if err != nil {
		t.Fatal(err)
	}

	cwd := t.TempDir()
	t.Chdir(cwd)
	got, err := Write(archive, doc, "Full", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(cwd, "Full.mscz")); err != nil {
		t.Errorf("expected output in working directory (%s): %v", got, err)
	}
}

func TestWriteFailureLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	archive := scoretest.WriteMembers(t, filepath.Join(dir, "NoScore.mscz"), []scoretest.Member{
		{Name: "Thumbnails/thumbnail.png", Data: []byte("png")},
	})
	doc, err := xml.Parse([]byte(scoretest.Quartet().MSCX()))
	if err != nil {
		t.Fatal(err)
	}

	scratch := t.TempDir()
	outDir := t.TempDir()
	_, err = (&Codec{TempDir: scratch}).Write(archive, doc, "Viola", outDir)
	if !errors.Is(err, cerrors.ErrMissingScoreDocument) {
		t.Fatalf("expected ErrMissingScoreDocument, got %v", err)
	}
	assertEmptyDir(t, outDir)
	assertEmptyDir(t, scratch)
}

func TestWriteRejectsBadName(t *testing.T) {
	doc, _ := xml.Parse([]byte("<museScore/>"))
	if _, err := Write("unused.mscz", doc, "a/b", t.TempDir()); !errors.Is(err, validation.ErrInvalidFilename) {
		t.Errorf("expected ErrInvalidFilename, got %v", err)
	}
}

func TestScratchFailure(t *testing.T) {
	orig := osMkdirTemp
	defer func() { osMkdirTemp = orig }()
	osMkdirTemp = func(string, string) (string, error) {
		return "", os.ErrPermission
	}

	_, err := Open("whatever.mscz")
	if !errors.Is(err, os.ErrPermission) {
		t.Errorf("expected permission error, got %v", err)
	}
}

func TestScratchNamespaced(t *testing.T) {
	var patterns []string
	orig := osMkdirTemp
	defer func() { osMkdirTemp = orig }()
	osMkdirTemp = func(dir, pattern string) (string, error) {
		patterns = append(patterns, pattern)
		return orig(dir, pattern)
	}

	archive := scoretest.WriteArchive(t, t.TempDir(), "Quartet", scoretest.Quartet().MSCX())
	if _, err := (&Codec{TempDir: t.TempDir(), Prefix: "abc"}).Open(archive); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"msczkit-abc-open-*"}, patterns); diff != "" {
		t.Errorf("scratch pattern mismatch (-want +got):\n%s", diff)
	}
}

func TestMajorVersion(t *testing.T) {
	dir := t.TempDir()
	for _, v := range []struct {
		version string
		want    int
	}{
		{"3.6.2", 3},
		{"4.2.1", 4},
	} {
		s := scoretest.Quartet()
		s.ProgramVersion = v.version
		archive := scoretest.WriteArchive(t, dir, "V"+v.version, s.MSCX())
		got, err := MajorVersion(archive)
		if err != nil {
			t.Fatalf("%s: %v", v.version, err)
		}
		if got != v.want {
			t.Errorf("%s: expected %d, got %d", v.version, v.want, got)
		}
	}
}
