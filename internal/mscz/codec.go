// Package mscz reads and writes MuseScore compressed score archives.
//
// An archive is a ZIP container holding one score document (the .mscx
// member) alongside thumbnails, META-INF and other resources. Open parses the
// score document; Write builds a new archive from an original with the score
// member replaced and every other member carried over in order.
package mscz

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	cerrors "github.com/FocuswithJustin/msczkit/core/errors"
	"github.com/FocuswithJustin/msczkit/core/score"
	"github.com/FocuswithJustin/msczkit/core/xml"
	"github.com/FocuswithJustin/msczkit/internal/fileutil"
	"github.com/FocuswithJustin/msczkit/internal/logging"
	"github.com/FocuswithJustin/msczkit/internal/validation"
)

const (
	// ArchiveExt is the compressed score archive extension.
	ArchiveExt = ".mscz"
	// ScoreExt is the extension of the score document member.
	ScoreExt = ".mscx"
)

// Injectable for tests.
var (
	osMkdirTemp = os.MkdirTemp
	osRemoveAll = os.RemoveAll
)

// Codec opens and writes archives using private scratch directories.
// The zero value is ready to use and creates scratch space under the
// system temp directory.
type Codec struct {
	// TempDir is the parent of scratch directories. Empty means os.TempDir.
	TempDir string
	// Prefix namespaces scratch directories, typically with a run ID.
	Prefix string
}

var defaultCodec = &Codec{}

// Open parses the score document of the archive at path.
func Open(path string) (*xml.Document, error) {
	return defaultCodec.Open(path)
}

// Write serialises doc into a new archive built from original. See Codec.Write.
func Write(original string, doc *xml.Document, destName, outDir string) (string, error) {
	return defaultCodec.Write(original, doc, destName, outDir)
}

// MajorVersion reports the major programVersion of the archive at path.
func MajorVersion(path string) (int, error) {
	return defaultCodec.MajorVersion(path)
}

// Open extracts the archive at path into a scratch directory, parses its
// score document and removes the scratch directory before returning.
func (c *Codec) Open(path string) (*xml.Document, error) {
	work, err := c.scratch("open")
	if err != nil {
		return nil, err
	}
	defer c.release(work)

	if err := sniff(path); err != nil {
		return nil, err
	}
	members, err := extract(path, work)
	if err != nil {
		return nil, err
	}
	sm, err := scoreMember(path, members)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(work, filepath.FromSlash(sm.Name)))
	if err != nil {
		return nil, cerrors.NewIO("read", sm.Name, err)
	}
	defer f.Close()

	doc, err := xml.ParseReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if root := doc.Root(); root == nil || root.Name() != score.TagMuseScore {
		return nil, fmt.Errorf("%s: %s has root %s: %w", path, sm.Name, root, cerrors.ErrMissingScoreDocument)
	}
	return doc, nil
}

// Write copies original into a scratch directory, extracts it, overwrites
// the score member with doc and re-compresses the members in their original
// order. The result is named destName + ".mscz" and moved into outDir, or
// the current directory when outDir is empty. It returns the final path.
//
// Nothing is placed in outDir unless every step succeeds.
func (c *Codec) Write(original string, doc *xml.Document, destName, outDir string) (string, error) {
	destName = strings.TrimSuffix(destName, ArchiveExt)
	if err := validation.ValidateFilename(destName + ArchiveExt); err != nil {
		return "", fmt.Errorf("output name %q: %w", destName, err)
	}
	if outDir == "" {
		outDir = "."
	}

	work, err := c.scratch("write")
	if err != nil {
		return "", err
	}
	defer c.release(work)

	working := filepath.Join(work, "source"+ArchiveExt)
	if err := fileutil.CopyFile(original, working); err != nil {
		return "", cerrors.NewIO("copy", original, err)
	}

	tree := filepath.Join(work, "tree")
	members, err := extract(working, tree)
	if err != nil {
		return "", err
	}
	sm, err := scoreMember(original, members)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(tree, filepath.FromSlash(sm.Name)), doc.Serialize(), 0644); err != nil {
		return "", cerrors.NewIO("write", sm.Name, err)
	}

	zipped := filepath.Join(work, destName+".zip")
	if err := compress(tree, members, zipped); err != nil {
		return "", err
	}
	renamed := filepath.Join(work, destName+ArchiveExt)
	if err := os.Rename(zipped, renamed); err != nil {
		return "", cerrors.NewIO("rename", zipped, err)
	}

	final := filepath.Join(outDir, destName+ArchiveExt)
	if err := fileutil.MoveFile(renamed, final); err != nil {
		return "", cerrors.NewIO("move", final, err)
	}
	return final, nil
}

// MajorVersion opens the archive and reports its programVersion major number.
func (c *Codec) MajorVersion(path string) (int, error) {
	doc, err := c.Open(path)
	if err != nil {
		return 0, err
	}
	v, err := score.ProgramVersion(doc)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return v.Major, nil
}

func (c *Codec) scratch(op string) (string, error) {
	prefix := "msczkit-"
	if c.Prefix != "" {
		prefix += c.Prefix + "-"
	}
	dir, err := osMkdirTemp(c.TempDir, prefix+op+"-*")
	if err != nil {
		return "", cerrors.NewIO("mkdir", "scratch", err)
	}
	return dir, nil
}

func (c *Codec) release(dir string) {
	if err := osRemoveAll(dir); err != nil {
		logging.WorkspaceCleanupFailed(dir, err)
	}
}

// sniff rejects files whose content is not a ZIP container before anything
// is extracted.
func sniff(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return cerrors.NewIO("open", path, err)
	}
	defer f.Close()
	if _, err := validation.ValidateFileType(f, path); err != nil {
		return &cerrors.ParseError{Format: "mscz", Path: path, Message: err.Error()}
	}
	return nil
}

// member is one archive entry in archive order.
type member struct {
	Name   string
	Header zip.FileHeader
}

// extract unpacks archive into dir, refusing members that would escape it.
func extract(archive, dir string) ([]member, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return nil, cerrors.NewIO("open", archive, err)
	}
	defer r.Close()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, cerrors.NewIO("mkdir", dir, err)
	}

	members := make([]member, 0, len(r.File))
	for _, f := range r.File {
		rel, err := validation.SanitizePath(dir, f.Name)
		if err != nil {
			return nil, fmt.Errorf("%s: member %q: %w", archive, f.Name, err)
		}
		members = append(members, member{Name: f.Name, Header: f.FileHeader})

		target := filepath.Join(dir, rel)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return nil, cerrors.NewIO("mkdir", target, err)
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return nil, fmt.Errorf("%s: %w", archive, err)
		}
	}
	return members, nil
}

func extractFile(f *zip.File, target string) error {
	if f.UncompressedSize64 > validation.MaxMemberSize {
		return fmt.Errorf("member %q too large (%d bytes)", f.Name, f.UncompressedSize64)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return cerrors.NewIO("mkdir", target, err)
	}
	rc, err := f.Open()
	if err != nil {
		return cerrors.NewIO("open", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return cerrors.NewIO("create", target, err)
	}
	n, err := io.Copy(out, io.LimitReader(rc, validation.MaxMemberSize+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return cerrors.NewIO("extract", f.Name, err)
	}
	if n > validation.MaxMemberSize {
		return fmt.Errorf("member %q exceeds %d bytes", f.Name, validation.MaxMemberSize)
	}
	return nil
}

// scoreMember picks the score document among the root-level members,
// preferring the one named after the archive.
func scoreMember(archive string, members []member) (member, error) {
	want := strings.TrimSuffix(filepath.Base(archive), filepath.Ext(archive)) + ScoreExt

	var found *member
	for i := range members {
		m := &members[i]
		if strings.Contains(strings.TrimSuffix(m.Name, "/"), "/") || !strings.HasSuffix(strings.ToLower(m.Name), ScoreExt) {
			continue
		}
		if path.Base(m.Name) == want {
			return *m, nil
		}
		if found == nil {
			found = m
		}
	}
	if found == nil {
		return member{}, fmt.Errorf("%s: %w", archive, cerrors.ErrMissingScoreDocument)
	}
	return *found, nil
}

// compress writes the members of tree into a new ZIP at dst in the given
// order, keeping each member's compression method and modification time.
func compress(tree string, members []member, dst string) (err error) {
	out, err := os.Create(dst)
	if err != nil {
		return cerrors.NewIO("create", dst, err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = cerrors.NewIO("close", dst, cerr)
		}
	}()

	zw := zip.NewWriter(out)
	for _, m := range members {
		if err := addMember(zw, tree, m); err != nil {
			zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return cerrors.NewIO("finalize", dst, err)
	}
	return nil
}

func addMember(zw *zip.Writer, tree string, m member) error {
	hdr := &zip.FileHeader{
		Name:     m.Name,
		Method:   m.Header.Method,
		Modified: m.Header.Modified,
		Comment:  m.Header.Comment,
	}
	if hdr.Method != zip.Store && hdr.Method != zip.Deflate {
		hdr.Method = zip.Deflate
	}
	hdr.SetMode(m.Header.Mode())

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return cerrors.NewIO("add", m.Name, err)
	}
	if strings.HasSuffix(m.Name, "/") {
		return nil
	}

	f, err := os.Open(filepath.Join(tree, filepath.FromSlash(path.Clean(m.Name))))
	if err != nil {
		return cerrors.NewIO("read", m.Name, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return cerrors.NewIO("compress", m.Name, err)
	}
	return nil
}
