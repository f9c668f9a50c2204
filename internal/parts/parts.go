// Package parts derives per-part archives from a score archive.
//
// Every derivation re-opens the source archive, so derivations share no
// document state and run in parallel on a bounded worker pool. A failed
// derivation is recorded in the Report and never promoted to the output
// directory.
package parts

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/FocuswithJustin/msczkit/core/score"
	"github.com/FocuswithJustin/msczkit/core/xml"
	"github.com/FocuswithJustin/msczkit/internal/logging"
	"github.com/FocuswithJustin/msczkit/internal/mscz"
	"github.com/FocuswithJustin/msczkit/internal/validation"
)

// Mode selects how the non-kept parts are treated.
type Mode int

const (
	// ModeExtract removes every other part and its staves.
	ModeExtract Mode = iota
	// ModeSilence keeps every part but turns the others' notes into rests.
	ModeSilence
)

func (m Mode) String() string {
	if m == ModeSilence {
		return "silence"
	}
	return "extract"
}

// Output is one archive produced by a batch.
type Output struct {
	Index int
	Part  string
	Path  string
}

// Failure is one derivation that produced no output.
type Failure struct {
	Index int
	Part  string
	Err   error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Part, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Report summarises a batch run. Outputs and Failures are ordered by part
// position in the source document.
type Report struct {
	RunID    string
	Source   string
	OutDir   string
	Outputs  []Output
	Failures []Failure
}

// Err joins all failures, or returns nil when every derivation succeeded.
func (r *Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Summary renders the success and failure counts.
func (r *Report) Summary() string {
	return fmt.Sprintf("%d succeeded, %d failed", len(r.Outputs), len(r.Failures))
}

// Runner executes derivations. The zero value uses GOMAXPROCS workers and
// the system temp directory.
type Runner struct {
	Workers int
	TempDir string
}

func (r *Runner) workers() int {
	if r == nil || r.Workers <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return r.Workers
}

func (r *Runner) codec(runID string) *mscz.Codec {
	c := &mscz.Codec{Prefix: shortID(runID)}
	if r != nil {
		c.TempDir = r.TempDir
	}
	return c
}

// DefaultOutDir is where batch outputs go when no directory is given:
// <dir>/<basename>_parts next to the archive.
func DefaultOutDir(archive string) string {
	return filepath.Join(filepath.Dir(archive), stem(archive)+"_parts")
}

// ExtractPart writes an archive holding only the named part into outDir.
func (r *Runner) ExtractPart(ctx context.Context, archive, name, outDir string) (string, error) {
	return r.single(ctx, archive, name, outDir, ModeExtract)
}

// SilenceOthers writes an archive where every part except the named one is
// silenced.
func (r *Runner) SilenceOthers(ctx context.Context, archive, name, outDir string) (string, error) {
	return r.single(ctx, archive, name, outDir, ModeSilence)
}

// ExtractAllParts writes one extracted archive per part.
func (r *Runner) ExtractAllParts(ctx context.Context, archive, outDir string) (*Report, error) {
	return r.each(ctx, archive, outDir, ModeExtract)
}

// SilenceAllExceptEachPart writes, for every part, an archive in which all
// other parts are silenced.
func (r *Runner) SilenceAllExceptEachPart(ctx context.Context, archive, outDir string) (*Report, error) {
	return r.each(ctx, archive, outDir, ModeSilence)
}

func (r *Runner) single(ctx context.Context, archive, name, outDir string, mode Mode) (string, error) {
	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	codec := r.codec(runID)

	file, err := validation.SanitizeFilename(name)
	if err != nil {
		return "", fmt.Errorf("part %q: %w", name, err)
	}
	logging.ConversionStarted(ctx, archive, file+mscz.ArchiveExt, "mode", mode.String())

	doc, err := codec.Open(archive)
	if err != nil {
		return "", err
	}
	if err := apply(doc, name, nil, mode); err != nil {
		return "", err
	}
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0755); err != nil {
			return "", err
		}
	}
	return codec.Write(archive, doc, file, outDir)
}

func (r *Runner) each(ctx context.Context, archive, outDir string, mode Mode) (*Report, error) {
	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	codec := r.codec(runID)

	doc, err := codec.Open(archive)
	if err != nil {
		return nil, err
	}
	if outDir == "" {
		outDir = DefaultOutDir(archive)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}

	rep := &Report{RunID: runID, Source: archive, OutDir: outDir}

	list := score.ListParts(doc)
	names := make([]string, len(list))
	for i, p := range list {
		n, err := score.NameOf(p)
		if err != nil {
			rep.Failures = append(rep.Failures, Failure{Index: i, Part: fmt.Sprintf("#%d", i+1), Err: err})
			continue
		}
		names[i] = n
	}
	files := OutputNames(names)

	type result struct {
		path string
		err  error
	}
	results := make([]result, len(list))

	var g errgroup.Group
	g.SetLimit(r.workers())
	for i := range list {
		if names[i] == "" {
			continue
		}
		if files[i] == "" {
			results[i].err = fmt.Errorf("part %q: %w", names[i], validation.ErrInvalidFilename)
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].err = err
				return nil
			}
			logging.ConversionStarted(ctx, archive, files[i]+mscz.ArchiveExt, "mode", mode.String(), "part", names[i])
			results[i].path, results[i].err = derive(codec, archive, i, mode, files[i], outDir)
			return nil
		})
	}
	g.Wait()

	for i, res := range results {
		switch {
		case names[i] == "":
		case res.err != nil:
			logging.ConversionFailed(ctx, archive, files[i]+mscz.ArchiveExt, res.err)
			rep.Failures = append(rep.Failures, Failure{Index: i, Part: names[i], Err: res.err})
		default:
			rep.Outputs = append(rep.Outputs, Output{Index: i, Part: names[i], Path: res.path})
		}
	}
	sortByIndex(rep.Failures)
	return rep, nil
}

// derive re-opens archive and produces the output for the part at index.
func derive(codec *mscz.Codec, archive string, index int, mode Mode, file, outDir string) (string, error) {
	doc, err := codec.Open(archive)
	if err != nil {
		return "", err
	}
	list := score.ListParts(doc)
	if index >= len(list) {
		return "", fmt.Errorf("part #%d vanished on re-open", index+1)
	}
	if err := apply(doc, "", list[index], mode); err != nil {
		return "", err
	}
	return codec.Write(archive, doc, file, outDir)
}

// apply mutates doc keeping either the part called name or, when keep is
// non-nil, that exact part node.
func apply(doc *xml.Document, name string, keep *xml.Node, mode Mode) error {
	switch mode {
	case ModeSilence:
		var err error
		if keep != nil {
			_, err = score.SilenceAllExceptPart(doc, keep)
		} else {
			_, err = score.SilenceAllExcept(doc, name)
		}
		return err
	default:
		if keep != nil {
			return score.RemoveAllExceptPart(doc, keep)
		}
		return score.RemoveAllExcept(doc, name)
	}
}

// OutputNames maps resolved part names to unique output file stems. Blank
// names stay blank. Later duplicates get " (2)", " (3)" suffixes; names are
// compared case-insensitively so outputs never collide on case-folding
// filesystems.
func OutputNames(names []string) []string {
	out := make([]string, len(names))
	taken := make(map[string]bool, len(names))
	for i, n := range names {
		if n == "" {
			continue
		}
		base, err := validation.SanitizeFilename(n)
		if err != nil {
			continue
		}
		candidate := base
		for k := 2; taken[strings.ToLower(candidate)]; k++ {
			candidate = fmt.Sprintf("%s (%d)", base, k)
		}
		taken[strings.ToLower(candidate)] = true
		out[i] = candidate
	}
	return out
}

func sortByIndex(fs []Failure) {
	slices.SortStableFunc(fs, func(a, b Failure) int {
		return cmp.Compare(a.Index, b.Index)
	})
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
