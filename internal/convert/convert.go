// Package convert exports directories of score archives through a renderer.
package convert

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/FocuswithJustin/msczkit/core/cache"
	"github.com/FocuswithJustin/msczkit/internal/ledger"
	"github.com/FocuswithJustin/msczkit/internal/logging"
	"github.com/FocuswithJustin/msczkit/internal/midi"
	"github.com/FocuswithJustin/msczkit/internal/mscz"
	"github.com/FocuswithJustin/msczkit/internal/render"
)

// Defaults used when a directory or format is not given.
var (
	DefaultInputDir = filepath.Join("data", "mscz_files")
	DefaultFormat   = render.MIDI
)

// DefaultOutputDir is data/out/<format>.
func DefaultOutputDir(f render.Format) string {
	return filepath.Join("data", "out", string(f))
}

// Ledger is the subset of *ledger.Ledger used to skip converted sources.
type Ledger interface {
	Seen(ctx context.Context, digest, format string) (bool, error)
	Record(ctx context.Context, e ledger.Entry) error
}

// Result is one source handled by a run.
type Result struct {
	Source string
	Output string
	Digest string
}

// Failure is one source that could not be converted.
type Failure struct {
	Source string
	Err    error
}

func (f Failure) Error() string { return fmt.Sprintf("%s: %v", f.Source, f.Err) }

func (f Failure) Unwrap() error { return f.Err }

// Report lists what a run converted, skipped and failed, each in source
// order.
type Report struct {
	RunID     string
	Format    render.Format
	OutputDir string
	Converted []Result
	Skipped   []Result
	Failures  []Failure
}

// Summary renders the counts of a run.
func (r *Report) Summary() string {
	return fmt.Sprintf("%d converted, %d skipped, %d failed", len(r.Converted), len(r.Skipped), len(r.Failures))
}

// Converter renders score archives to one format. Renderer is required; the
// other fields are optional.
type Converter struct {
	Renderer render.Renderer
	// Ledger, when set, skips sources already converted to the format.
	Ledger Ledger
	// Digests memoises source digests across runs of a long-lived process.
	Digests *cache.Files[string]
	// KeepPrograms leaves MIDI instruments untouched instead of switching
	// every track to grand piano.
	KeepPrograms bool
	Workers      int

	digestsOnce sync.Once
}

func (c *Converter) workers() int {
	if c.Workers <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return c.Workers
}

func (c *Converter) digest(path string) (string, error) {
	c.digestsOnce.Do(func() {
		if c.Digests == nil {
			c.Digests = cache.NewDigests(cache.DefaultConfig())
		}
	})
	return c.Digests.Get(path)
}

// Discover lists the .mscz files of dir sorted by path. With recursive set
// it descends into subdirectories; hidden directories are skipped.
func Discover(dir string, recursive bool) ([]string, error) {
	var found []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == dir {
				return nil
			}
			if !recursive || strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && strings.EqualFold(filepath.Ext(path), mscz.ArchiveExt) {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(found)
	return found, nil
}

// Dir converts every archive under inDir into outDir. Sources found in
// subdirectories keep their relative directory under outDir. Renderer
// failures are recorded and never stop the run.
func (c *Converter) Dir(ctx context.Context, inDir, outDir string, f render.Format, recursive bool) (*Report, error) {
	if inDir == "" {
		inDir = DefaultInputDir
	}
	if f == "" {
		f = DefaultFormat
	}
	f, err := render.ParseFormat(string(f))
	if err != nil {
		return nil, err
	}
	if outDir == "" {
		outDir = DefaultOutputDir(f)
	}
	sources, err := Discover(inDir, recursive)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	logging.InfoContext(ctx, "convert_started", "input_dir", inDir, "output_dir", outDir, "format", string(f), "files", len(sources))

	type outcome struct {
		res     Result
		skipped bool
		err     error
	}
	outcomes := make([]outcome, len(sources))

	var g errgroup.Group
	g.SetLimit(c.workers())
	for i, src := range sources {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i].err = err
				return nil
			}
			target := outDir
			if rel, err := filepath.Rel(inDir, filepath.Dir(src)); err == nil && rel != "." {
				target = filepath.Join(outDir, rel)
			}
			res, skipped, err := c.file(ctx, runID, src, target, f)
			outcomes[i] = outcome{res, skipped, err}
			return nil
		})
	}
	g.Wait()

	rep := &Report{RunID: runID, Format: f, OutputDir: outDir}
	for i, o := range outcomes {
		switch {
		case o.err != nil:
			rep.Failures = append(rep.Failures, Failure{Source: sources[i], Err: o.err})
		case o.skipped:
			rep.Skipped = append(rep.Skipped, o.res)
		default:
			rep.Converted = append(rep.Converted, o.res)
		}
	}
	logging.InfoContext(ctx, "convert_finished", "converted", len(rep.Converted), "skipped", len(rep.Skipped), "failed", len(rep.Failures))
	return rep, nil
}

// File converts one archive into outDir, consulting the ledger. skipped is
// true when the ledger already held the source's digest for f.
func (c *Converter) File(ctx context.Context, src, outDir string, f render.Format) (res Result, skipped bool, err error) {
	runID := logging.GetRunID(ctx)
	if runID == "" {
		runID = uuid.NewString()
		ctx = logging.WithRunID(ctx, runID)
	}
	return c.file(ctx, runID, src, outDir, f)
}

func (c *Converter) file(ctx context.Context, runID, src, outDir string, f render.Format) (Result, bool, error) {
	res := Result{Source: src}

	if c.Ledger != nil {
		d, err := c.digest(src)
		if err != nil {
			return res, false, err
		}
		res.Digest = d
		seen, err := c.Ledger.Seen(ctx, d, string(f))
		if err != nil {
			return res, false, err
		}
		if seen {
			logging.InfoContext(ctx, "conversion_skipped", "source", src, "format", string(f))
			return res, true, nil
		}
	}

	out, err := render.Export(ctx, c.Renderer, src, f, outDir)
	if err != nil {
		return res, false, err
	}
	res.Output = out

	if f.IsMIDI() && !c.KeepPrograms {
		if err := midi.SetGrandPianoFile(out); err != nil {
			return res, false, fmt.Errorf("grand piano retouch: %w", err)
		}
	}

	if c.Ledger != nil {
		err := c.Ledger.Record(ctx, ledger.Entry{
			Digest: res.Digest,
			Format: string(f),
			Source: src,
			Output: out,
			RunID:  runID,
		})
		if err != nil {
			logging.WarnContext(ctx, "ledger_record_failed", "source", src, "error", err)
		}
	}
	return res, false, nil
}
