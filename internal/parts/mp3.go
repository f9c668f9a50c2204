package parts

import (
	"context"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/FocuswithJustin/msczkit/internal/logging"
)

// Renderer converts a score file into the format implied by output's
// extension.
type Renderer interface {
	Render(ctx context.Context, input, output string) error
}

// DefaultMP3Dir is ./<basename>_part_mp3s in the working directory.
func DefaultMP3Dir(archive string) string {
	return stem(archive) + "_part_mp3s"
}

// PartMP3s renders one MP3 per part, each with every other part silenced.
// Intermediate archives live in a scratch directory that is removed before
// returning. Render failures are recorded per part.
func (r *Runner) PartMP3s(ctx context.Context, rend Renderer, archive, outDir string) (*Report, error) {
	if outDir == "" {
		outDir = DefaultMP3Dir(archive)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}

	var tempDir string
	if r != nil {
		tempDir = r.TempDir
	}
	scratch, err := os.MkdirTemp(tempDir, "msczkit-mp3-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logging.WorkspaceCleanupFailed(scratch, err)
		}
	}()

	silenced, err := r.SilenceAllExceptEachPart(ctx, archive, scratch)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRunID(ctx, silenced.RunID)

	rep := &Report{
		RunID:    silenced.RunID,
		Source:   archive,
		OutDir:   outDir,
		Failures: silenced.Failures,
	}

	rendered := make([]Output, len(silenced.Outputs))
	errs := make([]error, len(silenced.Outputs))

	var g errgroup.Group
	g.SetLimit(r.workers())
	for i, o := range silenced.Outputs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			mp3 := filepath.Join(outDir, stem(o.Path)+".mp3")
			if err := rend.Render(ctx, o.Path, mp3); err != nil {
				logging.ConversionFailed(ctx, o.Path, mp3, err)
				errs[i] = err
				return nil
			}
			rendered[i] = Output{Index: o.Index, Part: o.Part, Path: mp3}
			return nil
		})
	}
	g.Wait()

	for i, o := range silenced.Outputs {
		if errs[i] != nil {
			rep.Failures = append(rep.Failures, Failure{Index: o.Index, Part: o.Part, Err: errs[i]})
			continue
		}
		rep.Outputs = append(rep.Outputs, rendered[i])
	}
	sortByIndex(rep.Failures)
	return rep, nil
}

// DefaultMP3TreeDir is where PartMP3sTree writes when no directory is given.
var DefaultMP3TreeDir = filepath.Join("data", "mp3s")

// TreeResult is the outcome of PartMP3sTree for one archive. Report is nil
// when the archive was skipped or failed before rendering.
type TreeResult struct {
	Archive string
	OutDir  string
	Skipped bool
	Report  *Report
	Err     error
}

// PartMP3sTree runs PartMP3s for each archive into outDir/<basename>.
// Archives whose folder already exists are skipped, so an interrupted run
// can be resumed. A folder is only kept when every part rendered; a partial
// one is removed so the next run retries the whole score. Archives are
// processed one after another; each one uses the runner's worker pool.
func (r *Runner) PartMP3sTree(ctx context.Context, rend Renderer, archives []string, outDir string) []TreeResult {
	if outDir == "" {
		outDir = DefaultMP3TreeDir
	}
	results := make([]TreeResult, 0, len(archives))
	for _, a := range archives {
		res := TreeResult{Archive: a, OutDir: filepath.Join(outDir, stem(a))}
		if err := ctx.Err(); err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}
		if _, err := os.Stat(res.OutDir); err == nil {
			logging.InfoContext(ctx, "part_mp3s_skipped", "archive", a, "out_dir", res.OutDir)
			res.Skipped = true
			results = append(results, res)
			continue
		}
		res.Report, res.Err = r.PartMP3s(ctx, rend, a, res.OutDir)
		if res.Err != nil || len(res.Report.Failures) > 0 {
			if err := os.RemoveAll(res.OutDir); err != nil {
				logging.WorkspaceCleanupFailed(res.OutDir, err)
			}
		}
		results = append(results, res)
	}
	return results
}
