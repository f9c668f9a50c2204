// Package render drives the external MuseScore renderer.
//
// The renderer is a blocking subprocess invoked as
// "<binary> <input> -o <output>"; the output extension selects the format.
// Scores written by MuseScore 3 and 4 need the matching binary, so a
// Dispatcher detects the source major version and picks a renderer.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	cerrors "github.com/FocuswithJustin/msczkit/core/errors"
	"github.com/FocuswithJustin/msczkit/core/score"
	"github.com/FocuswithJustin/msczkit/core/xml"
	"github.com/FocuswithJustin/msczkit/internal/fileutil"
	"github.com/FocuswithJustin/msczkit/internal/logging"
	"github.com/FocuswithJustin/msczkit/internal/mscz"
)

// Default renderer locations of the macOS application bundles.
const (
	DefaultMuseScore3 = "/Applications/MuseScore 3.app/Contents/MacOS/mscore"
	DefaultMuseScore4 = "/Applications/MuseScore 4.app/Contents/MacOS/mscore"

	DefaultTimeout = 5 * time.Minute
)

// Injectable for tests.
var (
	execCommandContext = exec.CommandContext
	osMkdirTemp        = os.MkdirTemp
)

// Renderer converts input into output, choosing the format from output's
// extension.
type Renderer interface {
	Render(ctx context.Context, input, output string) error
}

// MuseScore runs one MuseScore binary.
type MuseScore struct {
	Binary  string
	Timeout time.Duration
	// TempDir is the parent of render scratch directories. Empty means
	// os.TempDir.
	TempDir string
}

// Render runs the binary and waits for it to exit or time out. A non-zero
// exit, a timeout or a missing output file yields a *errors.RendererError.
//
// The binary writes into a private scratch directory; output only appears
// once the render has succeeded, so a failed or killed render never leaves
// a partial file behind.
func (m *MuseScore) Render(ctx context.Context, input, output string) error {
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	scratch, err := osMkdirTemp(m.TempDir, "msczkit-render-*")
	if err != nil {
		return cerrors.NewIO("mkdir", "scratch", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logging.WorkspaceCleanupFailed(scratch, err)
		}
	}()
	staged := filepath.Join(scratch, filepath.Base(output))

	cmd := execCommandContext(ctx, m.Binary, input, "-o", staged)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children that inherit the output pipes must not stall Wait after a kill.
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}
	logging.RendererInvocation(ctx, m.Binary, input, output, exitCode, duration)

	if runErr != nil {
		cause := runErr
		if ctxErr := ctx.Err(); ctxErr != nil {
			cause = ctxErr
		}
		return &cerrors.RendererError{
			Binary:   m.Binary,
			Input:    input,
			ExitCode: exitCode,
			Stderr:   stderr.String(),
			Err:      cause,
		}
	}
	if info, err := os.Stat(staged); err != nil || !info.Mode().IsRegular() {
		return &cerrors.RendererError{
			Binary: m.Binary,
			Input:  input,
			Stderr: stderr.String(),
			Err:    fmt.Errorf("no output written to %s", output),
		}
	}
	if err := fileutil.MoveFile(staged, output); err != nil {
		return cerrors.NewIO("move", output, err)
	}
	return nil
}

// Dispatcher routes each input to the renderer registered for the major
// version that wrote it.
type Dispatcher struct {
	Renderers map[int]Renderer
	// Version detects the major version of an input. Defaults to
	// DetectVersion.
	Version func(path string) (int, error)
}

// NewDispatcher registers MuseScore 3 and 4 binaries.
func NewDispatcher(musescore3, musescore4 string, timeout time.Duration) *Dispatcher {
	return &Dispatcher{Renderers: map[int]Renderer{
		3: &MuseScore{Binary: musescore3, Timeout: timeout},
		4: &MuseScore{Binary: musescore4, Timeout: timeout},
	}}
}

// For returns the renderer for input.
func (d *Dispatcher) For(input string) (Renderer, error) {
	detect := d.Version
	if detect == nil {
		detect = DetectVersion
	}
	major, err := detect(input)
	if err != nil {
		return nil, err
	}
	r, ok := d.Renderers[major]
	if !ok {
		return nil, fmt.Errorf("%s written by MuseScore %d: %w", input, major, cerrors.ErrUnsupportedRendererVersion)
	}
	return r, nil
}

// Render detects the version of input and delegates.
func (d *Dispatcher) Render(ctx context.Context, input, output string) error {
	r, err := d.For(input)
	if err != nil {
		return err
	}
	return r.Render(ctx, input, output)
}

// DetectVersion reads the programVersion major number of an .mscz archive
// or a bare .mscx document.
func DetectVersion(path string) (int, error) {
	if !strings.EqualFold(filepath.Ext(path), mscz.ScoreExt) {
		return mscz.MajorVersion(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, cerrors.NewIO("open", path, err)
	}
	defer f.Close()
	doc, err := xml.ParseReader(f)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	v, err := score.ProgramVersion(doc)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return v.Major, nil
}
