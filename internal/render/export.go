package render

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	cerrors "github.com/FocuswithJustin/msczkit/core/errors"
	"github.com/FocuswithJustin/msczkit/internal/logging"
)

// DefaultExportDir is <dir of input>/<format>.
func DefaultExportDir(input string, f Format) string {
	return filepath.Join(filepath.Dir(input), string(f))
}

// Export renders input into targetDir as <basename>.<format>. An empty
// targetDir selects DefaultExportDir. It returns the output path.
func Export(ctx context.Context, r Renderer, input string, f Format, targetDir string) (string, error) {
	if _, err := ParseFormat(string(f)); err != nil {
		return "", err
	}
	if targetDir == "" {
		targetDir = DefaultExportDir(input, f)
	}
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return "", cerrors.NewIO("mkdir", targetDir, err)
	}
	output := filepath.Join(targetDir, stem(input)+f.Ext())

	logging.ConversionStarted(ctx, input, output, "format", string(f))
	if err := r.Render(ctx, input, output); err != nil {
		logging.ConversionFailed(ctx, input, output, err)
		return "", err
	}
	return output, nil
}

// ExportMP3 renders input to an MP3 beside it.
func ExportMP3(ctx context.Context, r Renderer, input string) (string, error) {
	return Export(ctx, r, input, MP3, filepath.Dir(input))
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
