package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ulikunitz/xz"
)

// Bundle extensions accepted by CreateBundle.
const (
	ExtTarXZ = ".tar.xz"
	ExtTarGZ = ".tar.gz"
)

// IsBundlePath reports whether path names a supported bundle format.
func IsBundlePath(path string) bool {
	return strings.HasSuffix(path, ExtTarXZ) || strings.HasSuffix(path, ExtTarGZ)
}

// CreateBundle packs srcDir into a compressed tar at dstPath. The
// compression follows the extension of dstPath. Entries are stored under a
// directory named after the bundle, with timestamps normalised to one
// instant.
func CreateBundle(srcDir, dstPath string) (err error) {
	var baseDir string
	switch {
	case strings.HasSuffix(dstPath, ExtTarXZ):
		baseDir = strings.TrimSuffix(filepath.Base(dstPath), ExtTarXZ)
	case strings.HasSuffix(dstPath, ExtTarGZ):
		baseDir = strings.TrimSuffix(filepath.Base(dstPath), ExtTarGZ)
	default:
		return fmt.Errorf("unsupported bundle format: %s", dstPath)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	outFile, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("failed to create bundle file: %w", err)
	}
	defer func() {
		if cerr := outFile.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dstPath)
		}
	}()

	var cw io.WriteCloser
	if strings.HasSuffix(dstPath, ExtTarXZ) {
		xw, err := xz.NewWriter(outFile)
		if err != nil {
			return fmt.Errorf("xz writer: %w", err)
		}
		cw = xw
	} else {
		cw = gzip.NewWriter(outFile)
	}

	tw := tar.NewWriter(cw)
	if err := writeTree(tw, srcDir, baseDir); err != nil {
		tw.Close()
		cw.Close()
		return fmt.Errorf("failed to create bundle: %w", err)
	}
	if err := tw.Close(); err != nil {
		cw.Close()
		return fmt.Errorf("failed to finalize tar: %w", err)
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("failed to finalize compression: %w", err)
	}
	return nil
}

func writeTree(tw *tar.Writer, srcDir, baseDir string) error {
	now := time.Now()

	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = baseDir + "/" + filepath.ToSlash(relPath)
		if info.IsDir() {
			header.Name += "/"
		}
		header.ModTime = now

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(tw, file)
		return err
	})
}
