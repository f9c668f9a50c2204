// Package midi merges standard MIDI files and retouches their instruments.
package midi

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	cerrors "github.com/FocuswithJustin/msczkit/core/errors"
	"github.com/FocuswithJustin/msczkit/internal/fileutil"
	"github.com/FocuswithJustin/msczkit/internal/logging"
	"github.com/FocuswithJustin/msczkit/internal/validation"
)

// GrandPiano is General MIDI program 0, Acoustic Grand Piano.
const GrandPiano uint8 = 0

// DefaultMergeDir is where MergeDir writes when no directory is given.
var DefaultMergeDir = filepath.Join("data", "out", "midi")

// SetGrandPiano makes every track of s play program 0. The first Program
// Change of a track is rewritten in place; a track without one gets a new
// Program Change at its very start, on the channel of its first channel
// message. It returns the number of tracks touched.
func SetGrandPiano(s *smf.SMF) int {
	touched := 0
	for i, tr := range s.Tracks {
		s.Tracks[i] = setProgram(tr, GrandPiano)
		touched++
	}
	return touched
}

func setProgram(tr smf.Track, program uint8) smf.Track {
	var ch, prog uint8
	for i, ev := range tr {
		if gomidi.Message(ev.Message).GetProgramChange(&ch, &prog) {
			tr[i].Message = smf.Message(gomidi.ProgramChange(ch, program))
			return tr
		}
	}

	pc := smf.Event{Delta: 0, Message: smf.Message(gomidi.ProgramChange(firstChannel(tr), program))}
	return slices.Insert(tr, 0, pc)
}

// firstChannel returns the channel of the first channel voice message in
// tr, or 0.
func firstChannel(tr smf.Track) uint8 {
	for _, ev := range tr {
		if m := ev.Message; len(m) > 0 && m[0] >= 0x80 && m[0] < 0xF0 {
			return m[0] & 0x0F
		}
	}
	return 0
}

// SetGrandPianoFile rewrites the MIDI file at path with every track set to
// grand piano.
func SetGrandPianoFile(path string) error {
	s, err := smf.ReadFile(path)
	if err != nil {
		return cerrors.NewIO("read", path, err)
	}
	SetGrandPiano(s)
	return writeAtomic(s, path)
}

// Merge concatenates the track lists of paths, in order, into one format 1
// file at out. The time format of the first input is used. With piano set,
// every track is switched to grand piano.
func Merge(paths []string, out string, piano bool) error {
	if len(paths) == 0 {
		return fmt.Errorf("merge: no input files: %w", cerrors.ErrInvalidInput)
	}

	merged := smf.New()
	for i, p := range paths {
		s, err := smf.ReadFile(p)
		if err != nil {
			return cerrors.NewIO("read", p, err)
		}
		if i == 0 {
			merged.TimeFormat = s.TimeFormat
		} else if s.TimeFormat != merged.TimeFormat {
			logging.Warn("midi_time_format_mismatch",
				"file", p,
				"time_format", s.TimeFormat.String(),
				"merged_time_format", merged.TimeFormat.String(),
			)
		}
		for _, tr := range s.Tracks {
			if err := merged.Add(tr); err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
		}
	}

	if piano {
		SetGrandPiano(merged)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return cerrors.NewIO("mkdir", filepath.Dir(out), err)
	}
	return writeAtomic(merged, out)
}

// MergeDir merges every .mid/.midi file of dir, sorted by name, into
// <outDir>/<name of dir>.mid with spaces in the name replaced by
// underscores. An empty outDir selects DefaultMergeDir.
func MergeDir(dir, outDir string, piano bool) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", cerrors.NewIO("read", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".mid", ".midi":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("no MIDI files in %s: %w", dir, cerrors.ErrNotFound)
	}
	for _, p := range paths {
		if err := sniff(p); err != nil {
			return "", err
		}
	}

	if outDir == "" {
		outDir = DefaultMergeDir
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	name := strings.ReplaceAll(filepath.Base(abs), " ", "_") + ".mid"
	out := filepath.Join(outDir, name)

	if err := Merge(paths, out, piano); err != nil {
		return "", err
	}
	return out, nil
}

func writeAtomic(s *smf.SMF, path string) error {
	tmp := path + ".tmp"
	if err := s.WriteFile(tmp); err != nil {
		os.Remove(tmp)
		return cerrors.NewIO("write", path, err)
	}
	if err := fileutil.MoveFile(tmp, path); err != nil {
		os.Remove(tmp)
		return cerrors.NewIO("rename", path, err)
	}
	return nil
}

// sniff checks that path starts with a Standard MIDI File header.
func sniff(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return cerrors.NewIO("open", path, err)
	}
	defer f.Close()
	if _, err := validation.ValidateFileType(f, path); err != nil {
		return &cerrors.ParseError{Format: "midi", Path: path, Message: err.Error()}
	}
	return nil
}
