package render

import (
	"slices"
	"strings"

	cerrors "github.com/FocuswithJustin/msczkit/core/errors"
)

// Format is an export format understood by the renderer, named by its file
// extension.
type Format string

// Supported export formats.
const (
	FLAC     Format = "flac"
	MetaJSON Format = "metajson"
	MID      Format = "mid"
	MIDI     Format = "midi"
	MLOG     Format = "mlog"
	MP3      Format = "mp3"
	MPOS     Format = "mpos"
	MSCX     Format = "mscx"
	MSCZ     Format = "mscz"
	MusicXML Format = "musicxml"
	MXL      Format = "mxl"
	OGG      Format = "ogg"
	PDF      Format = "pdf"
	PNG      Format = "png"
	SPOS     Format = "spos"
	SVG      Format = "svg"
	WAV      Format = "wav"
	XML      Format = "xml"
)

// Formats lists every supported format in alphabetical order.
var Formats = []Format{
	FLAC, MetaJSON, MID, MIDI, MLOG, MP3, MPOS, MSCX, MSCZ,
	MusicXML, MXL, OGG, PDF, PNG, SPOS, SVG, WAV, XML,
}

// ParseFormat accepts a format name with or without a leading dot, in any
// case.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")))
	if !slices.Contains(Formats, f) {
		return "", &cerrors.UnsupportedError{
			Feature: "export format " + s,
			Reason:  "expected one of " + formatList(),
			Err:     cerrors.ErrUnsupportedExportFormat,
		}
	}
	return f, nil
}

// Ext returns the format's file extension including the dot.
func (f Format) Ext() string { return "." + string(f) }

// IsMIDI reports whether the format is a standard MIDI file.
func (f Format) IsMIDI() bool { return f == MID || f == MIDI }

func formatList() string {
	names := make([]string, len(Formats))
	for i, f := range Formats {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}
