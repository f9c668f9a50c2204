// Package errors provides the error taxonomy shared by the msczkit packages.
//
// Every typed error unwraps to one of the sentinels below so callers can
// branch with errors.Is and still get a descriptive message.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Generic sentinels.
var (
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates invalid input or validation failure
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnsupported indicates an unsupported operation or format
	ErrUnsupported = errors.New("unsupported")
)

// Score processing sentinels.
var (
	// ErrMissingScoreDocument indicates an archive without an embedded .mscx member.
	ErrMissingScoreDocument = errors.New("missing score document")
	// ErrUnresolvableName indicates a part without longName, shortName or trackName.
	ErrUnresolvableName = errors.New("unresolvable part name")
	// ErrPartNotFound indicates that no part carries the requested name.
	ErrPartNotFound = errors.New("part not found")
	// ErrDanglingStaffReference indicates a part whose staff reference resolves to nothing.
	ErrDanglingStaffReference = errors.New("dangling staff reference")
	// ErrUnsupportedRendererVersion indicates a score written by a MuseScore major version without a renderer.
	ErrUnsupportedRendererVersion = errors.New("unsupported renderer version")
	// ErrUnsupportedExportFormat indicates an export format outside the supported set.
	ErrUnsupportedExportFormat = errors.New("unsupported export format")
	// ErrRendererProcessFailure indicates the renderer process exited unsuccessfully.
	ErrRendererProcessFailure = errors.New("renderer process failure")
)

// PartNotFoundError reports a part name lookup that matched nothing.
type PartNotFoundError struct {
	Part   string // Requested part name
	Source string // Archive path, if known
}

func (e *PartNotFoundError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("no part named %q found in %s", e.Part, e.Source)
	}
	return fmt.Sprintf("no part named %q found", e.Part)
}

func (e *PartNotFoundError) Unwrap() error {
	return ErrPartNotFound
}

// DanglingStaffError reports a Part whose Staff reference cannot be resolved.
type DanglingStaffError struct {
	StaffID string // Referenced staff id; empty when the part has no Staff child
}

func (e *DanglingStaffError) Error() string {
	if e.StaffID == "" {
		return "part has no staff reference"
	}
	return fmt.Sprintf("no staff with id %q", e.StaffID)
}

func (e *DanglingStaffError) Unwrap() error {
	return ErrDanglingStaffReference
}

// RendererError captures a failed renderer invocation.
type RendererError struct {
	Binary   string // Renderer executable
	Input    string // Input file handed to the renderer
	ExitCode int    // Process exit code, -1 if the process did not exit
	Stderr   string // Captured standard error
	Err      error  // Underlying error, if any
}

func (e *RendererError) Error() string {
	msg := fmt.Sprintf("renderer %s failed on %s (exit %d)", e.Binary, e.Input, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *RendererError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrRendererProcessFailure, e.Err}
	}
	return []error{ErrRendererProcessFailure}
}

// IOError represents an I/O operation error with context
type IOError struct {
	Operation string // Operation being performed (e.g., "read", "write", "open")
	Path      string // File/resource path involved
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to %s %s: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("failed to %s: %v", e.Operation, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// ParseError represents a parsing or deserialization error
type ParseError struct {
	Format  string // Format being parsed (e.g., "mscx", "programVersion")
	Path    string // File path, if applicable
	Message string // Error details
	Err     error  // Underlying error, if any
}

func (e *ParseError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to parse %s at %s: %s", e.Format, e.Path, e.Message)
	}
	return fmt.Sprintf("failed to parse %s: %s", e.Format, e.Message)
}

func (e *ParseError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// UnsupportedError represents an unsupported feature or format
type UnsupportedError struct {
	Feature string // Feature or format that is unsupported
	Reason  string // Why it's not supported
	Err     error  // Underlying error, if any
}

func (e *UnsupportedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unsupported %s: %s", e.Feature, e.Reason)
	}
	return fmt.Sprintf("unsupported %s", e.Feature)
}

func (e *UnsupportedError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrUnsupported
}

// NewPartNotFound creates a PartNotFoundError
func NewPartNotFound(part, source string) *PartNotFoundError {
	return &PartNotFoundError{Part: part, Source: source}
}

// NewIO creates an IOError
func NewIO(operation, path string, err error) *IOError {
	return &IOError{
		Operation: operation,
		Path:      path,
		Err:       err,
	}
}

// NewParse creates a ParseError
func NewParse(format, path, message string) *ParseError {
	return &ParseError{
		Format:  format,
		Path:    path,
		Message: message,
	}
}
