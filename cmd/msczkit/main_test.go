package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/go-cmp/cmp"
	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/FocuswithJustin/msczkit/internal/archive"
	"github.com/FocuswithJustin/msczkit/internal/config"
	"github.com/FocuswithJustin/msczkit/internal/render"
	"github.com/FocuswithJustin/msczkit/internal/scoretest"
)

// syncBuffer is safe for the concurrent writes of watch handlers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) lines() []string {
	return strings.Split(strings.TrimSpace(b.String()), "\n")
}

// testEnv isolates the working directory and configuration, points both
// renderer paths at a fake script and captures stdout.
func testEnv(t *testing.T) (dir string, out *syncBuffer) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake renderer needs /bin/sh")
	}
	dir = t.TempDir()
	t.Chdir(dir)

	script := `#!/bin/sh
case "$1" in
*fail*) echo "cannot read score" >&2; exit 3 ;;
esac
printf 'rendered %s' "$1" > "$3"
`
	fake := filepath.Join(t.TempDir(), "mscore")
	if err := os.WriteFile(fake, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{config.EnvTimeout, config.EnvWorkers, config.EnvLedger, config.EnvLogLevel, config.EnvLogFormat} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	t.Setenv(config.EnvMuseScore3, fake)
	t.Setenv(config.EnvMuseScore4, fake)
	t.Setenv(config.EnvLogLevel, "error")

	out = &syncBuffer{}
	orig := stdout
	stdout = out
	t.Cleanup(func() { stdout = orig })
	return dir, out
}

func quartet(t *testing.T, dir string) string {
	t.Helper()
	return scoretest.WriteArchive(t, dir, "Quartet", scoretest.Quartet().MSCX())
}

func TestPartnamesCmd(t *testing.T) {
	dir, out := testEnv(t)
	cmd := &PartnamesCmd{File: quartet(t, dir)}
	if err := cmd.Run(&Globals{}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Violin", "Viola", "Cello"}, out.lines()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestSinglePartCmd(t *testing.T) {
	dir, out := testEnv(t)
	cmd := &SinglePartCmd{File: quartet(t, dir), Part: "Viola", OutputDir: filepath.Join(dir, "single")}
	if err := cmd.Run(&Globals{}); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "single", "Viola.mscz")
	if got := strings.TrimSpace(out.String()); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestSinglePartCmdUnknownPart(t *testing.T) {
	dir, _ := testEnv(t)
	cmd := &SinglePartCmd{File: quartet(t, dir), Part: "Tuba"}
	if err := cmd.Run(&Globals{}); err == nil {
		t.Error("expected error for unknown part")
	}
}

func TestSilenceOneCmdDefaultsToWorkingDirectory(t *testing.T) {
	dir, _ := testEnv(t)
	src := quartet(t, filepath.Join(dir, "in"))
	cmd := &SilenceOneCmd{File: src, Part: "Cello"}
	if err := cmd.Run(&Globals{}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "Cello.mscz")); err != nil {
		t.Error(err)
	}
}

func TestSeparateCmdWithBundle(t *testing.T) {
	dir, out := testEnv(t)
	bundle := filepath.Join(dir, "dist", "quartet-parts.tar.xz")
	cmd := &SeparateCmd{BatchFlags{File: quartet(t, dir), Bundle: bundle}}
	if err := cmd.Run(&Globals{Workers: 2}); err != nil {
		t.Fatal(err)
	}

	lines := out.lines()
	if !slices.Contains(lines, "3 succeeded, 0 failed") || lines[len(lines)-1] != bundle {
		t.Errorf("unexpected output %q", lines)
	}
	names, err := archive.List(bundle)
	if err != nil {
		t.Fatal(err)
	}
	var bases []string
	for _, n := range names {
		bases = append(bases, filepath.Base(n))
	}
	slices.Sort(bases)
	if diff := cmp.Diff([]string{"Cello.mscz", "Viola.mscz", "Violin.mscz"}, bases); diff != "" {
		t.Errorf("bundle mismatch (-want +got):\n%s", diff)
	}
}

func TestSilenceEachCmd(t *testing.T) {
	dir, _ := testEnv(t)
	cmd := &SilenceEachCmd{BatchFlags{File: quartet(t, dir)}}
	if err := cmd.Run(&Globals{}); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"Violin", "Viola", "Cello"} {
		if _, err := os.Stat(filepath.Join(dir, "Quartet_parts", p+".mscz")); err != nil {
			t.Error(err)
		}
	}
}

func TestBatchRejectsBadBundle(t *testing.T) {
	dir, _ := testEnv(t)
	cmd := &SeparateCmd{BatchFlags{File: quartet(t, dir), Bundle: "parts.zip"}}
	if err := cmd.Run(&Globals{}); err == nil {
		t.Error("expected error for unsupported bundle extension")
	}
	if _, err := os.Stat(filepath.Join(dir, "Quartet_parts")); !os.IsNotExist(err) {
		t.Error("nothing should be written when flags are invalid")
	}
}

func TestBatchReportsDanglingParts(t *testing.T) {
	dir, out := testEnv(t)
	s := scoretest.Quartet()
	s.DanglingStaff = true
	src := scoretest.WriteArchive(t, dir, "Broken", s.MSCX())
	cmd := &SeparateCmd{BatchFlags{File: src}}
	if err := cmd.Run(&Globals{}); err == nil {
		t.Error("expected an error when some parts fail")
	}
	if !strings.Contains(out.String(), "failed") {
		t.Errorf("summary missing: %q", out.String())
	}
}

func TestMP3Cmd(t *testing.T) {
	dir, out := testEnv(t)
	cmd := &MP3Cmd{File: quartet(t, dir)}
	if err := cmd.Run(&Globals{}); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "Quartet.mp3")
	if got := strings.TrimSpace(out.String()); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestPartMP3sCmd(t *testing.T) {
	dir, out := testEnv(t)
	cmd := &PartMP3sCmd{File: quartet(t, dir)}
	if err := cmd.Run(&Globals{}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "3 succeeded, 0 failed") {
		t.Errorf("unexpected output %q", out.String())
	}
	entries, err := os.ReadDir(filepath.Join(dir, "Quartet_part_mp3s"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("expected 3 mp3 files, got %d", len(entries))
	}
}

func TestPartMP3sDirCmd(t *testing.T) {
	dir, out := testEnv(t)
	in := filepath.Join(dir, "scores")
	quartet(t, filepath.Join(in, "act1"))
	cmd := &PartMP3sDirCmd{InputDir: in, OutputDir: filepath.Join(dir, "mp3s")}
	if err := cmd.Run(&Globals{}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "mp3s", "Quartet", "Cello.mp3")); err != nil {
		t.Error(err)
	}

	out.buf.Reset()
	if err := cmd.Run(&Globals{}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "skipped ") {
		t.Errorf("second run should skip, got %q", out.String())
	}
}

func TestExportCmd(t *testing.T) {
	dir, out := testEnv(t)
	cmd := &ExportCmd{File: quartet(t, dir), Format: ".PDF"}
	if err := cmd.Run(&Globals{}); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "pdf", "Quartet.pdf")
	if got := strings.TrimSpace(out.String()); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestExportCmdUnknownFormat(t *testing.T) {
	dir, _ := testEnv(t)
	cmd := &ExportCmd{File: quartet(t, dir), Format: "docx"}
	if err := cmd.Run(&Globals{}); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestConvertCmdWithLedger(t *testing.T) {
	dir, out := testEnv(t)
	t.Setenv(config.EnvLedger, filepath.Join(dir, "state", "ledger.db"))
	in := filepath.Join(dir, "scores")
	quartet(t, in)
	scoretest.WriteArchive(t, in, "fail-me", scoretest.Quartet().MSCX())

	cmd := &ConvertCmd{InputDir: in, OutputDir: filepath.Join(dir, "svg"), Format: "svg"}
	if err := cmd.Run(&Globals{}); err == nil {
		t.Error("expected error reporting the failed file")
	}
	if !strings.Contains(out.String(), "1 converted, 0 skipped, 1 failed") {
		t.Errorf("unexpected first run output %q", out.String())
	}

	os.Remove(filepath.Join(in, "fail-me.mscz"))
	out.buf.Reset()
	if err := cmd.Run(&Globals{}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "0 converted, 1 skipped, 0 failed") {
		t.Errorf("unexpected second run output %q", out.String())
	}

	out.buf.Reset()
	if err := (&LedgerListCmd{}).Run(&Globals{}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Quartet.svg") {
		t.Errorf("ledger list missing entry: %q", out.String())
	}

	out.buf.Reset()
	if err := (&LedgerForgetCmd{Source: filepath.Join(in, "Quartet.mscz")}).Run(&Globals{}); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out.String()); got != "forgot 1 conversions" {
		t.Errorf("unexpected forget output %q", got)
	}
}

func TestLedgerCmdWithoutLedger(t *testing.T) {
	testEnv(t)
	if err := (&LedgerListCmd{}).Run(&Globals{}); err == nil {
		t.Error("expected error when no ledger is configured")
	}
}

func TestLedgerListBeforeFirstConversion(t *testing.T) {
	dir, out := testEnv(t)
	db := filepath.Join(dir, "state", "ledger.db")
	t.Setenv(config.EnvLedger, db)

	if err := (&LedgerListCmd{}).Run(&Globals{}); err != nil {
		t.Fatal(err)
	}
	if out.String() != "" {
		t.Errorf("expected no output, got %q", out.String())
	}
	if _, err := os.Stat(db); !os.IsNotExist(err) {
		t.Error("ledger list must not create the database")
	}
}

func TestMergeMIDICmd(t *testing.T) {
	dir, out := testEnv(t)
	src := filepath.Join(dir, "Take Five")
	os.MkdirAll(src, 0755)
	for i, name := range []string{"a.mid", "b.mid"} {
		var tr smf.Track
		tr.Add(0, gomidi.ProgramChange(uint8(i), 50))
		tr.Add(0, gomidi.NoteOn(uint8(i), 60, 90))
		tr.Add(240, gomidi.NoteOff(uint8(i), 60))
		tr.Close(0)
		s := smf.New()
		s.Add(tr)
		if err := s.WriteFile(filepath.Join(src, name)); err != nil {
			t.Fatal(err)
		}
	}

	cmd := &MergeMIDICmd{InputDirectory: src}
	if err := cmd.Run(&Globals{}); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join("data", "out", "midi", "Take_Five.mid")
	if got := strings.TrimSpace(out.String()); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	merged, err := smf.ReadFile(filepath.Join(dir, want))
	if err != nil {
		t.Fatal(err)
	}
	if len(merged.Tracks) != 2 {
		t.Errorf("expected 2 tracks, got %d", len(merged.Tracks))
	}
}

func TestWatchCmd(t *testing.T) {
	dir, out := testEnv(t)
	watched := filepath.Join(dir, "inbox")
	os.MkdirAll(watched, 0755)

	g := &Globals{}
	cfg, err := g.setup()
	if err != nil {
		t.Fatal(err)
	}
	conv, closeLedger, err := newConverter(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	defer closeLedger()

	cmd := &WatchCmd{Dir: watched, OutputDir: filepath.Join(dir, "rendered")}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.watch(ctx, conv, render.MP3, 1) }()

	// Readiness is only logged; retry the drop until it is seen.
	want := filepath.Join(dir, "rendered", "Quartet.mp3")
	deadline := time.Now().Add(10 * time.Second)
	for !strings.Contains(out.String(), want) {
		if time.Now().After(deadline) {
			cancel()
			<-done
			t.Fatalf("watch never converted the archive; output %q", out.String())
		}
		quartet(t, watched)
		time.Sleep(200 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("watch: %v", err)
	}
}

func TestWatchCmdMissingDir(t *testing.T) {
	dir, _ := testEnv(t)
	g := &Globals{}
	cfg, err := g.setup()
	if err != nil {
		t.Fatal(err)
	}
	conv, closeLedger, err := newConverter(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	defer closeLedger()

	cmd := &WatchCmd{Dir: filepath.Join(dir, "absent")}
	if err := cmd.watch(context.Background(), conv, render.MP3, 1); err == nil {
		t.Error("expected error for a missing directory")
	}
}

func TestCheckCmd(t *testing.T) {
	dir, out := testEnv(t)
	if err := (&CheckCmd{File: quartet(t, dir)}).Run(&Globals{}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "pass (3 parts)") {
		t.Errorf("unexpected output %q", out.String())
	}

	s := scoretest.Quartet()
	s.DanglingStaff = true
	broken := scoretest.WriteArchive(t, dir, "Broken", s.MSCX())
	out.buf.Reset()
	if err := (&CheckCmd{File: broken, JSON: true}).Run(&Globals{}); err == nil {
		t.Error("expected failure for dangling staff")
	}
	if !strings.Contains(out.String(), `"status": "fail"`) || !strings.Contains(out.String(), `"blake3"`) {
		t.Errorf("unexpected JSON %q", out.String())
	}
}

func TestVersionCmd(t *testing.T) {
	_, out := testEnv(t)
	if err := (&VersionCmd{}).Run(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "msczkit version "+version) {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestGlobalsOverrideConfig(t *testing.T) {
	testEnv(t)
	cfg, err := (&Globals{Workers: 5, LogFormat: "json"}).setup()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers != 5 || cfg.Log.Format != "json" {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if _, err := (&Globals{LogLevel: "chatty"}).setup(); err == nil {
		t.Error("expected invalid log level to fail")
	}
}

func TestCommandNames(t *testing.T) {
	dir, _ := testEnv(t)
	src := quartet(t, dir)

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"partnames", src}, "partnames <file>"},
		{[]string{"single_part_mscz", src, "Viola", "-o", dir}, "single_part_mscz <file> <part>"},
		{[]string{"part_mscz_with_silenced_others", src, "Viola", "--output_dir", dir}, "part_mscz_with_silenced_others <file> <part>"},
		{[]string{"part_msczs_with_silenced_others", src, "--bundle", "x.tar.gz"}, "part_msczs_with_silenced_others <file>"},
		{[]string{"separate", src}, "separate <file>"},
		{[]string{"part_mp3s", src}, "part_mp3s <file>"},
		{[]string{"mp3", src}, "mp3 <file>"},
		{[]string{"part_mp3s_dir", "-i", dir}, "part_mp3s_dir"},
		{[]string{"export", src, "-f", "pdf"}, "export <file>"},
		{[]string{"convert", "-i", dir, "-f", "mp3", "--recursive"}, "convert"},
		{[]string{"merge_midi", dir, "--output_directory", dir}, "merge_midi <input-directory>"},
		{[]string{"watch", dir}, "watch <dir>"},
		{[]string{"ledger", "list"}, "ledger list"},
		{[]string{"check", src, "--json"}, "check <file>"},
		{[]string{"version"}, "version"},
	}
	for _, tt := range tests {
		t.Run(tt.args[0], func(t *testing.T) {
			parser, err := kong.New(&CLI, kong.Name("msczkit"), kong.Exit(func(int) { t.Fatal("unexpected exit") }))
			if err != nil {
				t.Fatal(err)
			}
			ctx, err := parser.Parse(tt.args)
			if err != nil {
				t.Fatalf("parse %v: %v", tt.args, err)
			}
			if got := ctx.Command(); got != tt.want {
				t.Errorf("expected command %q, got %q", tt.want, got)
			}
		})
	}
}
