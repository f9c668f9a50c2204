// Command msczkit extracts, silences and renders parts of MuseScore archives.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/FocuswithJustin/msczkit/core/cas"
	cerrors "github.com/FocuswithJustin/msczkit/core/errors"
	"github.com/FocuswithJustin/msczkit/core/score"
	"github.com/FocuswithJustin/msczkit/core/selfcheck"
	"github.com/FocuswithJustin/msczkit/core/sqlite"
	"github.com/FocuswithJustin/msczkit/internal/archive"
	"github.com/FocuswithJustin/msczkit/internal/config"
	"github.com/FocuswithJustin/msczkit/internal/convert"
	"github.com/FocuswithJustin/msczkit/internal/ledger"
	"github.com/FocuswithJustin/msczkit/internal/logging"
	"github.com/FocuswithJustin/msczkit/internal/midi"
	"github.com/FocuswithJustin/msczkit/internal/mscz"
	"github.com/FocuswithJustin/msczkit/internal/parts"
	"github.com/FocuswithJustin/msczkit/internal/render"
	"github.com/FocuswithJustin/msczkit/internal/watch"
)

const version = "0.1.0"

// stdout receives command results; logs go to stderr.
var stdout io.Writer = os.Stdout

// Globals are flags shared by every command.
type Globals struct {
	Config    string `help:"Config file (default: ./msczkit.yaml when present)" type:"path"`
	LogLevel  string `name:"log-level" help:"Log level: debug, info, warn, error"`
	LogFormat string `name:"log-format" help:"Log format: text or json"`
	Workers   int    `help:"Parallel workers for batch commands (default: CPU count)"`
}

// CLI defines the command-line interface for msczkit.
var CLI struct {
	Globals `embed:""`

	Partnames                   PartnamesCmd   `cmd:"" name:"partnames" help:"List names of all parts in a .mscz file"`
	SinglePartMscz              SinglePartCmd  `cmd:"" name:"single_part_mscz" help:"Create a .mscz file holding only one part"`
	MP3                         MP3Cmd         `cmd:"" name:"mp3" help:"Create an mp3 file for a .mscz file"`
	PartMP3s                    PartMP3sCmd    `cmd:"" name:"part_mp3s" help:"Create an mp3 file for each part, with the other parts silenced"`
	PartMP3sDir                 PartMP3sDirCmd `cmd:"" name:"part_mp3s_dir" help:"Create part mp3s for every .mscz file under a directory"`
	PartMsczWithSilencedOthers  SilenceOneCmd  `cmd:"" name:"part_mscz_with_silenced_others" help:"Create a .mscz file where all parts except one are silenced"`
	PartMsczsWithSilencedOthers SilenceEachCmd `cmd:"" name:"part_msczs_with_silenced_others" help:"Create, for each part, a .mscz file where all other parts are silenced"`
	Separate                    SeparateCmd    `cmd:"" name:"separate" help:"Create a .mscz file for each part"`
	Export                      ExportCmd      `cmd:"" name:"export" help:"Export a .mscz file to another format"`
	Convert                     ConvertCmd     `cmd:"" name:"convert" help:"Export every .mscz file of a directory to another format"`
	MergeMidi                   MergeMIDICmd   `cmd:"" name:"merge_midi" help:"Merge the MIDI files of a directory into one file"`
	Watch                       WatchCmd       `cmd:"" name:"watch" help:"Convert .mscz files as they appear in a directory"`
	Ledger                      LedgerGroup    `cmd:"" name:"ledger" help:"Inspect the conversion ledger"`
	Check                       CheckCmd       `cmd:"" name:"check" help:"Verify that every part of a .mscz file can be extracted"`
	Version                     VersionCmd     `cmd:"" name:"version" help:"Print version information"`
}

// setup loads configuration, applies global flags and configures logging.
func (g *Globals) setup() (*config.Config, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	if g.Workers != 0 {
		cfg.Workers = g.Workers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := logging.ParseLevel(cfg.Log.Level)
	format, _ := logging.ParseFormat(cfg.Log.Format)
	logging.InitLogger(level, format)
	return cfg, nil
}

func newRunner(cfg *config.Config) *parts.Runner {
	return &parts.Runner{Workers: cfg.Workers}
}

func newRenderer(cfg *config.Config) *render.Dispatcher {
	return render.NewDispatcher(cfg.Renderer.MuseScore3, cfg.Renderer.MuseScore4, cfg.Renderer.Timeout)
}

// openLedger returns nil when no ledger is configured.
func openLedger(cfg *config.Config) (*ledger.Ledger, error) {
	if cfg.Ledger.Path == "" {
		return nil, nil
	}
	return ledger.Open(cfg.Ledger.Path)
}

func newConverter(cfg *config.Config, keepPrograms bool) (*convert.Converter, func(), error) {
	c := &convert.Converter{
		Renderer:     newRenderer(cfg),
		KeepPrograms: keepPrograms,
		Workers:      cfg.Workers,
	}
	l, err := openLedger(cfg)
	if err != nil {
		return nil, nil, err
	}
	if l == nil {
		return c, func() {}, nil
	}
	c.Ledger = l
	return c, func() { l.Close() }, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// printReport writes produced paths to stdout and failures to stderr, and
// fails when any part failed.
func printReport(rep *parts.Report) error {
	for _, o := range rep.Outputs {
		fmt.Fprintln(stdout, o.Path)
	}
	for _, f := range rep.Failures {
		logging.Error("part_failed", "run_id", rep.RunID, "part", f.Part, "error", f.Err)
	}
	fmt.Fprintln(stdout, rep.Summary())
	if len(rep.Failures) > 0 {
		return fmt.Errorf("%d of %d parts failed", len(rep.Failures), len(rep.Failures)+len(rep.Outputs))
	}
	return nil
}

// PartnamesCmd lists part names.
type PartnamesCmd struct {
	File string `arg:"" help:"Path to a .mscz file" type:"existingfile"`
}

func (c *PartnamesCmd) Run(g *Globals) error {
	if _, err := g.setup(); err != nil {
		return err
	}
	doc, err := mscz.Open(c.File)
	if err != nil {
		return err
	}
	names, err := score.PartNames(doc)
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Fprintln(stdout, n)
	}
	return nil
}

// SinglePartCmd extracts one part.
type SinglePartCmd struct {
	File      string `arg:"" help:"Path to a .mscz file" type:"existingfile"`
	Part      string `arg:"" help:"Name of the part to extract"`
	OutputDir string `name:"output_dir" short:"o" help:"Output directory (default: current directory)" type:"path"`
}

func (c *SinglePartCmd) Run(g *Globals) error {
	cfg, err := g.setup()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	out, err := newRunner(cfg).ExtractPart(ctx, c.File, c.Part, c.OutputDir)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, out)
	return nil
}

// MP3Cmd renders an archive to MP3 beside it.
type MP3Cmd struct {
	File string `arg:"" help:"Path to a .mscz file" type:"existingfile"`
}

func (c *MP3Cmd) Run(g *Globals) error {
	cfg, err := g.setup()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	out, err := render.ExportMP3(ctx, newRenderer(cfg), c.File)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, out)
	return nil
}

// PartMP3sCmd renders one MP3 per part.
type PartMP3sCmd struct {
	File      string `arg:"" help:"Path to a .mscz file" type:"existingfile"`
	OutputDir string `name:"output_dir" short:"o" help:"Output directory (default: ./<name>_part_mp3s)" type:"path"`
}

func (c *PartMP3sCmd) Run(g *Globals) error {
	cfg, err := g.setup()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	rep, err := newRunner(cfg).PartMP3s(ctx, newRenderer(cfg), c.File, c.OutputDir)
	if err != nil {
		return err
	}
	return printReport(rep)
}

// PartMP3sDirCmd renders part MP3s for a tree of archives.
type PartMP3sDirCmd struct {
	InputDir  string `name:"input_dir" short:"i" default:"data/mscz_files" help:"Directory searched recursively for .mscz files" type:"path"`
	OutputDir string `name:"output_dir" short:"o" default:"data/mp3s" help:"One folder per score is created here" type:"path"`
}

func (c *PartMP3sDirCmd) Run(g *Globals) error {
	cfg, err := g.setup()
	if err != nil {
		return err
	}
	archives, err := convert.Discover(c.InputDir, true)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	failed := 0
	for _, res := range newRunner(cfg).PartMP3sTree(ctx, newRenderer(cfg), archives, c.OutputDir) {
		switch {
		case res.Skipped:
			fmt.Fprintf(stdout, "skipped %s: %s exists\n", res.Archive, res.OutDir)
		case res.Err != nil:
			failed++
			logging.Error("part_mp3s_failed", "archive", res.Archive, "error", res.Err)
		default:
			fmt.Fprintf(stdout, "%s: %s\n", res.OutDir, res.Report.Summary())
			if len(res.Report.Failures) > 0 {
				failed++
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scores had failures", failed, len(archives))
	}
	return nil
}

// SilenceOneCmd silences every part except one.
type SilenceOneCmd struct {
	File      string `arg:"" help:"Path to a .mscz file" type:"existingfile"`
	Part      string `arg:"" help:"Name of the part to keep audible"`
	OutputDir string `name:"output_dir" short:"o" help:"Output directory (default: current directory)" type:"path"`
}

func (c *SilenceOneCmd) Run(g *Globals) error {
	cfg, err := g.setup()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	out, err := newRunner(cfg).SilenceOthers(ctx, c.File, c.Part, c.OutputDir)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, out)
	return nil
}

// BatchFlags are shared by the per-part batch commands.
type BatchFlags struct {
	File      string `arg:"" help:"Path to a .mscz file" type:"existingfile"`
	OutputDir string `name:"output_dir" short:"o" help:"Output directory (default: <dir>/<name>_parts)" type:"path"`
	Bundle    string `help:"Also pack the output directory into a .tar.xz or .tar.gz bundle" type:"path"`
}

func (b *BatchFlags) finish(rep *parts.Report) error {
	reportErr := printReport(rep)
	if b.Bundle != "" && len(rep.Outputs) > 0 {
		if err := archive.CreateBundle(rep.OutDir, b.Bundle); err != nil {
			return errors.Join(reportErr, err)
		}
		members, err := archive.List(b.Bundle)
		if err != nil {
			return errors.Join(reportErr, err)
		}
		logging.Info("bundle_written", "path", b.Bundle, "members", len(members))
		fmt.Fprintln(stdout, b.Bundle)
	}
	return reportErr
}

func (b *BatchFlags) validate() error {
	if b.Bundle != "" && !archive.IsBundlePath(b.Bundle) {
		return fmt.Errorf("bundle %q must end in %s or %s", b.Bundle, archive.ExtTarXZ, archive.ExtTarGZ)
	}
	return nil
}

// SilenceEachCmd writes one silenced archive per part.
type SilenceEachCmd struct {
	BatchFlags `embed:""`
}

func (c *SilenceEachCmd) Run(g *Globals) error {
	if err := c.validate(); err != nil {
		return err
	}
	cfg, err := g.setup()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	rep, err := newRunner(cfg).SilenceAllExceptEachPart(ctx, c.File, c.OutputDir)
	if err != nil {
		return err
	}
	return c.finish(rep)
}

// SeparateCmd writes one extracted archive per part.
type SeparateCmd struct {
	BatchFlags `embed:""`
}

func (c *SeparateCmd) Run(g *Globals) error {
	if err := c.validate(); err != nil {
		return err
	}
	cfg, err := g.setup()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	rep, err := newRunner(cfg).ExtractAllParts(ctx, c.File, c.OutputDir)
	if err != nil {
		return err
	}
	return c.finish(rep)
}

// ExportCmd renders one archive.
type ExportCmd struct {
	File      string `arg:"" help:"Path to a .mscz file" type:"existingfile"`
	Format    string `short:"f" default:"midi" help:"Output format"`
	OutputDir string `name:"output_dir" short:"o" help:"Output directory (default: <dir>/<format>)" type:"path"`
}

func (c *ExportCmd) Run(g *Globals) error {
	cfg, err := g.setup()
	if err != nil {
		return err
	}
	f, err := render.ParseFormat(c.Format)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	out, err := render.Export(ctx, newRenderer(cfg), c.File, f, c.OutputDir)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, out)
	return nil
}

// ConvertCmd exports a directory of archives.
type ConvertCmd struct {
	InputDir     string `name:"input_dir" short:"i" help:"Directory of .mscz files (default: data/mscz_files)" type:"path"`
	OutputDir    string `name:"output_dir" short:"o" help:"Output directory (default: data/out/<format>)" type:"path"`
	Format       string `short:"f" default:"midi" help:"Output format"`
	Recursive    bool   `short:"r" help:"Descend into subdirectories"`
	KeepPrograms bool   `name:"keep-programs" help:"Leave MIDI instruments unchanged instead of using grand piano"`
}

func (c *ConvertCmd) Run(g *Globals) error {
	cfg, err := g.setup()
	if err != nil {
		return err
	}
	f, err := render.ParseFormat(c.Format)
	if err != nil {
		return err
	}
	conv, closeLedger, err := newConverter(cfg, c.KeepPrograms)
	if err != nil {
		return err
	}
	defer closeLedger()

	ctx, cancel := signalContext()
	defer cancel()
	rep, err := conv.Dir(ctx, c.InputDir, c.OutputDir, f, c.Recursive)
	if err != nil {
		return err
	}

	for _, r := range rep.Converted {
		fmt.Fprintln(stdout, r.Output)
	}
	for _, fl := range rep.Failures {
		logging.Error("conversion_failed", "run_id", rep.RunID, "source", fl.Source, "error", fl.Err)
	}
	fmt.Fprintln(stdout, rep.Summary())
	if len(rep.Failures) > 0 {
		return fmt.Errorf("%d files failed to convert", len(rep.Failures))
	}
	return nil
}

// MergeMIDICmd merges a directory of MIDI files.
type MergeMIDICmd struct {
	InputDirectory  string `arg:"" help:"Directory containing MIDI files" type:"existingdir"`
	OutputDirectory string `name:"output_directory" help:"Output directory (default: data/out/midi)" type:"path"`
	KeepPrograms    bool   `name:"keep-programs" help:"Leave instruments unchanged instead of using grand piano"`
}

func (c *MergeMIDICmd) Run(g *Globals) error {
	if _, err := g.setup(); err != nil {
		return err
	}
	out, err := midi.MergeDir(c.InputDirectory, c.OutputDirectory, !c.KeepPrograms)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, out)
	return nil
}

// WatchCmd converts archives as they arrive.
type WatchCmd struct {
	Dir          string `arg:"" help:"Directory to watch" type:"existingdir"`
	Format       string `short:"f" default:"mp3" help:"Output format"`
	OutputDir    string `name:"output_dir" short:"o" help:"Output directory (default: <dir>/<format>)" type:"path"`
	KeepPrograms bool   `name:"keep-programs" help:"Leave MIDI instruments unchanged instead of using grand piano"`
}

func (c *WatchCmd) Run(g *Globals) error {
	cfg, err := g.setup()
	if err != nil {
		return err
	}
	f, err := render.ParseFormat(c.Format)
	if err != nil {
		return err
	}
	conv, closeLedger, err := newConverter(cfg, c.KeepPrograms)
	if err != nil {
		return err
	}
	defer closeLedger()

	ctx, cancel := signalContext()
	defer cancel()
	return c.watch(ctx, conv, f, cfg.Workers)
}

func (c *WatchCmd) watch(ctx context.Context, conv *convert.Converter, f render.Format, workers int) error {
	w := watch.New(c.Dir, func(ctx context.Context, path string) error {
		res, skipped, err := conv.File(ctx, path, c.OutputDir, f)
		if err != nil {
			return err
		}
		if !skipped {
			fmt.Fprintln(stdout, res.Output)
		}
		return nil
	})
	w.Workers = workers

	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	select {
	case <-w.Ready():
		logging.Info("watching", "dir", c.Dir, "format", string(f))
	case err := <-errc:
		return err
	}
	return <-errc
}

// LedgerGroup inspects and edits the conversion ledger.
type LedgerGroup struct {
	List   LedgerListCmd   `cmd:"" help:"List recorded conversions"`
	Forget LedgerForgetCmd `cmd:"" help:"Forget the conversions of a source file so it is converted again"`
}

func ledgerFromConfig(g *Globals, open func(string) (*ledger.Ledger, error)) (*ledger.Ledger, error) {
	cfg, err := g.setup()
	if err != nil {
		return nil, err
	}
	if cfg.Ledger.Path == "" {
		return nil, fmt.Errorf("no ledger configured (set ledger.path or %s)", config.EnvLedger)
	}
	return open(cfg.Ledger.Path)
}

// LedgerListCmd prints ledger entries.
type LedgerListCmd struct{}

func (c *LedgerListCmd) Run(g *Globals) error {
	l, err := ledgerFromConfig(g, ledger.OpenReadOnly)
	if errors.Is(err, cerrors.ErrNotFound) {
		// Nothing has been converted yet.
		return nil
	}
	if err != nil {
		return err
	}
	defer l.Close()
	entries, err := l.Entries(context.Background())
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(stdout, "%s\t%s\t%s\t%s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Format, e.Source, e.Output)
	}
	return nil
}

// LedgerForgetCmd removes the entries of one source.
type LedgerForgetCmd struct {
	Source string `arg:"" help:"Source path as recorded"`
}

func (c *LedgerForgetCmd) Run(g *Globals) error {
	l, err := ledgerFromConfig(g, ledger.Open)
	if err != nil {
		return err
	}
	defer l.Close()
	n, err := l.Forget(context.Background(), c.Source)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "forgot %d conversions\n", n)
	return nil
}

// CheckCmd verifies an archive before splitting it.
type CheckCmd struct {
	File string `arg:"" help:"Path to a .mscz file" type:"existingfile"`
	JSON bool   `name:"json" help:"Print the report as JSON"`
}

func (c *CheckCmd) Run(g *Globals) error {
	if _, err := g.setup(); err != nil {
		return err
	}
	doc, err := mscz.Open(c.File)
	if err != nil {
		return err
	}
	rep := selfcheck.Run(doc)
	rep.Source = c.File
	if rep.Digest, err = cas.FileDigest(c.File); err != nil {
		return err
	}

	if c.JSON {
		data, err := rep.ToJSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, string(data))
	} else {
		for _, r := range rep.Results {
			mark := "ok  "
			switch {
			case r.Warning:
				mark = "warn"
			case !r.Pass:
				mark = "FAIL"
			}
			fmt.Fprintf(stdout, "%s %-16s %s", mark, r.CheckType, r.Label)
			if r.Details != "" {
				fmt.Fprintf(stdout, ": %s", r.Details)
			}
			fmt.Fprintln(stdout)
		}
		fmt.Fprintf(stdout, "%s: %s (%d parts)\n", c.File, rep.Status, rep.Parts)
	}
	if rep.Status != selfcheck.StatusPass {
		return fmt.Errorf("%s: %d checks failed", c.File, len(rep.Failed()))
	}
	return nil
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	info := sqlite.GetInfo()
	fmt.Fprintf(stdout, "msczkit version %s\n", version)
	fmt.Fprintf(stdout, "sqlite driver: %s (%s)\n", info.DriverName, info.DriverType)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("msczkit"),
		kong.Description("Extract, silence and render parts of MuseScore score archives"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run(&CLI.Globals)
	ctx.FatalIfErrorf(err)
}
