package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"frame2img/media"
	"frame2img/task"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type extractFlags struct {
	out          string
	start        string
	end          string
	prefix       string
	pad          int
	skipExisting bool
	format       string
	quality      int
	compression  string
	precise      bool
	noProgress   bool
}

func newExtractCmd() *cobra.Command {
	var f extractFlags
	cmd := &cobra.Command{
		Use:   "extract <video>",
		Short: "Write every frame of a time range as an image file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(cmd, args[0], f)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.out, "out", "o", "", "Output directory (default OUTPUT_ROOT)")
	fl.StringVar(&f.start, "start", "", "Range start, seconds or [hh:]mm:ss")
	fl.StringVar(&f.end, "end", "", "Range end (exclusive), seconds or [hh:]mm:ss")
	fl.StringVar(&f.prefix, "prefix", media.DefaultPrefix, "File name prefix")
	fl.IntVar(&f.pad, "pad", 0, "Zero padding of the frame index (0 = from the frame count)")
	fl.BoolVar(&f.skipExisting, "skip-existing", false, "Keep frames that already exist on disk")
	fl.StringVar(&f.format, "format", "", "Image format: png or jpg")
	fl.IntVar(&f.quality, "quality", 0, "JPEG quality 1-100")
	fl.StringVar(&f.compression, "compression", "", "PNG compression: default, fast, best or none")
	fl.BoolVar(&f.precise, "precise", false, "Count frames exactly before extracting")
	fl.BoolVar(&f.noProgress, "no-progress", false, "Do not draw a progress bar")
	fl.String("hwaccel", "", "Hardware decoding: auto or off")
	return cmd
}

func runExtract(cmd *cobra.Command, path string, f extractFlags) error {
	a, err := setup(cmd, "warn")
	if err != nil {
		return err
	}
	defer a.log.Sync()

	r, err := media.ParseRange(f.start, f.end)
	if err != nil {
		return err
	}

	// The manager outlives the first interrupt so the run can be canceled
	// and reported; a second interrupt tears it down.
	mgrCtx, stopMgr := context.WithCancel(context.Background())
	defer stopMgr()
	mgr, err := a.manager()
	if err != nil {
		return err
	}
	mgr.Start(mgrCtx)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	probeCtx, cancelProbe := context.WithCancel(mgrCtx)
	go func() {
		select {
		case <-sig:
			cancelProbe()
		case <-probeCtx.Done():
		}
	}()
	src, err := mgr.Probe(probeCtx, path, f.precise)
	cancelProbe()
	if err != nil {
		return err
	}

	opts := task.RequestOptions{
		SkipExisting: f.skipExisting,
		Format:       f.format,
		Quality:      f.quality,
		Compression:  f.compression,
	}
	if cmd.Flags().Changed("prefix") {
		opts.Prefix = &f.prefix
	}
	if cmd.Flags().Changed("pad") {
		opts.Pad = &f.pad
	}
	req, err := task.BuildRequest(a.cfg, src, r, f.out, opts)
	if err != nil {
		return err
	}

	events, unsubscribe := mgr.Subscribe(64)
	defer unsubscribe()
	run, err := mgr.Submit(req)
	if err != nil {
		return err
	}

	stderr := cmd.ErrOrStderr()
	fmt.Fprintf(stderr, "Extracting %s -> %s [%s]\n", path, run.FramesDir, run.Decode.Label)

	var bar *progressbar.ProgressBar
	if !f.noProgress {
		bar = newBar(stderr)
	}

	var last task.Event
	interrupted := false
	for {
		select {
		case <-sig:
			if interrupted {
				stopMgr()
				return errors.New("interrupted")
			}
			interrupted = true
			fmt.Fprintln(stderr, "\nCanceling, press Ctrl+C again to abort")
			if err := mgr.Cancel(run.ID); err != nil && !errors.Is(err, task.ErrRunFinished) {
				return err
			}
			continue
		case ev, ok := <-events:
			if !ok {
				return errors.New("event stream closed")
			}
			if ev.RunID != run.ID {
				continue
			}
			switch ev.Type {
			case task.EventProgress:
				updateBar(bar, ev)
				continue
			case task.EventDecodePathChanged:
				if ev.Decode != nil {
					fmt.Fprintf(stderr, "\nHardware decoding failed, continuing with %s\n", ev.Decode.Label)
				}
				continue
			case task.EventExtractionFinished, task.EventExtractionFailed:
				last = ev
			default:
				continue
			}
		}
		break
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(stderr)
	}

	final, _ := mgr.Get(run.ID)
	printSummary(cmd, final)
	if last.Type == task.EventExtractionFailed {
		return fmt.Errorf("extraction failed: %s", last.Error)
	}
	return nil
}

func newBar(w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Extracting"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "▐",
			BarEnd:        "▌",
		}),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("frames"),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func updateBar(bar *progressbar.ProgressBar, ev task.Event) {
	if bar == nil || ev.Progress == nil {
		return
	}
	p := ev.Progress
	if p.FramesTotal != nil && bar.GetMax64() != *p.FramesTotal {
		bar.ChangeMax64(*p.FramesTotal)
	}
	_ = bar.Set64(p.FramesWritten)
	if ev.ETA != nil {
		bar.Describe(fmt.Sprintf("Extracting (eta %s)", media.FormatSeconds(*ev.ETA)))
	}
}

func printSummary(cmd *cobra.Command, run task.Run) {
	w := cmd.OutOrStdout()
	p := run.Progress
	fmt.Fprintf(w, "Run:       %s\n", run.ID)
	fmt.Fprintf(w, "Status:    %s\n", run.Status)
	fmt.Fprintf(w, "Frames:    %d written, %d skipped\n", p.FramesWritten-p.FramesSkipped, p.FramesSkipped)
	fmt.Fprintf(w, "Directory: %s\n", run.FramesDir)
	fmt.Fprintf(w, "Decoder:   %s\n", run.Decode.Label)
	if p.Elapsed > 0 {
		fmt.Fprintf(w, "Elapsed:   %s (%.1f frames/s)\n", p.Elapsed.Round(time.Millisecond), p.Rate())
	}
	if run.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", run.Error)
	}
}
