package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"frame2img/media"

	"github.com/spf13/cobra"
)

func newProbeCmd() *cobra.Command {
	var (
		precise bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "probe <video>",
		Short: "Print duration, frame rate and frame count of a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, "warn")
			if err != nil {
				return err
			}
			defer a.log.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if a.cfg.ProbeTimeout > 0 && !precise {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, a.cfg.ProbeTimeout)
				defer cancel()
			}

			src, err := a.prober.Probe(ctx, args[0], precise)
			if err != nil {
				return err
			}
			if asJSON {
				out, err := json.MarshalIndent(src, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			}
			printSource(cmd, src)
			return nil
		},
	}
	cmd.Flags().BoolVar(&precise, "precise", false, "Count every frame instead of estimating (slow)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the metadata as JSON")
	return cmd
}

func printSource(cmd *cobra.Command, src media.VideoSource) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "File:      %s\n", src.Path)
	if src.Duration != nil {
		fmt.Fprintf(w, "Duration:  %s (%.3fs)\n", media.FormatSeconds(*src.Duration), *src.Duration)
	} else {
		fmt.Fprintln(w, "Duration:  unknown")
	}
	if src.FrameRate != nil {
		fmt.Fprintf(w, "FPS:       %.3f\n", *src.FrameRate)
	} else {
		fmt.Fprintln(w, "FPS:       unknown")
	}
	switch total, ok := src.TotalFrames(); {
	case !ok:
		fmt.Fprintln(w, "Frames:    unknown")
	case src.FramesExact():
		fmt.Fprintf(w, "Frames:    %d (exact)\n", total)
	default:
		fmt.Fprintf(w, "Frames:    ~%d (estimate)\n", total)
	}
	if src.Width > 0 {
		fmt.Fprintf(w, "Size:      %dx%d\n", src.Width, src.Height)
	}
	if src.Codec != "" {
		fmt.Fprintf(w, "Codec:     %s\n", src.Codec)
	}
}
