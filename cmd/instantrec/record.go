package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	internal_capture "github.com/tkys/instantrec-sub000/internal/capture"
	internal_resource "github.com/tkys/instantrec-sub000/internal/resource"
	internal_session "github.com/tkys/instantrec-sub000/internal/session"
)

func recordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Capture audio until interrupted (Ctrl-C stops and merges)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			// Recovery runs before any new recording begins.
			pending, err := a.recovery.Discover(cmd.Context())
			if err != nil {
				return err
			}
			if len(pending) > 0 {
				fmt.Fprintf(os.Stderr, "%d interrupted session(s) found; run 'instantrec recover' first to restore them.\n", len(pending))
			}
			if _, err := a.recovery.CleanupExpired(cmd.Context()); err != nil {
				a.logger.Warnw("Retention cleanup failed", "error", err.Error())
			}

			source, err := internal_capture.NewPortaudioSource(a.cfg.AudioConfig(), a.cfg.FrameMs)
			if err != nil {
				return err
			}

			monitor := internal_resource.NewMonitor(
				a.logger,
				internal_resource.NewSystemSampler(a.cfg.DataDir, nil),
				internal_resource.DefaultThresholds(),
				a.cfg.ResourceInterval,
			)

			recorder, err := internal_session.NewRecorder(a.logger, internal_session.Options{
				AudioConfig:        a.cfg.AudioConfig(),
				Source:             source,
				SegmentDir:         a.cfg.SegmentDir(),
				OutputDir:          a.cfg.OutputDir(),
				SegmentInterval:    a.cfg.SegmentInterval,
				MinSegmentInterval: a.cfg.MinSegmentInterval,
				Adaptive:           a.cfg.Adaptive,
				Snapshots:          a.snapshots,
				Pressure:           monitor.Subscribe(),
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				err := monitor.Run(gctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			g.Go(func() error {
				return recorder.Run(gctx)
			})

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			status := time.NewTicker(time.Second)
			defer status.Stop()

		wait:
			for {
				select {
				case <-status.C:
					sess := recorder.Session()
					fmt.Fprintf(os.Stderr, "\rrec %-12s level %5.2f segments %d ",
						sess.AccumulatedDuration.Truncate(time.Second), recorder.Level(), len(sess.Segments))
				case <-sigCh:
					fmt.Fprintln(os.Stderr, "\nstopping...")
					break wait
				case <-gctx.Done():
					break wait
				}
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer stopCancel()
			artifact, err := recorder.Stop(stopCtx)
			cancel()
			if werr := g.Wait(); werr != nil && err == nil {
				err = werr
			}
			if err != nil {
				return err
			}

			sess := recorder.Session()
			if _, err := a.catalog.Save(context.Background(), sess.SessionID, artifact, false); err != nil {
				a.logger.Warnw("Catalog save failed", "error", err.Error())
			}
			fmt.Printf("saved %s (%s, %d bytes)\n", artifact.Path, artifact.Duration.Truncate(time.Millisecond), artifact.ByteSize)
			return nil
		},
	}
	return cmd
}
