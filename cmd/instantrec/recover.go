package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func recoverCmd() *cobra.Command {
	var acceptAll bool

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Restore sessions interrupted by a crash or forced termination",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			pending, err := a.recovery.Discover(cmd.Context())
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("nothing to recover")
				if removed, err := a.recovery.CleanupExpired(cmd.Context()); err == nil && removed > 0 {
					fmt.Printf("removed %d expired abandoned session(s)\n", removed)
				}
				return nil
			}

			reader := bufio.NewReader(os.Stdin)
			for _, rec := range pending {
				fmt.Printf("session %s from %s: %d segment(s), %s recoverable (%s quality, %d dropped)\n",
					rec.SessionID(),
					rec.Snapshot.StartTime.Format(time.RFC3339),
					len(rec.ValidSegments),
					rec.ValidatedDuration.Truncate(time.Second),
					rec.Quality,
					rec.DroppedSegments,
				)

				accept := acceptAll
				if !accept {
					fmt.Print("recover this session? [y/N]: ")
					line, _ := reader.ReadString('\n')
					accept = strings.EqualFold(strings.TrimSpace(line), "y")
				}

				if !accept {
					if err := a.recovery.Decline(rec); err != nil {
						return err
					}
					fmt.Println("declined; segments kept until retention expires")
					continue
				}

				artifact, err := a.recovery.Recover(cmd.Context(), rec)
				if err != nil {
					return err
				}
				if _, err := a.catalog.Save(cmd.Context(), rec.SessionID(), artifact, true); err != nil {
					a.logger.Warnw("Catalog save failed", "error", err.Error())
				}
				fmt.Printf("recovered %s (%s)\n", artifact.Path, artifact.Duration.Truncate(time.Millisecond))
			}

			if removed, err := a.recovery.CleanupExpired(cmd.Context()); err == nil && removed > 0 {
				fmt.Printf("removed %d expired abandoned session(s)\n", removed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&acceptAll, "yes", false, "Recover all sessions without prompting")
	return cmd
}
