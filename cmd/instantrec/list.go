package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List finished recordings, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			recs, err := a.catalog.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("no recordings")
				return nil
			}

			for _, rec := range recs {
				tag := ""
				if rec.Recovered {
					tag = " (recovered)"
				}
				fmt.Printf("%s  %-10s  %8d KB  %s%s\n",
					rec.CreatedDate.Format("2006-01-02 15:04"),
					rec.Duration.Truncate(time.Second),
					rec.ByteSize/1024,
					rec.FilePath,
					tag,
				)
			}
			return nil
		},
	}
	return cmd
}
