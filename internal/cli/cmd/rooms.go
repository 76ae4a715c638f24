package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/antonitor/gotchat/pkg/models"
)

func newRoomsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "List rooms known to the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProfile(cmd)
			if err != nil {
				return err
			}
			setupLogging(cmd, p)
			client, err := newClient(p)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			rooms, err := client.Rooms(ctx)
			if err != nil {
				return err
			}
			printRooms(cmd.OutOrStdout(), rooms, time.Now())
			return nil
		},
	}
}

func printRooms(w io.Writer, rooms []models.Room, now time.Time) {
	if len(rooms) == 0 {
		fmt.Fprintln(w, "no rooms yet")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROOM\tTITLE\tCREATED\tSTATUS")
	for _, r := range rooms {
		created := "-"
		if r.CreatedTS > 0 {
			created = humanize.RelTime(time.UnixMilli(r.CreatedTS), now, "ago", "from now")
		}
		status := "open"
		if r.Revoked {
			status = "revoked"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.DisplayTitle(), created, status)
	}
	tw.Flush()
}
