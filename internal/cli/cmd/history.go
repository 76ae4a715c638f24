package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonitor/gotchat/internal/console"
	"github.com/antonitor/gotchat/pkg/models"
)

func newHistoryCmd() *cobra.Command {
	var limit int
	c := &cobra.Command{
		Use:   "history [room]",
		Short: "Print the confirmed history of a room",
		Args:  cobra.MaximumNArgs(1),
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
			snap, err := client.Snapshot(ctx, roomArg(p, args))
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), snap.Messages, limit, time.Local)
			return nil
		},
	}
	c.Flags().IntVarP(&limit, "limit", "n", 50, "show at most the last n messages (0 for all)")
	return c
}

func printHistory(w io.Writer, msgs []models.Message, limit int, loc *time.Location) {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	if len(msgs) == 0 {
		fmt.Fprintln(w, "no messages yet")
		return
	}
	for _, m := range msgs {
		fmt.Fprintln(w, console.FormatMessage(m, loc))
	}
}
