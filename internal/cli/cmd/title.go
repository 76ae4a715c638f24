package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTitleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "title <room> <title>",
		Short: "Set the display title of a room",
		Args:  cobra.ExactArgs(2),
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
			room, err := client.SetTitle(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now titled %q\n", room.ID, room.DisplayTitle())
			return nil
		},
	}
}
