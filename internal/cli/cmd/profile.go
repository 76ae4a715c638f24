package cmd

import (
	"bufio"
	"fmt"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/antonitor/gotchat/internal/cli/profile"
	"github.com/antonitor/gotchat/internal/cli/prompt"
)

func newProfileCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "profile",
		Short: "Show or create the client profile",
	}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProfile(cmd)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(p)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Ask for missing values and write the profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProfile(cmd)
			if err != nil {
				return err
			}
			if err := prompt.FillMissing(p, bufio.NewReader(cmd.InOrStdin()), cmd.ErrOrStderr()); err != nil {
				return err
			}
			if err := p.Validate(); err != nil {
				return err
			}
			path, err := profilePath(cmd)
			if err != nil {
				return err
			}
			if err := profile.SaveToFile(p, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "profile written to %s\n", path)
			return nil
		},
	})
	return c
}
