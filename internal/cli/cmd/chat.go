package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonitor/gotchat/internal/cli/profile"
	"github.com/antonitor/gotchat/internal/cli/prompt"
	"github.com/antonitor/gotchat/internal/console"
	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/backend/remote"
	"github.com/antonitor/gotchat/pkg/session"
)

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [room]",
		Short: "Join a room and chat with live updates",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProfile(cmd)
			if err != nil {
				return err
			}
			if !p.IsComplete() {
				if err := completeProfile(cmd, p); err != nil {
					return err
				}
			}
			setupLogging(cmd, p)
			client, err := newClient(p)
			if err != nil {
				return err
			}
			ansi := false
			if f, ok := cmd.OutOrStdout().(*os.File); ok {
				ansi = prompt.Interactive(f)
			}
			return runChat(cmd.Context(), client, p, roomArg(p, args), cmd.InOrStdin(), cmd.OutOrStdout(), ansi)
		},
	}
}

// completeProfile asks for missing fields on a terminal and offers to
// save them.
func completeProfile(cmd *cobra.Command, p *profile.Profile) error {
	f, ok := cmd.InOrStdin().(*os.File)
	if !ok || !prompt.Interactive(f) {
		return fmt.Errorf("profile is missing %v; run `gotchat profile init` or pass --author", p.MissingFields())
	}
	in := bufio.NewReader(f)
	out := cmd.ErrOrStderr()
	if err := prompt.FillMissing(p, in, out); err != nil {
		return err
	}
	path, err := profilePath(cmd)
	if err != nil {
		return err
	}
	if prompt.Confirm(in, out, "Save to "+path+"?") {
		return profile.SaveToFile(p, path)
	}
	return nil
}

func runChat(ctx context.Context, client *remote.Client, p *profile.Profile, room string, in io.Reader, out io.Writer, ansi bool) error {
	title := room
	rctx, cancel := context.WithTimeout(ctx, remote.DefaultTimeout)
	if rooms, err := client.Rooms(rctx); err == nil {
		for _, r := range rooms {
			if r.ID == room {
				title = r.DisplayTitle()
			}
		}
	}
	cancel()

	con := console.New(out, console.Options{Title: title, ANSI: ansi, Location: time.Local})
	opts := session.Options{
		Room:          room,
		Author:        p.Author,
		Backend:       client,
		OnFeedChanged: con.OnFeedChanged,
		OnFailure:     con.OnFailure,
		OnStreamError: con.OnStreamError,
	}
	if p.Upload == profile.UploadServer {
		opts.Uploader = backend.Uploader(client)
	}
	// printed before the session can call back into the console
	fmt.Fprintf(out, "joined %s as %s, /help for commands\n", title, p.Author)
	sess, err := session.New(opts)
	if err != nil {
		return err
	}
	con.Attach(sess)
	if err := sess.Start(); err != nil {
		_ = sess.Close(context.Background())
		return err
	}

	runErr := con.Run(ctx, in)

	cctx, ccancel := context.WithTimeout(context.Background(), closeTimeout)
	defer ccancel()
	if err := sess.Close(cctx); err != nil && runErr == nil {
		runErr = err
	}
	if n := sess.Echoes().Len(); n > 0 {
		fmt.Fprintf(out, "%d unsent messages were dropped\n", n)
	}
	return runErr
}
