// Package cmd holds the gotchat client commands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonitor/gotchat/internal/cli/profile"
	"github.com/antonitor/gotchat/pkg/backend/remote"
	"github.com/antonitor/gotchat/pkg/logger"
	"github.com/antonitor/gotchat/pkg/state/shutdown"
)

var (
	version = "dev"
	commit  = "unknown"
)

// NewRootCmd builds the command tree with fresh flag state.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gotchat",
		Short: "gotchat terminal client",
		Long: `gotchat talks to a gotchatd server: chat in a room with live updates,
send one-off messages and photos, read history and manage room titles.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.BoolP("verbose", "v", false, "enable debug logging")
	pf.StringP("config", "c", "", "profile path (default is $HOME/.gotchat.yaml)")
	pf.String("server", "", "gotchatd api url")
	pf.String("push", "", "gotchatd push gateway url")
	pf.StringP("author", "a", "", "display name")
	pf.StringP("room", "r", "", "room id")

	root.AddCommand(newChatCmd(), newSendCmd(), newHistoryCmd(), newRoomsCmd(), newTitleCmd(), newProfileCmd())
	return root
}

// Execute adds all child commands to the root command and runs it until a
// signal arrives.
func Execute() {
	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()
	err := NewRootCmd().ExecuteContext(ctx)
	logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func profilePath(cmd *cobra.Command) (string, error) {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p, nil
	}
	return profile.DefaultPath()
}

// loadProfile reads the profile file and overlays the global flags.
func loadProfile(cmd *cobra.Command) (*profile.Profile, error) {
	path, err := profilePath(cmd)
	if err != nil {
		return nil, err
	}
	p, err := profile.LoadOrEmpty(path)
	if err != nil {
		return nil, err
	}
	overlay := map[string]*string{"server": &p.Server, "push": &p.Push, "author": &p.Author, "room": &p.Room}
	for name, dst := range overlay {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	p.ApplyDefaults()
	return p, nil
}

// setupLogging keeps log lines off the terminal unless verbose is set.
func setupLogging(cmd *cobra.Command, p *profile.Profile) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	level := "warn"
	if verbose {
		level = "debug"
	}
	sink := "discard"
	switch {
	case p.LogFile != "":
		sink = "file:" + p.LogFile
	case verbose:
		sink = "stderr"
	}
	logger.InitWithSink(level, sink)
}

func newClient(p *profile.Profile) (*remote.Client, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return remote.New(remote.Options{BaseURL: p.Server, PushURL: p.Push, Author: p.Author})
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), remote.DefaultTimeout)
}

// roomArg picks the first positional argument over the profile room.
func roomArg(p *profile.Profile, args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return p.Room
}

const closeTimeout = 30 * time.Second
