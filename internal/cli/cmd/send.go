package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/antonitor/gotchat/internal/cli/profile"
	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/backend/remote"
	"github.com/antonitor/gotchat/pkg/echo"
	"github.com/antonitor/gotchat/pkg/session"
)

func newSendCmd() *cobra.Command {
	var photo string
	c := &cobra.Command{
		Use:   "send [text...]",
		Short: "Send one message or photo and wait for the server to confirm it",
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if photo == "" && strings.TrimSpace(text) == "" {
				return errors.New("nothing to send: pass text or --photo")
			}
			if photo != "" && text != "" {
				return errors.New("pass either text or --photo, not both")
			}
			p, err := loadProfile(cmd)
			if err != nil {
				return err
			}
			if !p.IsComplete() {
				return fmt.Errorf("profile is missing %v; run `gotchat profile init` or pass --author", p.MissingFields())
			}
			setupLogging(cmd, p)
			client, err := newClient(p)
			if err != nil {
				return err
			}
			rc, err := sendOnce(cmd.Context(), client, p, text, photo)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", rc.ID, p.Room)
			return nil
		},
	}
	c.Flags().StringVar(&photo, "photo", "", "path of a photo to send")
	return c
}

// sendOnce submits through a session without subscribing and waits for the
// receipt. A photo upload and attach finish before it returns.
func sendOnce(ctx context.Context, client *remote.Client, p *profile.Profile, text, photo string) (backend.Receipt, error) {
	opts := session.Options{Room: p.Room, Author: p.Author, Backend: client}
	if photo != "" {
		if p.Upload != profile.UploadServer {
			return backend.Receipt{}, errors.New("photo uploads are off in this profile")
		}
		opts.Uploader = client
	}
	var (
		mu      sync.Mutex
		failure error
	)
	opts.OnFailure = func(_ echo.Token, err error) {
		mu.Lock()
		defer mu.Unlock()
		if failure == nil {
			failure = err
		}
	}
	sess, err := session.New(opts)
	if err != nil {
		return backend.Receipt{}, err
	}

	var fut *session.Future
	if photo != "" {
		abs, aerr := filepath.Abs(photo)
		if aerr != nil {
			_ = sess.Close(ctx)
			return backend.Receipt{}, aerr
		}
		_, fut, err = sess.SendPhoto(abs)
	} else {
		_, fut, err = sess.Send(text)
	}
	if err != nil {
		_ = sess.Close(ctx)
		return backend.Receipt{}, err
	}
	rc, err := fut.Wait(ctx)

	cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if cerr := sess.Close(cctx); err == nil {
		err = cerr
	}
	mu.Lock()
	defer mu.Unlock()
	if err == nil && failure != nil {
		err = failure
	}
	return rc, err
}
