// Package console is a line-oriented presenter for one room session.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/antonitor/gotchat/pkg/echo"
	"github.com/antonitor/gotchat/pkg/feed"
	"github.com/antonitor/gotchat/pkg/session"
)

// Session is the part of session.Session the console drives.
type Session interface {
	Send(text string) (echo.Token, *session.Future, error)
	SendPhoto(localRef string) (echo.Token, *session.Future, error)
	Retry(tok echo.Token) (*session.Future, error)
	RetryUpload(tok echo.Token) error
	PhotoErr(tok echo.Token) error
	Dismiss(tok echo.Token) error
	Feed() []feed.Item
}

type Options struct {
	Title string
	// ANSI enables full-screen redraws for reordered or updated rows.
	ANSI     bool
	Location *time.Location
}

// Console prints the feed to out and turns input lines into submissions.
// Rows are printed in order; when a batch arrives that the viewer would not
// have scrolled to, it is held back until an empty input line.
type Console struct {
	out  io.Writer
	opts Options

	mu    sync.Mutex
	sess  Session
	items []feed.Item
	shown int
}

func New(out io.Writer, opts Options) *Console {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Console{out: out, opts: opts}
}

// Attach binds the session; call it before the session starts streaming.
func (c *Console) Attach(s Session) {
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
}

// OnFeedChanged is the session's render callback.
func (c *Console) OnFeedChanged(items []feed.Item, change feed.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = items

	if len(change.Removed) > 0 || change.Moved || c.shown > len(items) {
		c.redrawLocked()
		return
	}
	if len(change.Updated) > 0 && c.opts.ANSI {
		c.redrawLocked()
		return
	}
	if len(change.Inserted) == 0 {
		return
	}
	start, ok := change.AppendedAtEnd(len(items))
	switch {
	case !ok || start < c.shown:
		c.redrawLocked()
	case start > c.shown || !feed.ShouldAutoScroll(start, len(items), c.shown-1):
		// the viewer has not reached the end yet
		c.noticeLocked(len(items) - c.shown)
	default:
		c.flushLocked()
	}
}

func (c *Console) noticeLocked(n int) {
	fmt.Fprintf(c.out, "-- %s below, press enter to show --\n", plural(n, "new message"))
}

func (c *Console) flushLocked() {
	for _, it := range c.items[c.shown:] {
		fmt.Fprintln(c.out, FormatItem(it, c.opts.Location))
	}
	c.shown = len(c.items)
}

func (c *Console) redrawLocked() {
	if c.opts.ANSI {
		fmt.Fprint(c.out, "\033[H\033[2J")
	}
	if c.opts.Title != "" {
		fmt.Fprintln(c.out, header(c.opts.Title))
	}
	c.shown = 0
	c.flushLocked()
}

// OnFailure is the session's failure callback.
func (c *Console) OnFailure(tok echo.Token, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "! %s: %v\n", describeFailure(err), err)
}

// OnStreamError reports a terminal stream error.
func (c *Console) OnStreamError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "! room stream stopped: %v\n", err)
}

// Shown reports how many rows have been printed.
func (c *Console) Shown() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shown
}

// ErrQuit ends Run after /quit.
var ErrQuit = errors.New("quit")

// Run reads commands from in until EOF, /quit or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if err := c.Handle(line); err != nil {
				if errors.Is(err, ErrQuit) {
					return nil
				}
				c.printf("! %v\n", err)
			}
		}
	}
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Handle executes one input line.
func (c *Console) Handle(line string) error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return errors.New("console is not attached to a session")
	}

	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		c.mu.Lock()
		c.flushLocked()
		c.mu.Unlock()
		return nil
	}
	if !strings.HasPrefix(trimmed, "/") {
		_, _, err := s.Send(line)
		return err
	}
	cmd, arg, _ := strings.Cut(trimmed, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return ErrQuit
	case "/photo":
		if arg == "" {
			return errors.New("usage: /photo <path>")
		}
		p, err := filepath.Abs(arg)
		if err != nil {
			return err
		}
		_, _, err = s.SendPhoto(p)
		return err
	case "/retry":
		c.retryAll(s)
		return nil
	case "/dismiss":
		n := 0
		for _, it := range s.Feed() {
			if it.State == feed.Failed && s.Dismiss(it.Token) == nil {
				n++
			}
		}
		c.printf("-- dismissed %s --\n", plural(n, "message"))
		return nil
	case "/help":
		c.printf("commands: /photo <path>, /retry, /dismiss, /quit; an empty line shows held back messages\n")
		return nil
	default:
		return fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

// retryAll resends failed messages and restarts failed photo uploads.
func (c *Console) retryAll(s Session) {
	n := 0
	for _, it := range s.Feed() {
		if it.Token == "" {
			continue
		}
		if it.State == feed.Failed {
			if _, err := s.Retry(it.Token); err == nil {
				n++
			}
			continue
		}
		if it.Message.IsPhoto() && s.PhotoErr(it.Token) != nil {
			if err := s.RetryUpload(it.Token); err == nil {
				n++
			}
		}
	}
	c.printf("-- retrying %s --\n", plural(n, "message"))
}
