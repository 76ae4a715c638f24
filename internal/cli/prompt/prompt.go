// Package prompt asks for profile values on an interactive terminal.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/antonitor/gotchat/internal/cli/profile"
)

// Interactive reports whether f is a terminal.
func Interactive(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// FillMissing prompts for the profile fields that have no value yet.
func FillMissing(p *profile.Profile, in *bufio.Reader, out io.Writer) error {
	if strings.TrimSpace(p.Author) == "" {
		name, err := promptForValue(in, out, "Display name", "")
		if err != nil {
			return fmt.Errorf("failed to get display name: %w", err)
		}
		p.Author = name
	}
	if p.Room == "" {
		room, err := promptForValue(in, out, "Room", profile.DefaultRoom)
		if err != nil {
			return fmt.Errorf("failed to get room: %w", err)
		}
		p.Room = room
	}
	return nil
}

// promptForValue loops until a non-empty answer, or returns def on an
// empty line when def is set.
func promptForValue(in *bufio.Reader, out io.Writer, label, def string) (string, error) {
	for {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", label, def)
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}
		line, err := in.ReadString('\n')
		v := strings.TrimSpace(line)
		if err != nil && (err != io.EOF || v == "") {
			if err == io.EOF && def != "" {
				return def, nil
			}
			return "", err
		}
		if v == "" {
			if def != "" {
				return def, nil
			}
			fmt.Fprintf(out, "%s cannot be empty.\n", label)
			continue
		}
		return v, nil
	}
}

// Confirm asks a yes/no question; anything but y or yes is a no.
func Confirm(in *bufio.Reader, out io.Writer, message string) bool {
	for {
		fmt.Fprintf(out, "%s [y/N]: ", message)
		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			return false
		}
		switch strings.TrimSpace(strings.ToLower(line)) {
		case "y", "yes":
			return true
		case "n", "no", "":
			return false
		default:
			if err != nil {
				return false
			}
			fmt.Fprintln(out, "Please enter 'y' or 'n'.")
		}
	}
}
