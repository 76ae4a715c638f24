// Package profile is the gotchat client configuration kept in
// $HOME/.gotchat.yaml.
package profile

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

const (
	DefaultServer = "http://localhost:8080"
	DefaultPush   = "ws://localhost:8081"
	DefaultRoom   = "lobby"

	UploadServer = "server"
	UploadOff    = "off"
)

type Profile struct {
	Server string `yaml:"server" json:"server"`
	Push   string `yaml:"push" json:"push"`
	Author string `yaml:"author" json:"author"`
	Room   string `yaml:"room" json:"room"`
	// Upload is "server" to send photos to gotchatd or "off".
	Upload  string `yaml:"upload" json:"upload"`
	LogFile string `yaml:"log_file,omitempty" json:"log_file,omitempty"`
}

// DefaultPath honours GOTCHAT_PROFILE and falls back to $HOME/.gotchat.yaml.
func DefaultPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv("GOTCHAT_PROFILE")); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, ".gotchat.yaml"), nil
}

// LoadFromFile reads a profile. A missing file yields an error matching
// os.ErrNotExist.
func LoadFromFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	return &p, nil
}

// LoadOrEmpty is LoadFromFile that treats a missing file as an empty profile.
func LoadOrEmpty(path string) (*Profile, error) {
	p, err := LoadFromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Profile{}, nil
	}
	return p, err
}

func SaveToFile(p *Profile, path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create profile directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}

func (p *Profile) ApplyDefaults() {
	if p.Server == "" {
		p.Server = DefaultServer
	}
	if p.Push == "" {
		p.Push = pushFor(p.Server)
	}
	if p.Room == "" {
		p.Room = DefaultRoom
	}
	if p.Upload == "" {
		p.Upload = UploadServer
	}
}

// pushFor guesses the push gateway next to server: same host, next port.
func pushFor(server string) string {
	u, err := url.Parse(server)
	if err != nil || u.Host == "" {
		return DefaultPush
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	host, port := u.Hostname(), u.Port()
	if port == "8080" || port == "" {
		return scheme + "://" + host + ":8081"
	}
	return scheme + "://" + host + ":" + port
}

func (p *Profile) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(p.Author) == "" {
		missing = append(missing, "author")
	}
	return missing
}

func (p *Profile) IsComplete() bool {
	return len(p.MissingFields()) == 0
}

func (p *Profile) Validate() error {
	if u, err := url.Parse(p.Server); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server must be an http(s) url, got %q", p.Server)
	}
	if u, err := url.Parse(p.Push); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("push must be a ws(s) url, got %q", p.Push)
	}
	switch p.Upload {
	case UploadServer, UploadOff:
	default:
		return fmt.Errorf("upload must be %q or %q, got %q", UploadServer, UploadOff, p.Upload)
	}
	return nil
}
