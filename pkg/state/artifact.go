package state

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	artifactOnce sync.Once
	artifactRoot string
)

// ArtifactRoot is GOTCHAT_ARTIFACT_ROOT made absolute, or "" when unset.
func ArtifactRoot() string {
	artifactOnce.Do(func() {
		c := strings.TrimSpace(os.Getenv("GOTCHAT_ARTIFACT_ROOT"))
		if c == "" {
			return
		}
		if abs, err := filepath.Abs(c); err == nil {
			artifactRoot = abs
		} else {
			artifactRoot = c
		}
	})
	return artifactRoot
}

func ArtifactPath(elem ...string) string {
	root := ArtifactRoot()
	if root == "" {
		return ""
	}
	return filepath.Join(append([]string{root}, elem...)...)
}
