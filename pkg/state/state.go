// Package state owns the on-disk layout of a gotchatd data directory.
package state

import (
	"path/filepath"
	"strings"
	"sync"
)

var (
	PathsVar Paths
	initOnce sync.Once
	initErr  error
)

// Init resolves and creates the layout once; later calls return the first result.
func Init(dbPath string) error {
	initOnce.Do(func() {
		path := strings.TrimSpace(dbPath)
		if path == "" {
			path = "./.gotchat"
		}
		path = filepath.Clean(path)
		PathsVar = PathsFor(path)
		initErr = EnsureStateDirs(path)
	})
	return initErr
}
