package state

import "path/filepath"

type Paths struct {
	DB     string
	Store  string // pebble data
	Photos string // uploaded photo bytes
	State  string
	Logs   string
	Tmp    string
}

func PathsFor(dbPath string) Paths {
	statePath := filepath.Join(dbPath, "state")
	return Paths{
		DB:     dbPath,
		Store:  filepath.Join(dbPath, "store"),
		Photos: filepath.Join(dbPath, "photos"),
		State:  statePath,
		Logs:   filepath.Join(statePath, "logs"),
		Tmp:    filepath.Join(statePath, "tmp"),
	}
}

// Convenience helpers
func StorePath(dbPath string) string  { return PathsFor(dbPath).Store }
func PhotosPath(dbPath string) string { return PathsFor(dbPath).Photos }
