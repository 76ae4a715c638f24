package profile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "gotchat.yaml")
	in := &Profile{Server: "http://chat:9000", Push: "ws://chat:9001", Author: "ana", Room: "dev", Upload: UploadOff}
	require.NoError(t, SaveToFile(in, path))

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	out, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestLoadMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "none.yaml")
	_, err := LoadFromFile(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	p, err := LoadOrEmpty(path)
	require.NoError(t, err)
	assert.Equal(t, &Profile{}, p)
}

func TestLoadGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))
	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestApplyDefaults(t *testing.T) {
	p := &Profile{}
	p.ApplyDefaults()
	assert.Equal(t, DefaultServer, p.Server)
	assert.Equal(t, DefaultPush, p.Push)
	assert.Equal(t, DefaultRoom, p.Room)
	assert.Equal(t, UploadServer, p.Upload)

	p = &Profile{Server: "https://chat.example.com"}
	p.ApplyDefaults()
	assert.Equal(t, "wss://chat.example.com:8081", p.Push)
}

func TestValidate(t *testing.T) {
	p := &Profile{Author: "ana"}
	p.ApplyDefaults()
	require.NoError(t, p.Validate())
	assert.True(t, p.IsComplete())

	bad := *p
	bad.Server = "ftp://x"
	assert.Error(t, bad.Validate())
	bad = *p
	bad.Push = "http://x"
	assert.Error(t, bad.Validate())
	bad = *p
	bad.Upload = "s3"
	assert.Error(t, bad.Validate())

	assert.Equal(t, []string{"author"}, (&Profile{}).MissingFields())
}

func TestDefaultPathEnv(t *testing.T) {
	t.Setenv("GOTCHAT_PROFILE", "/tmp/x.yaml")
	p, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.yaml", p)
}
