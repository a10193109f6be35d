package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
	"github.com/davdef/airlift-node-sub001/internal/buildinfo"
	"github.com/davdef/airlift-node-sub001/internal/conf"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx := conf.NewContext(conf.NewViper(), buildinfo.NewContext("1.2.3", "2026-10-01"))
	root := RootCommand(ctx)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestVersionSkipsConfiguration(t *testing.T) {
	t.Parallel()

	// an unreadable config must not matter for version
	out, err := execute(t, "version", "--config", "/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "airlift-node 1.2.3 (built 2026-10-01")
}

func TestConfigCommand(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "icecast:\n  password: hackme\n  mount: /studio\n")

	out, err := execute(t, "config", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "mount: /studio")
	assert.NotContains(t, out, "hackme")

	out, err = execute(t, "config", "-c", path, "--reveal")
	require.NoError(t, err)
	assert.Contains(t, out, "password: hackme")

	out, err = execute(t, "config", "-c", path, "--default")
	require.NoError(t, err)
	assert.Contains(t, out, "# Airlift node configuration")
}

func TestInvalidConfigFails(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "config", "-c", writeConfig(t, "codec:\n  kind: opus\n"))
	var ve conf.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestStreamFlagsReachSettings(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "icecast:\n  host: 127.0.0.1\n  port: 9\n")
	_, err := execute(t, "stream", "-c", path, "--source", "file", "--file", "/nonexistent/input.wav")
	require.ErrorIs(t, err, audiocore.ErrDeviceUnavailable)
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "broadcast")
	require.Error(t, err)
}
