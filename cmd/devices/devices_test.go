package devices

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davdef/airlift-node-sub001/internal/audiocore/sources/malgo"
)

// Tests swap the package lister and therefore do not run in parallel.

func stubDevices(t *testing.T, devices []malgo.DeviceInfo, err error) *string {
	t.Helper()
	var gotBackend string
	prev := listDevices
	listDevices = func(backend string) ([]malgo.DeviceInfo, error) {
		gotBackend = backend
		return devices, err
	}
	t.Cleanup(func() { listDevices = prev })
	return &gotBackend
}

func TestRunText(t *testing.T) {
	backend := stubDevices(t, []malgo.DeviceInfo{
		{Index: 0, Name: "Built-in Mic", ID: "00ab", IsDefault: true},
		{Index: 1, Name: "USB Audio", ID: "01cd"},
	}, nil)

	var out bytes.Buffer
	require.NoError(t, run(&out, "alsa", false))
	assert.Equal(t, "alsa", *backend)
	assert.Equal(t, "*  0  Built-in Mic  (00ab)\n   1  USB Audio  (01cd)\n", out.String())
}

func TestRunJSON(t *testing.T) {
	stubDevices(t, nil, nil)

	var out bytes.Buffer
	require.NoError(t, run(&out, "", true))
	var got []malgo.DeviceInfo
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Empty(t, got)
	assert.Contains(t, out.String(), "[]")
}

func TestRunEmptyAndError(t *testing.T) {
	stubDevices(t, nil, nil)
	var out bytes.Buffer
	require.NoError(t, run(&out, "", false))
	assert.Equal(t, "No capture devices found\n", out.String())

	boom := errors.New("no sound system")
	stubDevices(t, nil, boom)
	require.ErrorIs(t, run(&out, "", false), boom)
}
