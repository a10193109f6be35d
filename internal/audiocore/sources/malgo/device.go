package malgo

import (
	"encoding/hex"
	"runtime"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/davdef/airlift-node-sub001/internal/errors"
)

// DeviceInfo describes one capture device.
type DeviceInfo struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	ID        string `json:"id"`
	IsDefault bool   `json:"is_default"`
}

// backendFor picks the native backend. An empty name selects by platform.
func backendFor(name string) (malgo.Backend, error) {
	switch strings.ToLower(name) {
	case "alsa":
		return malgo.BackendAlsa, nil
	case "pulseaudio", "pulse":
		return malgo.BackendPulseaudio, nil
	case "wasapi":
		return malgo.BackendWasapi, nil
	case "coreaudio":
		return malgo.BackendCoreaudio, nil
	case "null":
		return malgo.BackendNull, nil
	case "":
	default:
		return malgo.BackendNull, errors.Newf("unknown audio backend %q", name).
			Component(componentMalgo).
			Category(errors.CategoryConfiguration).
			Build()
	}

	switch runtime.GOOS {
	case "linux":
		return malgo.BackendAlsa, nil
	case "windows":
		return malgo.BackendWasapi, nil
	case "darwin":
		return malgo.BackendCoreaudio, nil
	default:
		return malgo.BackendNull, errors.Newf("no audio backend for %s", runtime.GOOS).
			Component(componentMalgo).
			Category(errors.CategoryConfiguration).
			Context("os", runtime.GOOS).
			Build()
	}
}

func initContext(backend string) (*malgo.AllocatedContext, error) {
	b, err := backendFor(backend)
	if err != nil {
		return nil, err
	}
	ctx, err := malgo.InitContext([]malgo.Backend{b}, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, errors.New(err).
			Component(componentMalgo).
			Category(errors.CategoryDeviceUnavailable).
			Context("operation", "init_context").
			Context("os", runtime.GOOS).
			Build()
	}
	return ctx, nil
}

func freeContext(ctx *malgo.AllocatedContext) {
	_ = ctx.Uninit()
	ctx.Free()
}

// EnumerateDevices lists the capture devices of the backend.
func EnumerateDevices(backend string) ([]DeviceInfo, error) {
	ctx, err := initContext(backend)
	if err != nil {
		return nil, err
	}
	defer freeContext(ctx)

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, errors.New(err).
			Component(componentMalgo).
			Category(errors.CategoryDeviceUnavailable).
			Context("operation", "enumerate_devices").
			Build()
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for i := range infos {
		// the null backend's discard device is never a useful input
		if strings.Contains(infos[i].Name(), "Discard all samples") {
			continue
		}
		devices = append(devices, DeviceInfo{
			Index:     i,
			Name:      infos[i].Name(),
			ID:        decodeID(infos[i].ID.String()),
			IsDefault: infos[i].IsDefault == 1,
		})
	}
	return devices, nil
}

// selectDevice finds a device by exact name, decoded id, or name
// substring, in that order. Empty and "default" pick the system default.
func selectDevice(infos []malgo.DeviceInfo, name string) (*malgo.DeviceInfo, error) {
	if name == "" || name == "default" || name == "sysdefault" {
		for i := range infos {
			if infos[i].IsDefault == 1 {
				return &infos[i], nil
			}
		}
		if len(infos) > 0 {
			return &infos[0], nil
		}
	}
	for i := range infos {
		if infos[i].Name() == name {
			return &infos[i], nil
		}
	}
	for i := range infos {
		if decodeID(infos[i].ID.String()) == name {
			return &infos[i], nil
		}
	}
	for i := range infos {
		if strings.Contains(infos[i].Name(), name) {
			return &infos[i], nil
		}
	}
	return nil, errors.Newf("no capture device matches %q", name).
		Component(componentMalgo).
		Category(errors.CategoryDeviceUnavailable).
		Context("available_devices", len(infos)).
		Build()
}

// decodeID turns the hex device id into its readable form where possible.
func decodeID(hexID string) string {
	b, err := hex.DecodeString(hexID)
	if err != nil {
		return hexID
	}
	return strings.TrimRight(string(b), "\x00")
}
