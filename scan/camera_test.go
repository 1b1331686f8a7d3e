package scan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCameraBackendSelection(t *testing.T) {
	p := DefaultParams()

	c, err := NewCamera(p)
	require.NoError(t, err)
	assert.IsType(t, &OpenCVCamera{}, c)

	p.CameraBackend = BackendReplay
	c, err = NewCamera(p)
	require.NoError(t, err)
	assert.IsType(t, &ReplayCamera{}, c)

	p.CameraBackend = BackendKinect
	c, err = NewCamera(p)
	require.NoError(t, err)
	assert.IsType(t, &KinectCamera{}, c)

	p.CameraBackend = BackendCanon
	_, err = NewCamera(p)
	assert.ErrorIs(t, err, ErrCameraInit)

	p.CameraBackend = "pinhole"
	_, err = NewCamera(p)
	assert.ErrorIs(t, err, ErrCameraInit)
}

func TestReplayCameraInit(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"frame_02.png", "frame_00.png", "frame_01.png", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0o755))

	p := DefaultParams()
	p.CameraBackend = BackendReplay
	p.ReplayDir = dir

	c := &ReplayCamera{}
	require.NoError(t, c.Init(p))
	require.Len(t, c.files, 3)
	// frames replay in filename order
	assert.Equal(t, filepath.Join(dir, "frame_00.png"), c.files[0])
	assert.Equal(t, filepath.Join(dir, "frame_02.png"), c.files[2])
}

func TestReplayCameraInitFailures(t *testing.T) {
	p := DefaultParams()
	p.ReplayDir = filepath.Join(t.TempDir(), "missing")
	assert.ErrorIs(t, (&ReplayCamera{}).Init(p), ErrCameraInit)

	p.ReplayDir = t.TempDir() // empty
	assert.ErrorIs(t, (&ReplayCamera{}).Init(p), ErrCameraInit)
}
