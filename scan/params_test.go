package scan

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultParamsValidate(t *testing.T) {
	assert.NoError(t, DefaultParams().Validate())
}

func TestParamsAxes(t *testing.T) {
	p := DefaultParams()
	assert.True(t, p.CodeColumns())
	assert.True(t, p.CodeRows())

	p.Axes = AxesColumns
	assert.True(t, p.CodeColumns())
	assert.False(t, p.CodeRows())

	p.Axes = AxesRows
	assert.False(t, p.CodeColumns())
	assert.True(t, p.CodeRows())
}

func TestParamsValidateFailures(t *testing.T) {
	cases := map[string]func(*Params){
		"zero camera width": func(p *Params) { p.CamWidth = 0 },
		"zero proj height":  func(p *Params) { p.ProjHeight = 0 },
		"tiny board":        func(p *Params) { p.BoardCols = 1 },
		"zero square":       func(p *Params) { p.SquareSize = 0 },
		"unknown axes":      func(p *Params) { p.Axes = "diagonal" },
		"empty depth range": func(p *Params) { p.MinDepth = p.MaxDepth },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := DefaultParams()
			mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestLoadParamsMissingFile(t *testing.T) {
	_, err := LoadParams(filepath.Join(t.TempDir(), "config.xml"))
	assert.ErrorIs(t, err, ErrConfigMissing)
}

func TestLoadParamsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.xml")
	require.NoError(t, os.WriteFile(path, []byte("<config><cam_width>"), 0o644))
	_, err := LoadParams(path)
	assert.ErrorIs(t, err, ErrConfigMissing)
}

func TestLoadParamsInvalidValues(t *testing.T) {
	p := DefaultParams()
	p.Axes = "diagonal"
	path := filepath.Join(t.TempDir(), "config.xml")
	require.NoError(t, p.Save(path))
	_, err := LoadParams(path)
	assert.ErrorIs(t, err, ErrConfigMissing)
}

func TestParamsSaveLoadRoundtrip(t *testing.T) {
	p := DefaultParams()
	p.OutDir = "/tmp/scans"
	p.Object = "gnome"
	p.CameraBackend = BackendReplay
	p.ReplayDir = "/tmp/frames"
	p.Axes = AxesColumns
	p.ContrastThreshold = 25
	p.SampsonThreshold = 4.5
	p.SaveFrames = true

	path := filepath.Join(t.TempDir(), "config.xml")
	require.NoError(t, p.Save(path))

	got, err := LoadParams(path)
	require.NoError(t, err)
	got.XMLName = xml.Name{}
	assert.Equal(t, p, got)
}

func TestLoadParamsKeepsDefaultsForAbsentFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.xml")
	partial := `<config><object>bust</object><contrast_threshold>33</contrast_threshold></config>`
	require.NoError(t, os.WriteFile(path, []byte(partial), 0o644))

	got, err := LoadParams(path)
	require.NoError(t, err)
	assert.Equal(t, "bust", got.Object)
	assert.Equal(t, 33.0, got.ContrastThreshold)
	assert.Equal(t, DefaultParams().CamWidth, got.CamWidth)
	assert.Equal(t, DefaultParams().Axes, got.Axes)
}
