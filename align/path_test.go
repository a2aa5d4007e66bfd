package align

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDetectorPath_RoundTrip(t *testing.T) {
	paths := []struct {
		path  string
		level int
	}{
		{"/cave_1/lmd_root_0", LevelRoot},
		{"/cave_1/lmd_root_0/half_1", LevelHalf},
		{"/cave_1/lmd_root_0/half_1/plane_2", LevelPlane},
		{"/cave_1/lmd_root_0/half_1/plane_2/module_3", LevelModule},
		{"/cave_1/lmd_root_0/half_0/plane_3/module_4/sensor_8", LevelSensor},
	}
	for _, tt := range paths {
		t.Run(tt.path, func(t *testing.T) {
			p, err := ParseDetectorPath(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.level, p.Level)
			assert.Equal(t, tt.path, p.String())
		})
	}
}

func TestParseDetectorPath_Rejects(t *testing.T) {
	bad := []string{
		"",
		"cave_1/lmd_root_0",
		"/cave_1",
		"/cave_1/lmd_root_0/plane_0",
		"/cave_1/lmd_root_0/half_x",
		"/cave_1/lmd_root_0/half_0/plane_0/module_0/",
		"/cave_1/lmd_root_0/half_0/plane_0/sensor_0",
		"/cave_1/lmd_root_0/half_0/plane_0/module_0/sensor_0/extra_0",
	}
	for _, s := range bad {
		_, err := ParseDetectorPath(s)
		assert.ErrorIs(t, err, ErrInvalidInput, "path %q", s)
	}
}

func TestDetectorPath_Hierarchy(t *testing.T) {
	p := MustParseDetectorPath("/cave_1/lmd_root_0/half_1/plane_2/module_3/sensor_5")

	mod, err := p.ModulePath()
	require.NoError(t, err)
	assert.Equal(t, "/cave_1/lmd_root_0/half_1/plane_2/module_3", mod.String())

	first, err := p.FirstModuleInSector()
	require.NoError(t, err)
	assert.Equal(t, "/cave_1/lmd_root_0/half_1/plane_0/module_3", first.String())

	sector, err := p.Sector(5)
	require.NoError(t, err)
	assert.Equal(t, 8, sector)

	assert.Equal(t, "/cave_1/lmd_root_0", p.RootPath().String())

	s, err := mod.SensorPath(7)
	require.NoError(t, err)
	assert.Equal(t, "/cave_1/lmd_root_0/half_1/plane_2/module_3/sensor_7", s.String())

	half := MustParseDetectorPath("/cave_1/lmd_root_0/half_1")
	_, err = half.ModulePath()
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = half.Sector(5)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDetectorPath_UsableAsMapKey(t *testing.T) {
	a := MustParseDetectorPath("/cave_1/lmd_root_0/half_0/plane_1/module_2/sensor_3")
	b := MustParseDetectorPath("/cave_1/lmd_root_0/half_0/plane_2/module_2")

	fa, err := a.FirstModuleInSector()
	require.NoError(t, err)
	fb, err := b.FirstModuleInSector()
	require.NoError(t, err)

	seen := map[DetectorPath]bool{fa: true}
	assert.True(t, seen[fb], "sector frames of the same module index must compare equal")
}

func TestDecodeOverlapID(t *testing.T) {
	tests := []struct {
		id   string
		want OverlapID
	}{
		{"0000", OverlapID{}},
		{"1327", OverlapID{Half: 1, Plane: 3, Module: 2, Overlap: 7}},
		{"42", OverlapID{Module: 4, Overlap: 2}},
	}
	for _, tt := range tests {
		got, err := DecodeOverlapID(tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	root := MustParseDetectorPath(testRoot)
	ov, _ := DecodeOverlapID("1327")
	assert.Equal(t, "/cave_1/lmd_root_0/half_1/plane_3/module_2", ov.ModulePath(root).String())

	for _, bad := range []string{"", "abc", "-1", "12345"} {
		_, err := DecodeOverlapID(bad)
		assert.ErrorIs(t, err, ErrInvalidInput, "id %q", bad)
	}
}
