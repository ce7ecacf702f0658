package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRunNumbers(t *testing.T) {
	tests := []struct {
		name      string
		filename  string
		run       uint64
		subRun    uint64
		wantError error
	}{
		{name: "typical", filename: "/data/neardet_r00011982_s07_t00.h5caf.h5", run: 11982, subRun: 7},
		{name: "leading zeros", filename: "fd_r00000001_s00.h5", run: 1, subRun: 0},
		{name: "first marker wins", filename: "x_r00000042_s01_r00000043_s02.h5", run: 42, subRun: 1},
		{name: "no run", filename: "nd_s07.h5", wantError: ErrNoRunNumber},
		{name: "short run", filename: "nd_r0001234_s07.h5", wantError: ErrNoRunNumber},
		{name: "no subrun", filename: "nd_r00011982.h5", wantError: ErrNoSubRunNumber},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run, subRun, err := ParseRunNumbers(tt.filename)
			if tt.wantError != nil {
				assert.ErrorIs(t, err, tt.wantError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.run, run)
			assert.Equal(t, tt.subRun, subRun)
		})
	}
}

func TestSplitDataSetPath(t *testing.T) {
	parts, err := SplitDataSetPath("nova/nd/2024")
	require.NoError(t, err)
	assert.Equal(t, []string{"nova", "nd", "2024"}, parts)

	parts, err = SplitDataSetPath("/single/")
	require.NoError(t, err)
	assert.Equal(t, []string{"single"}, parts)

	for _, bad := range []string{"", "/", "a//b"} {
		_, err := SplitDataSetPath(bad)
		assert.ErrorIs(t, err, ErrInvalidDataSetPath, bad)
	}
}

func TestDataSetPrefixes(t *testing.T) {
	prefixes, err := DataSetPrefixes("a/b/c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a/b", "a/b/c"}, prefixes)
}

func TestGroupEvents(t *testing.T) {
	type group struct {
		event uint64
		rows  int
	}
	var got []group
	err := GroupEvents([]uint64{4, 4, 4, 5, 7, 7, 4}, func(event uint64, rows int) error {
		got = append(got, group{event, rows})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []group{{4, 3}, {5, 1}, {7, 2}, {4, 1}}, got)

	calls := 0
	require.NoError(t, GroupEvents(nil, func(uint64, int) error { calls++; return nil }))
	assert.Zero(t, calls)
}
