package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(map[int]string{
		1:  "850T-1",
		2:  "850T-2",
		11: "1050T-11",
	}, map[int]string{1: "850T", 11: "1050T"})
	require.NoError(t, err)
	return r
}

func TestNewRegistryValidation(t *testing.T) {
	_, err := NewRegistry(nil, nil)
	require.Error(t, err)

	_, err = NewRegistry(map[int]string{0: "x"}, nil)
	require.Error(t, err)

	_, err = NewRegistry(map[int]string{1: ""}, nil)
	require.Error(t, err)

	_, err = NewRegistry(map[int]string{1: "same", 2: "same"}, nil)
	require.Error(t, err)
}

func TestCodesOrderedByOrdinal(t *testing.T) {
	r := testRegistry(t)
	assert.Equal(t, []string{"850T-1", "850T-2", "1050T-11"}, r.Codes())
	assert.Equal(t, []int{1, 2, 11}, r.Ordinals())
}

func TestOrdinalLookupAndFallback(t *testing.T) {
	r := testRegistry(t)

	ordinal, ok := r.Ordinal("850T-2")
	require.True(t, ok)
	assert.Equal(t, 2, ordinal)

	// Unregistered codes fall back to the trailing integer, so rows for
	// retired machines still resolve.
	ordinal, ok = r.Ordinal("1050T-16")
	require.True(t, ok)
	assert.Equal(t, 16, ordinal)

	_, ok = r.Ordinal("no-digits")
	assert.False(t, ok)
}

func TestMachineName(t *testing.T) {
	r := testRegistry(t)
	assert.Equal(t, "1호기", r.MachineName("850T-1"))
	assert.Equal(t, "16호기", r.MachineName("1050T-16"))
	assert.Equal(t, "???", r.MachineName("???"))
}

func TestTonnage(t *testing.T) {
	r := testRegistry(t)
	assert.Equal(t, "850T", r.Tonnage(1))
	assert.Equal(t, "1050T", r.Tonnage(11))
	// Unconfigured ordinals get the derived default.
	assert.Equal(t, "100T", r.Tonnage(2))
}

func TestSwapReplacesMapping(t *testing.T) {
	r := testRegistry(t)

	require.NoError(t, r.Swap(map[int]string{5: "1050T-5"}, map[int]string{5: "1050T"}))
	assert.Equal(t, []string{"1050T-5"}, r.Codes())
	assert.Equal(t, "1050T", r.Tonnage(5))

	// Invalid replacements leave the current mapping untouched.
	require.Error(t, r.Swap(nil, nil))
	require.Error(t, r.Swap(map[int]string{1: "dup", 2: "dup"}, nil))
	assert.Equal(t, []string{"1050T-5"}, r.Codes())
}

func TestTrailingOrdinal(t *testing.T) {
	cases := []struct {
		code string
		want int
		ok   bool
	}{
		{"1050T-16", 16, true},
		{"850T-1", 1, true},
		{"PRESS7", 7, true},
		{"  850T-3  ", 3, true},
		{"none", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := TrailingOrdinal(tc.code)
		assert.Equal(t, tc.ok, ok, "code %q", tc.code)
		if ok {
			assert.Equal(t, tc.want, got, "code %q", tc.code)
		}
	}
}
