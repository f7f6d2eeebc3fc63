package commands

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"geodaily/internal/credentials"
)

func TestTokenize(t *testing.T) {
	got := tokenize(`/geochallenge "famous places" --time 90 it\'s`)
	want := []string{"/geochallenge", "famous places", "--time", "90", "it's"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tokenize mismatch (-want +got):\n%s", diff)
	}
	require.Nil(t, tokenize("   "))
}

func TestParseFlags(t *testing.T) {
	pos, flags, bools := parseFlags(
		[]string{"japan", "--no-move", "urban", "--time", "90", "--x=1", "-v"},
		"no-move",
	)
	require.Equal(t, []string{"japan", "urban"}, pos)
	require.Equal(t, map[string]string{"time": "90", "x": "1"}, flags)
	require.Equal(t, map[string]bool{"no-move": true, "v": true}, bools)
}

func TestParseFlagsAcceptsDashes(t *testing.T) {
	pos, flags, bools := parseFlags([]string{"world", "—time", "60", "–no-zoom"}, "no-zoom")
	require.Equal(t, []string{"world"}, pos)
	require.Equal(t, map[string]string{"time": "60"}, flags)
	require.Equal(t, map[string]bool{"no-zoom": true}, bools)
}

func TestParseTimeLimit(t *testing.T) {
	good := map[string]int{"0": 0, "90": 90, "1:30": 90, "2m": 120, " 45 ": 45}
	for in, want := range good {
		got, err := parseTimeLimit(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "-5", "1:75", "soon"} {
		_, err := parseTimeLimit(in)
		require.ErrorIs(t, err, errBadTimeLimit, in)
	}
}

func TestParseCookies(t *testing.T) {
	require.Equal(t, credentials.Set{credentials.SessionCookie: "abc"}, ParseCookies(" abc "))
	require.Equal(t,
		credentials.Set{"_ncfa": "x", "devicetoken": "y=z"},
		ParseCookies("_ncfa=x; devicetoken=y=z; ; =bad"),
	)
}
