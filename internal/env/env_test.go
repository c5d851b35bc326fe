package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeOrderAndExpansion(t *testing.T) {
	e := New().
		WithList([]string{"STREAM_HOME=/srv/onair", "LOG=${STREAM_HOME}/log", "bogus", "=x"}).
		WithSet("ROLE", "global")

	out := e.Merge([]string{"ROLE=fallback", "CLIP=${STREAM_HOME}/clip.ts"})
	assert.Equal(t, []string{
		"CLIP=/srv/onair/clip.ts",
		"LOG=/srv/onair/log",
		"ROLE=fallback",
		"STREAM_HOME=/srv/onair",
	}, out)
}

func TestWithSetDoesNotMutateReceiver(t *testing.T) {
	base := New().WithSet("A", "1")
	_ = base.WithSet("A", "2")
	assert.Equal(t, []string{"A=1"}, base.Merge(nil))
}

func TestFromOSIncludesProcessEnv(t *testing.T) {
	t.Setenv("ONAIR_ENV_TEST", "present")
	out := FromOS().Merge(nil)
	require.Contains(t, out, "ONAIR_ENV_TEST=present")
}

func TestUnknownReferenceKept(t *testing.T) {
	out := New().WithSet("A", "${MISSING}-x").Merge(nil)
	assert.Equal(t, []string{"A=${MISSING}-x"}, out)
}
