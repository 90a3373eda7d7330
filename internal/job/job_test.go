package job

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDataMapCloneIsIndependent(t *testing.T) {
	t.Parallel()
	m := DataMap{"a": 1}
	clone := m.Clone()
	clone.Put("a", 2)
	require.Equal(t, 1, mustInt(t, m))
	require.Equal(t, 2, mustInt(t, clone))
}

func mustInt(t *testing.T, m DataMap) int {
	t.Helper()
	v, ok := m.GetInt("a")
	require.True(t, ok)
	return v
}

func TestDetailCloneDeepCopiesData(t *testing.T) {
	t.Parallel()
	d := NewDetail(NewKey("j1", ""), "noop")
	d.JobData.Put("x", "y")

	clone := d.Clone()
	clone.JobData.Put("x", "z")

	require.Equal(t, "y", mustString(t, d.JobData))
	require.Equal(t, "z", mustString(t, clone.JobData))
}

func mustString(t *testing.T, m DataMap) string {
	t.Helper()
	v, ok := m.GetString("x")
	require.True(t, ok)
	return v
}

func TestKeyStringAndZero(t *testing.T) {
	t.Parallel()
	k := NewKey("foo", "")
	require.Equal(t, "DEFAULT.foo", k.String())
	require.False(t, k.IsZero())
	require.True(t, Key{}.IsZero())
}
