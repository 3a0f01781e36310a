package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/projectint/paliproxy-core/model"
)

func tunnels() []model.TunnelDescriptor {
	return []model.TunnelDescriptor{
		{Name: "b", Priority: 2},
		{Name: "a", Priority: 1},
		{Name: "c", Priority: 3},
	}
}

func TestNew_RejectsDuplicateNames(t *testing.T) {
	_, err := New([]model.TunnelDescriptor{{Name: "x"}, {Name: "x"}})
	require.ErrorIs(t, err, model.ErrDuplicateName)
}

func TestSnapshotByPriority_SortsAscending(t *testing.T) {
	r, err := New(tunnels())
	require.NoError(t, err)

	snap := r.SnapshotByPriority()
	require.Len(t, snap, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{snap[0].Name, snap[1].Name, snap[2].Name})
}

func TestSetActive_ExactlyOneActive(t *testing.T) {
	r, err := New(tunnels())
	require.NoError(t, err)

	require.NoError(t, r.SetActive("a"))

	cur, ok := r.Current()
	require.True(t, ok)
	require.Equal(t, "a", cur.Name)

	for _, t2 := range r.Snapshot() {
		require.Equal(t, t2.Name == "a", t2.Active)
	}

	require.ErrorIs(t, r.SetActive("missing"), model.ErrUnknownTunnel)
}

func TestClearActive(t *testing.T) {
	r, err := New(tunnels())
	require.NoError(t, err)
	require.NoError(t, r.SetActive("b"))

	r.ClearActive()

	_, ok := r.Current()
	require.False(t, ok)
	for _, t2 := range r.Snapshot() {
		require.False(t, t2.Active)
	}
}
