package localstate_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairsync/internal/localstate"
)

func TestChangeTokenRoundTrip(t *testing.T) {
	s, err := localstate.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	token, err := s.ChangeToken("PairGroup_abc")
	require.NoError(t, err)
	assert.Empty(t, token)

	require.NoError(t, s.SetChangeToken("PairGroup_abc", "42"))
	token, err = s.ChangeToken("PairGroup_abc")
	require.NoError(t, err)
	assert.Equal(t, "42", token)

	// Tokens are scoped per zone.
	other, err := s.ChangeToken("PairGroup_other")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, s.ClearChangeToken("PairGroup_abc"))
	token, err = s.ChangeToken("PairGroup_abc")
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestPendingInviteCode(t *testing.T) {
	s, err := localstate.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.PendingInviteCode()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetPendingInviteCode("ABC234"))
	code, ok, err := s.PendingInviteCode()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ABC234", code)

	require.NoError(t, s.ClearPendingInviteCode())
	_, ok, err = s.PendingInviteCode()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubscriptionsFlag(t *testing.T) {
	s, err := localstate.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	configured, err := s.SubscriptionsConfigured("PairGroup_abc")
	require.NoError(t, err)
	assert.False(t, configured)

	require.NoError(t, s.MarkSubscriptionsConfigured("PairGroup_abc"))
	configured, err = s.SubscriptionsConfigured("PairGroup_abc")
	require.NoError(t, err)
	assert.True(t, configured)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := localstate.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetChangeToken("z", "7"))
	require.NoError(t, s.Close())

	s, err = localstate.Open(path)
	require.NoError(t, err)
	defer s.Close()

	token, err := s.ChangeToken("z")
	require.NoError(t, err)
	assert.Equal(t, "7", token)
}
