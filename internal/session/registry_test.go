package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ActionFlow/internal/action"
	xerrors "ActionFlow/internal/errors"
)

func TestRegistryPutGetDelete(t *testing.T) {
	reg := NewRegistry()
	entry := Entry{ActionID: "a1", SessionID: "s1", ChannelID: "c1", ExpectedActionType: action.TypeSwap}

	require.NoError(t, reg.Put(entry))
	got, ok := reg.Get("a1")
	require.True(t, ok)
	assert.Equal(t, "s1", got.SessionID)
	assert.False(t, got.CreatedAt.IsZero())

	assert.True(t, reg.Delete("a1"))
	assert.False(t, reg.Delete("a1"))
	_, ok = reg.Get("a1")
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Count())
}

func TestRegistryAtMostOneEntryPerAction(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Put(Entry{ActionID: "a1", SessionID: "s1"}))

	err := reg.Put(Entry{ActionID: "a1", SessionID: "s2"})
	require.ErrorIs(t, err, ErrSessionConflict)
	assert.True(t, xerrors.HasCode(err, action.CodeSessionConflict))

	got, _ := reg.Get("a1")
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, 1, reg.Count())

	err = reg.Put(Entry{SessionID: "s3"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestRegistryDeleteIfChecksSession(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Put(Entry{ActionID: "a1", SessionID: "s1"}))

	assert.False(t, reg.DeleteIf("a1", "other"))
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.DeleteIf("a1", "s1"))
	assert.Equal(t, 0, reg.Count())
}

func TestRegistryListAndExpired(t *testing.T) {
	reg := NewRegistry()
	base := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

	require.NoError(t, reg.Put(Entry{ActionID: "late", CreatedAt: base.Add(time.Minute), Deadline: base.Add(10 * time.Minute), ExpectedActionType: action.TypeSwap}))
	require.NoError(t, reg.Put(Entry{ActionID: "early", CreatedAt: base, Deadline: base.Add(time.Minute), ExpectedActionType: action.TypeSellDust}))
	require.NoError(t, reg.Put(Entry{ActionID: "forever", CreatedAt: base.Add(2 * time.Minute), ExpectedActionType: action.TypeSwap}))

	list := reg.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"early", "late", "forever"}, []string{list[0].ActionID, list[1].ActionID, list[2].ActionID})

	expired := reg.Expired(base.Add(5 * time.Minute))
	require.Len(t, expired, 1)
	assert.Equal(t, "early", expired[0].ActionID)
	assert.Equal(t, 3, reg.Count(), "Expired must not delete")

	stats := reg.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByActionType[action.TypeSwap])
	assert.True(t, base.Equal(stats.OldestCreatedAt))
}
