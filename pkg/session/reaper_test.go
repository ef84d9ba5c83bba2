package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaper_ReapNow(t *testing.T) {
	mgr, cleanup := setupManager(t)
	defer cleanup()

	idle, err := mgr.CreateWithID(context.Background(), "idle")
	require.NoError(t, err)
	busy, err := mgr.CreateWithID(context.Background(), "busy")
	require.NoError(t, err)
	require.NoError(t, busy.Acquire())
	defer busy.Release()

	reaper := NewReaper(mgr, time.Minute, time.Hour)

	t.Run("should keep sessions inside the idle window", func(t *testing.T) {
		assert.Equal(t, 0, reaper.ReapNow(time.Now()))
		assert.Equal(t, 2, mgr.Len())
	})

	t.Run("should remove idle sessions but not busy ones", func(t *testing.T) {
		removed := reaper.ReapNow(idle.LastActive().Add(2 * time.Minute))
		assert.Equal(t, 1, removed)

		_, err := mgr.Get("idle")
		assert.ErrorIs(t, err, ErrSessionNotFound)
		_, err = mgr.Get("busy")
		assert.NoError(t, err)
	})
}

func TestReaper_StartStop(t *testing.T) {
	mgr, cleanup := setupManager(t)
	defer cleanup()

	_, err := mgr.Create(context.Background())
	require.NoError(t, err)

	reaper := NewReaper(mgr, time.Nanosecond, 5*time.Millisecond)
	require.NoError(t, reaper.Start())
	assert.Error(t, reaper.Start())

	assert.Eventually(t, func() bool { return mgr.Len() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, reaper.Stop())
	assert.Error(t, reaper.Stop())
}

func TestNewReaper_Defaults(t *testing.T) {
	reaper := NewReaper(nil, 0, 0)
	assert.Equal(t, DefaultIdleTimeout, reaper.idleTimeout)
	assert.Equal(t, DefaultReapInterval, reaper.interval)
}

func TestReaper_OnDelete(t *testing.T) {
	t.Run("should notify delete hooks for reaped sessions", func(t *testing.T) {
		mgr, cleanup := setupManager(t)
		defer cleanup()

		var deleted []string
		mgr.OnDelete(func(id string) { deleted = append(deleted, id) })

		sess, err := mgr.CreateWithID(context.Background(), "idle")
		require.NoError(t, err)

		reaper := NewReaper(mgr, time.Minute, time.Hour)
		assert.Equal(t, 1, reaper.ReapNow(sess.LastActive().Add(2*time.Minute)))
		assert.Equal(t, []string{"idle"}, deleted)
	})

	t.Run("should not notify for unknown sessions", func(t *testing.T) {
		mgr, cleanup := setupManager(t)
		defer cleanup()

		called := false
		mgr.OnDelete(func(string) { called = true })

		assert.ErrorIs(t, mgr.Delete(context.Background(), "missing"), ErrSessionNotFound)
		assert.False(t, called)
	})
}
