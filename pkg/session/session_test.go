package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/toolmesh/pkg/model"
	"github.com/harun/toolmesh/pkg/model/modeltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("should generate an id when none is given", func(t *testing.T) {
		a := New("", "prompt", nil, modeltest.New())
		b := New("", "prompt", nil, modeltest.New())
		assert.NotEmpty(t, a.ID())
		assert.NotEqual(t, a.ID(), b.ID())
	})

	t.Run("should keep the given fields", func(t *testing.T) {
		backend := modeltest.New()
		sess := New("s1", "You are helpful.", nil, backend)
		assert.Equal(t, "s1", sess.ID())
		assert.Equal(t, "You are helpful.", sess.SystemPrompt())
		assert.Same(t, backend, sess.Model())
		assert.Equal(t, 0, sess.Len())
	})
}

func TestSession_History(t *testing.T) {
	t.Run("should append turns in order", func(t *testing.T) {
		sess := New("s1", "", nil, nil)
		sess.AppendTurn(Turn{Role: model.RoleUser, Content: "hi"})
		sess.AppendTurn(
			Turn{Role: model.RoleAssistant, ToolCall: &model.ToolCall{ID: "c1", Name: "get_alerts"}},
			Turn{Role: model.RoleTool, Content: "none", ToolCallID: "c1", ToolName: "get_alerts"},
		)

		history := sess.History()
		require.Len(t, history, 3)
		assert.Equal(t, model.RoleUser, history[0].Role)
		assert.Equal(t, "c1", history[2].ToolCallID)
	})

	t.Run("should return a copy", func(t *testing.T) {
		sess := New("s1", "", nil, nil)
		sess.AppendTurn(Turn{Role: model.RoleUser, Content: "hi"})

		history := sess.History()
		history[0].Content = "changed"
		assert.Equal(t, "hi", sess.History()[0].Content)
	})

	t.Run("should update last active on append", func(t *testing.T) {
		sess := New("s1", "", nil, nil)
		before := sess.LastActive()
		time.Sleep(time.Millisecond)
		sess.AppendTurn(Turn{Role: model.RoleUser, Content: "hi"})
		assert.True(t, sess.LastActive().After(before))
	})
}

func TestSession_Reset(t *testing.T) {
	t.Run("should clear the history", func(t *testing.T) {
		sess := New("s1", "", nil, nil)
		sess.AppendTurn(Turn{Role: model.RoleUser, Content: "hi"})
		require.NoError(t, sess.Reset())
		assert.Empty(t, sess.History())
	})

	t.Run("should refuse while a run holds the session", func(t *testing.T) {
		sess := New("s1", "", nil, nil)
		sess.AppendTurn(Turn{Role: model.RoleUser, Content: "hi"})
		require.NoError(t, sess.Acquire())

		assert.ErrorIs(t, sess.Reset(), ErrSessionBusy)
		assert.Equal(t, 1, sess.Len())

		sess.Release()
		assert.NoError(t, sess.Reset())
	})
}

func TestSession_Acquire(t *testing.T) {
	t.Run("should allow one holder at a time", func(t *testing.T) {
		sess := New("s1", "", nil, nil)
		require.NoError(t, sess.Acquire())
		assert.True(t, sess.Busy())
		assert.ErrorIs(t, sess.Acquire(), ErrSessionBusy)

		sess.Release()
		assert.False(t, sess.Busy())
		assert.NoError(t, sess.Acquire())
	})

	t.Run("should grant exactly one of many concurrent claims", func(t *testing.T) {
		sess := New("s1", "", nil, nil)
		var granted atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if sess.Acquire() == nil {
					granted.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), granted.Load())
	})
}
