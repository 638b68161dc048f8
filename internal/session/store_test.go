package session

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore(t *testing.T) {
	s := NewStore()

	assert.True(t, strings.HasPrefix(s.ID, "session_"))
	assert.False(t, s.StartTime.IsZero())
	assert.Equal(t, 0, s.Len())
}

func TestStore_AppendAssignsIdentity(t *testing.T) {
	s := NewStore()

	i := s.Append(NewUserMessage("hello"))
	j := s.Append(NewPendingAssistant())

	assert.Equal(t, 0, i)
	assert.Equal(t, 1, j)

	msgs := s.Snapshot()
	require.Len(t, msgs, 2)
	assert.NotEmpty(t, msgs[0].ID)
	assert.NotEqual(t, msgs[0].ID, msgs[1].ID)
	assert.False(t, msgs[0].Timestamp.IsZero())
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, StatusNone, msgs[0].Status)
	assert.Equal(t, StatusPending, msgs[1].Status)
}

func TestStore_AppendDeltaAccumulates(t *testing.T) {
	s := NewStore()
	s.Append(NewUserMessage("hi"))
	s.Append(NewPendingAssistant())

	for _, d := range []string{"Hel", "lo", " world"} {
		require.NoError(t, s.AppendDelta(d))
	}

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, "Hello world", last.Content)
	assert.Equal(t, StatusStreaming, last.Status)

	require.NoError(t, s.Finalize(StatusComplete))
	last, _ = s.Last()
	assert.Equal(t, StatusComplete, last.Status)
	assert.Equal(t, "Hello world", last.Content)
}

func TestStore_UpdateLastRejectsFinalized(t *testing.T) {
	tests := []struct {
		name   string
		status Status
	}{
		{"complete", StatusComplete},
		{"failed", StatusFailed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := NewStore()
			s.Append(NewPendingAssistant())
			require.NoError(t, s.AppendDelta("Partial"))
			require.NoError(t, s.Finalize(tc.status))

			err := s.AppendDelta("more")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidState))

			var stateErr *InvalidStateError
			require.ErrorAs(t, err, &stateErr)
			assert.Equal(t, 0, stateErr.Index)
			assert.Equal(t, tc.status, stateErr.Status)

			last, _ := s.Last()
			assert.Equal(t, "Partial", last.Content)
		})
	}
}

func TestStore_UpdateLastRejectsUserMessage(t *testing.T) {
	s := NewStore()
	s.Append(NewUserMessage("hello"))

	err := s.UpdateLast(func(m *Message) { m.Content = "changed" })
	assert.ErrorIs(t, err, ErrInvalidState)

	last, _ := s.Last()
	assert.Equal(t, "hello", last.Content)
}

func TestStore_UpdateLastEmpty(t *testing.T) {
	s := NewStore()
	err := s.AppendDelta("x")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "empty")
}

func TestStore_UpdateLastKeepsIdentity(t *testing.T) {
	s := NewStore()
	s.Append(NewPendingAssistant())
	before, _ := s.Last()

	require.NoError(t, s.UpdateLast(func(m *Message) {
		m.ID = "other"
		m.Role = RoleUser
		m.Content = "ok"
	}))

	after, _ := s.Last()
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, RoleAssistant, after.Role)
	assert.Equal(t, "ok", after.Content)
}

func TestStore_UpdateLastRejectsRewrite(t *testing.T) {
	s := NewStore()
	s.Append(NewPendingAssistant())
	require.NoError(t, s.AppendDelta("Hello"))

	err := s.UpdateLast(func(m *Message) { m.Content = "rewritten" })
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "appended")

	err = s.UpdateLast(func(m *Message) { m.Content = "Hel" })
	require.ErrorIs(t, err, ErrInvalidState)

	last, _ := s.Last()
	assert.Equal(t, "Hello", last.Content)
	assert.Equal(t, StatusStreaming, last.Status)

	require.NoError(t, s.AppendDelta(" world"))
	last, _ = s.Last()
	assert.Equal(t, "Hello world", last.Content)
}

func TestStore_UpdateLastRejectsStatusRegression(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		ok   bool
	}{
		{"pending stays pending", StatusPending, StatusPending, true},
		{"pending to streaming", StatusPending, StatusStreaming, true},
		{"pending to complete", StatusPending, StatusComplete, true},
		{"pending to failed", StatusPending, StatusFailed, true},
		{"streaming to complete", StatusStreaming, StatusComplete, true},
		{"streaming to failed", StatusStreaming, StatusFailed, true},
		{"streaming back to pending", StatusStreaming, StatusPending, false},
		{"streaming to none", StatusStreaming, StatusNone, false},
		{"pending to none", StatusPending, StatusNone, false},
		{"pending to unknown", StatusPending, Status("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			s.Append(Message{Role: RoleAssistant, Status: tt.from, Content: "Hi"})

			err := s.UpdateLast(func(m *Message) {
				m.Content += "!"
				m.Status = tt.to
			})

			last, _ := s.Last()
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, last.Status)
				assert.Equal(t, "Hi!", last.Content)
				return
			}
			require.ErrorIs(t, err, ErrInvalidState)
			assert.Equal(t, tt.from, last.Status)
			assert.Equal(t, "Hi", last.Content)
		})
	}
}

func TestStore_FinalizeRequiresTerminalStatus(t *testing.T) {
	s := NewStore()
	s.Append(NewPendingAssistant())

	assert.Error(t, s.Finalize(StatusStreaming))
	last, _ := s.Last()
	assert.Equal(t, StatusPending, last.Status)
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	s := NewStore()
	s.Append(NewPendingAssistant())

	snap := s.Snapshot()
	snap[0].Content = "tampered"
	snap[0].Status = StatusComplete

	last, _ := s.Last()
	assert.Equal(t, "", last.Content)
	assert.Equal(t, StatusPending, last.Status)
	require.NoError(t, s.AppendDelta("ok"))
}

func TestStore_ConcurrentReaders(t *testing.T) {
	s := NewStore()
	s.Append(NewPendingAssistant())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = s.Snapshot()
			}
		}()
	}
	for j := 0; j < 100; j++ {
		require.NoError(t, s.AppendDelta("a"))
	}
	wg.Wait()

	last, _ := s.Last()
	assert.Len(t, last.Content, 100)
}
