package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PresentCoach/internal/feedback"
	"PresentCoach/internal/protocol"
)

func positiveEvent() *protocol.FeedbackEvent {
	return &protocol.FeedbackEvent{
		EyeContact:   protocol.String("yes"),
		Posture:      protocol.String("good"),
		AudioQuality: protocol.String("good"),
		Emotion:      protocol.String("happy"),
	}
}

func TestInitialState(t *testing.T) {
	store := NewStore()
	snap := store.Snapshot()

	assert.Equal(t, StatusIdle, snap.Status)
	assert.False(t, snap.IsConnected)
	assert.False(t, snap.IsLoading)
	assert.Nil(t, snap.Feedback)
	assert.Empty(t, snap.History)
	assert.Empty(t, snap.Error)
	assert.Empty(t, snap.SessionID)
}

func TestResetRestoresInitialState(t *testing.T) {
	for _, updates := range []int{0, 1, 7, 50} {
		store := NewStore()
		require.NoError(t, store.SetSessionID("session-1"))
		require.NoError(t, store.SetStatus(StatusRecording))
		store.SetConnection(true)
		store.SetLoading(true)
		store.SetNotice("simulated")
		for i := 0; i < updates; i++ {
			require.NoError(t, store.UpdateFeedback(positiveEvent()))
		}
		store.SetError("boom")

		store.ResetSession()
		assert.Equal(t, InitialState(), store.Snapshot(), "reset after %d updates", updates)
	}
}

func TestSetErrorForcesErrorStatus(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.SetStatus(StatusRecording))

	store.SetError("camera denied")
	snap := store.Snapshot()
	assert.Equal(t, StatusError, snap.Status)
	assert.Equal(t, "camera denied", snap.Error)

	// 清除错误不改变状态
	store.SetError("")
	snap = store.Snapshot()
	assert.Equal(t, StatusError, snap.Status)
	assert.Empty(t, snap.Error)
}

func TestSetStatusHasNoSideEffects(t *testing.T) {
	store := NewStore()
	store.SetConnection(true)
	require.NoError(t, store.UpdateFeedback(positiveEvent()))

	require.NoError(t, store.SetStatus(StatusStopped))
	snap := store.Snapshot()
	assert.Equal(t, StatusStopped, snap.Status)
	assert.True(t, snap.IsConnected)
	assert.NotNil(t, snap.Feedback)
	assert.Len(t, snap.History, 1)

	assert.ErrorIs(t, store.SetStatus(Status("paused")), ErrInvalidStatus)
	assert.Equal(t, StatusStopped, store.Snapshot().Status)
}

func TestTerminalStatusUntilReset(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.SetStatus(StatusRecording))
	require.NoError(t, store.SetStatus(StatusStopped))

	assert.ErrorIs(t, store.SetStatus(StatusRecording), ErrTerminalStatus)
	assert.ErrorIs(t, store.SetStatus(StatusIdle), ErrTerminalStatus)
	assert.Equal(t, StatusStopped, store.Snapshot().Status)

	// 终态之间可以切换
	store.SetError("late failure")
	assert.Equal(t, StatusError, store.Snapshot().Status)

	store.ResetSession()
	require.NoError(t, store.SetStatus(StatusRecording))
}

func TestSetSessionIDOncePerAttempt(t *testing.T) {
	store := NewStore()

	assert.ErrorIs(t, store.SetSessionID(""), ErrEmptySessionID)
	require.NoError(t, store.SetSessionID("a"))
	assert.ErrorIs(t, store.SetSessionID("b"), ErrSessionIDSet)
	assert.Equal(t, "a", store.Snapshot().SessionID)

	store.ResetSession()
	require.NoError(t, store.SetSessionID("b"))
	assert.Equal(t, "b", store.Snapshot().SessionID)
}

func TestUpdateFeedbackAppendsHistory(t *testing.T) {
	store := NewStore()

	require.NoError(t, store.UpdateFeedback(&protocol.FeedbackEvent{
		EyeContact: protocol.String("yes"),
		Transcript: protocol.String("hello"),
	}))
	require.NoError(t, store.UpdateFeedback(&protocol.FeedbackEvent{
		Posture: protocol.String("poor"),
	}))
	assert.ErrorIs(t, store.UpdateFeedback(nil), ErrNilFeedback)

	snap := store.Snapshot()
	require.NotNil(t, snap.Feedback)
	assert.Equal(t, "yes", snap.Feedback.EyeContact.Raw)
	assert.Equal(t, feedback.StatusNegative, snap.Feedback.Posture.Status)
	require.NotNil(t, snap.Feedback.Transcript)
	assert.Equal(t, "hello", *snap.Feedback.Transcript)

	require.Len(t, snap.History, 2)
	assert.False(t, snap.History[0].Snapshot.Posture.Observed(), "earlier snapshot must not change")
	assert.Same(t, snap.Feedback, snap.History[1].Snapshot)
	assert.False(t, snap.History[1].Timestamp.Before(snap.History[0].Timestamp))
}

func TestFeedbackNeverReturnsToNil(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.UpdateFeedback(positiveEvent()))

	require.NoError(t, store.SetStatus(StatusStopped))
	store.SetError("late error")
	store.SetConnection(false)

	snap := store.Snapshot()
	assert.NotNil(t, snap.Feedback)
	assert.Len(t, snap.History, 1)
}

func TestSnapshotIsolation(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.UpdateFeedback(positiveEvent()))

	snap := store.Snapshot()
	snap.History = append(snap.History, HistoryEntry{})
	snap.History[0] = HistoryEntry{}

	fresh := store.Snapshot()
	require.Len(t, fresh.History, 1)
	assert.NotNil(t, fresh.History[0].Snapshot)
}

func TestThreePositiveEventsSummary(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.SetStatus(StatusRecording))
	for i := 0; i < 3; i++ {
		require.NoError(t, store.UpdateFeedback(positiveEvent()))
	}
	require.NoError(t, store.SetStatus(StatusStopped))

	summary := store.Summary()
	for _, c := range feedback.Categories() {
		cs, ok := summary.Category(c)
		require.True(t, ok, "missing category %s", c)
		assert.Equal(t, 3, cs.Observations, "category %s", c)
		assert.Equal(t, feedback.RatingPositive, cs.Rating, "category %s", c)
	}
	assert.Equal(t, feedback.RatingPositive, summary.Overall)
	assert.InDelta(t, 1.0, summary.Ratio, 1e-9)
}

func TestSubscribeNotifiesInOrder(t *testing.T) {
	store := NewStore()

	var (
		mu       sync.Mutex
		statuses []Status
	)
	unsubscribe := store.Subscribe(func(s State) {
		mu.Lock()
		statuses = append(statuses, s.Status)
		mu.Unlock()
	})

	require.NoError(t, store.SetStatus(StatusRecording))
	store.SetError("oops")
	store.ResetSession()

	unsubscribe()
	unsubscribe()
	require.NoError(t, store.SetStatus(StatusStopped))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusRecording, StatusError, StatusIdle}, statuses)
}

func TestRejectedUpdateDoesNotNotify(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.SetSessionID("a"))

	calls := 0
	store.Subscribe(func(State) { calls++ })

	assert.Error(t, store.SetSessionID("b"))
	assert.Equal(t, 0, calls)
}

func TestConcurrentUpdates(t *testing.T) {
	store := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = store.UpdateFeedback(positiveEvent())
				store.SetConnection(j%2 == 0)
			}
		}()
	}
	wg.Wait()

	snap := store.Snapshot()
	assert.Len(t, snap.History, 200)
	assert.Equal(t, 200, snap.Feedback.Updates)
	assert.Equal(t, 200, snap.Feedback.Tally.Get(feedback.CategoryPosture).Total)
}
