package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizhub/internal/domain"
	"github.com/victornm/quizhub/internal/errors"
	"github.com/victornm/quizhub/internal/store"
)

func TestStore_CreateAndGetSession(t *testing.T) {
	st, _ := makeStore(t)
	ctx := context.Background()

	ss := pendingSession("s1")
	require.NoError(t, st.CreateSession(ctx, ss))
	require.Equal(t, int64(1), ss.Version, "create should stamp the first version")

	got, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, ss, got)

	err = st.CreateSession(ctx, pendingSession("s1"))
	require.True(t, errors.IsCode(err, errors.CodeAlreadyExists), "want AlreadyExists, got %v", err)

	_, err = st.GetSession(ctx, "missing")
	require.True(t, errors.IsCode(err, errors.CodeNotFound), "want NotFound, got %v", err)

	ids, err := st.Sessions(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, ids)
}

func TestStore_CommitTransition(t *testing.T) {
	st, _ := makeStore(t)
	ctx := context.Background()

	ss := pendingSession("s1")
	require.NoError(t, st.CreateSession(ctx, ss))

	ss.Status = domain.StatusActive
	seq, err := st.CommitTransition(ctx, ss, 1, -1, nil, makeEvent("s1", domain.EventTypeSessionStarted))
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)
	require.Equal(t, int64(2), ss.Version)

	got, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, got.Status)
	require.Equal(t, int64(2), got.Version)

	// A writer still holding the old version must observe the conflict.
	stale := pendingSession("s1")
	_, err = st.CommitTransition(ctx, stale, 1, -1, nil, makeEvent("s1", domain.EventTypeSessionStarted))
	require.True(t, errors.IsCode(err, errors.CodeFailedPrecondition), "want FailedPrecondition, got %v", err)

	_, err = st.CommitTransition(ctx, pendingSession("missing"), 1, -1, nil, makeEvent("missing", domain.EventTypeSessionStarted))
	require.True(t, errors.IsCode(err, errors.CodeNotFound), "want NotFound, got %v", err)
}

func TestStore_CommitTransition_Scores(t *testing.T) {
	st, _ := makeStore(t)
	ctx := context.Background()

	ss := pendingSession("s1")
	require.NoError(t, st.CreateSession(ctx, ss))

	commit := func(scores []domain.Score) {
		t.Helper()
		_, err := st.CommitTransition(ctx, ss, ss.Version, -1, scores, makeEvent("s1", domain.EventTypeQuestionClosed))
		require.NoError(t, err)
	}

	commit([]domain.Score{
		{SessionID: "s1", Username: "u1", Score: decimal.NewFromFloat(1.5)},
		{SessionID: "s1", Username: "u2", Score: decimal.NewFromFloat(3)},
	})
	commit([]domain.Score{
		{SessionID: "s1", Username: "u1", Score: decimal.NewFromFloat(2.5)},
	})

	entries, err := st.TotalScores(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, []domain.LeaderboardEntry{
		{Username: "u1", Score: 4},
		{Username: "u2", Score: 3},
	}, entries, "score deltas should accumulate per user")
}

func TestStore_SubmitAnswer(t *testing.T) {
	st, _ := makeStore(t)
	ctx := context.Background()

	ss := pendingSession("s1")
	require.NoError(t, st.CreateSession(ctx, ss))

	answer := domain.Answer{
		Username:      "u1",
		QuestionIndex: 0,
		OptionID:      "a",
		SubmittedAt:   time.Now().UnixMilli(),
	}

	// Not open yet.
	_, err := st.SubmitAnswer(ctx, "s1", answer, makeEvent("s1", domain.EventTypeAnswerAccepted))
	require.True(t, errors.IsCode(err, errors.CodeFailedPrecondition), "want FailedPrecondition, got %v", err)

	ss.Status = domain.StatusQuestionOpen
	_, err = st.CommitTransition(ctx, ss, ss.Version, -1, nil, makeEvent("s1", domain.EventTypeQuestionOpened))
	require.NoError(t, err)

	seq, err := st.SubmitAnswer(ctx, "s1", answer, makeEvent("s1", domain.EventTypeAnswerAccepted))
	require.NoError(t, err)
	require.Equal(t, int64(2), seq, "answer event should follow the open event")

	// Same participant again.
	_, err = st.SubmitAnswer(ctx, "s1", answer, makeEvent("s1", domain.EventTypeAnswerAccepted))
	require.True(t, errors.IsCode(err, errors.CodeAlreadyExists), "want AlreadyExists, got %v", err)

	answers, err := st.ListAnswers(ctx, "s1", 0)
	require.NoError(t, err)
	require.Equal(t, []domain.Answer{answer}, answers)
}

func TestStore_CommitTransition_AnswersGuard(t *testing.T) {
	st, _ := makeStore(t)
	ctx := context.Background()

	ss := pendingSession("s1")
	ss.Status = domain.StatusQuestionOpen
	require.NoError(t, st.CreateSession(ctx, ss))

	_, err := st.SubmitAnswer(ctx, "s1", domain.Answer{Username: "u1", OptionID: "a"}, makeEvent("s1", domain.EventTypeAnswerAccepted))
	require.NoError(t, err)

	// The close was computed over zero answers, but one landed since.
	ss.Status = domain.StatusQuestionClosed
	_, err = st.CommitTransition(ctx, ss, 1, 0, nil, makeEvent("s1", domain.EventTypeQuestionClosed))
	require.ErrorIs(t, err, store.ErrAnswersChanged)

	// Recomputed over the answer actually present.
	_, err = st.CommitTransition(ctx, ss, 1, 1, nil, makeEvent("s1", domain.EventTypeQuestionClosed))
	require.NoError(t, err)
}

func TestStore_Events(t *testing.T) {
	st, _ := makeStore(t)
	ctx := context.Background()

	ss := pendingSession("s1")
	require.NoError(t, st.CreateSession(ctx, ss))

	for i := 0; i < 3; i++ {
		_, err := st.CommitTransition(ctx, ss, ss.Version, -1, nil, makeEvent("s1", domain.EventTypeParticipantJoined))
		require.NoError(t, err)
	}

	seq, err := st.CurrentSequence(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, int64(3), seq)

	events, err := st.Events(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		require.Equal(t, int64(i+1), ev.Sequence, "backlog should be ascending and contiguous")
	}

	events, err = st.Events(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, int64(3), events[0].Sequence)
}

func TestStore_Memberships(t *testing.T) {
	st, _ := makeStore(t)
	ctx := context.Background()

	m := domain.Membership{
		SessionID: "s1",
		Username:  "u1",
		JoinedAt:  time.Now().Truncate(time.Millisecond),
		Process:   "p1",
	}
	require.NoError(t, st.UpsertMembership(ctx, m))

	// Reconnect through another process replaces the record.
	m.Process = "p2"
	require.NoError(t, st.UpsertMembership(ctx, m))

	members, err := st.ListMemberships(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "p2", members[0].Process)

	removed, err := st.DeleteMembership(ctx, "s1", "u1")
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = st.DeleteMembership(ctx, "s1", "u1")
	require.NoError(t, err)
	require.False(t, removed, "second delete should be a no-op")
}

func TestStore_ExpireSession(t *testing.T) {
	st, rc := makeStore(t)
	ctx := context.Background()

	ss := pendingSession("s1")
	require.NoError(t, st.CreateSession(ctx, ss))
	require.NoError(t, st.ExpireSession(ctx, ss, time.Minute))

	ids, err := st.Sessions(ctx)
	require.NoError(t, err)
	require.Empty(t, ids, "expired session should leave the sweep index")

	ttl, err := rc.TTL(ctx, "quizhub:s1:state").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0), "state should be scheduled for removal")
}

func makeStore(t *testing.T) (*store.Store, redis.UniversalClient) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	return store.New(store.Config{
		Redis:  rc,
		Prefix: "quizhub",
	}), rc
}

func pendingSession(id string) *domain.Session {
	return &domain.Session{
		SessionID: id,
		Moderator: "mod",
		Questions: []domain.Question{
			{
				QuestionID: "q1",
				Text:       "2+2?",
				Options: []domain.Option{
					{OptionID: "a", OptionText: "4"},
					{OptionID: "b", OptionText: "5"},
				},
				CorrectOption:   "a",
				Points:          10,
				SecondsToAnswer: 30,
			},
		},
		Status: domain.StatusPending,
	}
}

func makeEvent(sessionID, typ string) *domain.Event {
	return &domain.Event{
		SessionID: sessionID,
		Type:      typ,
		Payload:   []byte(`{}`),
	}
}
