package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizhub/internal/bridge"
	"github.com/victornm/quizhub/internal/domain"
	"github.com/victornm/quizhub/internal/event"
	"github.com/victornm/quizhub/internal/registry"
	"github.com/victornm/quizhub/internal/store"
)

func TestSweepOnce(t *testing.T) {
	type (
		inputs struct {
			session *domain.Session
		}

		outputs struct {
			session *domain.Session
		}
	)

	question := domain.Question{
		QuestionID:      "q1",
		Text:            "2+2?",
		Options:         []domain.Option{{OptionID: "a"}, {OptionID: "b"}},
		CorrectOption:   "a",
		Points:          10,
		SecondsToAnswer: 30,
	}

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"an expired open question should be closed": {
			arrange: func() inputs {
				return inputs{
					session: &domain.Session{
						SessionID:        "s1",
						Moderator:        "mod",
						Questions:        []domain.Question{question},
						Status:           domain.StatusQuestionOpen,
						QuestionDeadline: time.Now().Add(-time.Second).UnixMilli(),
						LastActivity:     time.Now().UnixMilli(),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Equal(t, domain.StatusQuestionClosed, out.session.Status)
			},
		},

		"an open question within its deadline should stay open": {
			arrange: func() inputs {
				return inputs{
					session: &domain.Session{
						SessionID:        "s1",
						Moderator:        "mod",
						Questions:        []domain.Question{question},
						Status:           domain.StatusQuestionOpen,
						QuestionDeadline: time.Now().Add(time.Minute).UnixMilli(),
						LastActivity:     time.Now().UnixMilli(),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Equal(t, domain.StatusQuestionOpen, out.session.Status)
			},
		},

		"an abandoned idle session should be finished": {
			arrange: func() inputs {
				return inputs{
					session: &domain.Session{
						SessionID:    "s1",
						Moderator:    "mod",
						Questions:    []domain.Question{question},
						Status:       domain.StatusActive,
						LastActivity: time.Now().Add(-time.Hour).UnixMilli(),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Equal(t, domain.StatusFinished, out.session.Status)
			},
		},

		"a recently active session should survive": {
			arrange: func() inputs {
				return inputs{
					session: &domain.Session{
						SessionID:    "s1",
						Moderator:    "mod",
						Questions:    []domain.Question{question},
						Status:       domain.StatusActive,
						LastActivity: time.Now().UnixMilli(),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Equal(t, domain.StatusActive, out.session.Status)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			in := tt.arrange()

			s, st := makeSweepService(t)
			require.NoError(t, st.CreateSession(ctx, in.session))

			s.sweepOnce(ctx)

			got, err := st.GetSession(ctx, in.session.SessionID)
			require.NoError(t, err)
			tt.assert(t, outputs{session: got})
		})
	}
}

func TestSweepOnce_IdleSessionWithMembersSurvives(t *testing.T) {
	ctx := context.Background()
	s, st := makeSweepService(t)

	ss := &domain.Session{
		SessionID:    "s1",
		Moderator:    "mod",
		Status:       domain.StatusActive,
		LastActivity: time.Now().Add(-time.Hour).UnixMilli(),
	}
	require.NoError(t, st.CreateSession(ctx, ss))
	require.NoError(t, st.UpsertMembership(ctx, domain.Membership{
		SessionID: "s1",
		Username:  "u1",
		JoinedAt:  time.Now(),
		Process:   "test",
	}))

	s.sweepOnce(ctx)

	got, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, got.Status, "a session with members is not abandoned")
}

func TestSweepOnce_IdleSessionWithLiveModeratorSurvives(t *testing.T) {
	ctx := context.Background()
	s, st := makeSweepService(t)

	// A moderator waiting for participants generates no transitions, so
	// LastActivity goes stale while their connection is still live. The
	// membership mark their join left is what keeps the session alive.
	ss := &domain.Session{
		SessionID:    "s1",
		Moderator:    "mod",
		Status:       domain.StatusPending,
		LastActivity: time.Now().Add(-2 * time.Minute).UnixMilli(),
	}
	require.NoError(t, st.CreateSession(ctx, ss))
	require.NoError(t, st.UpsertMembership(ctx, domain.Membership{
		SessionID: "s1",
		Username:  "mod",
		Role:      string(registry.RoleModerator),
		JoinedAt:  time.Now(),
		Process:   "test",
	}))

	s.sweepOnce(ctx)

	got, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, got.Status, "a session with a live moderator is not abandoned")
}

func makeSweepService(t *testing.T) (*Service, *store.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	st := store.New(store.Config{
		Redis:  rc,
		Prefix: "quizhub",
	})

	reg := registry.New(registry.Config{})
	br := bridge.New(bridge.Config{
		Redis:    rc,
		Store:    st,
		Registry: reg,
	})
	t.Cleanup(br.Stop)

	eb := event.NewBus()
	t.Cleanup(eb.Stop)

	s := NewService(Config{
		Store:      st,
		Bridge:     br,
		EventBus:   eb,
		Process:    "test",
		IdleExpiry: time.Minute,
	})

	return s, st
}
