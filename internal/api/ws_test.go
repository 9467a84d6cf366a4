package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/victornm/quizhub/internal/api"
	"github.com/victornm/quizhub/internal/bridge"
	"github.com/victornm/quizhub/internal/coordinator"
	"github.com/victornm/quizhub/internal/dispatch"
	"github.com/victornm/quizhub/internal/domain"
	"github.com/victornm/quizhub/internal/event"
	"github.com/victornm/quizhub/internal/leaderboard"
	"github.com/victornm/quizhub/internal/registry"
	"github.com/victornm/quizhub/internal/store"
)

func TestWS_SessionFlow(t *testing.T) {
	srv := makeServer(t)

	mod := dialWS(t, srv, "/ws/s1", "mod", "moderator")
	sendFrame(t, mod, "s1", "mod", dispatch.ActionJoin, nil)
	srv.waitSubscribed(t, "s1")

	u1 := dialWS(t, srv, "/ws/s1", "u1", "participant")
	sendFrame(t, u1, "s1", "u1", dispatch.ActionJoin, nil)

	// Both ends observe the participant's admission.
	require.Equal(t, domain.EventTypeParticipantJoined, readEvent(t, mod).Type)
	require.Equal(t, domain.EventTypeParticipantJoined, readEvent(t, u1).Type)

	sendFrame(t, mod, "s1", "mod", dispatch.ActionStart, nil)
	require.Equal(t, domain.EventTypeSessionStarted, readEvent(t, mod).Type)
	require.Equal(t, domain.EventTypeSessionStarted, readEvent(t, u1).Type)

	sendFrame(t, mod, "s1", "mod", dispatch.ActionOpenQuestion, map[string]any{"index": 0})
	opened := readEvent(t, u1)
	require.Equal(t, domain.EventTypeQuestionOpened, opened.Type)
	require.NotContains(t, string(opened.Payload), "correct_option",
		"participants must not see the answer key")
	require.Equal(t, domain.EventTypeQuestionOpened, readEvent(t, mod).Type)

	sendFrame(t, u1, "s1", "u1", dispatch.ActionSubmitAnswer, map[string]any{"index": 0, "option_id": "a"})
	require.Equal(t, domain.EventTypeAnswerAccepted, readEvent(t, mod).Type)
	require.Equal(t, domain.EventTypeAnswerAccepted, readEvent(t, u1).Type)

	sendFrame(t, mod, "s1", "mod", dispatch.ActionCloseQuestion, nil)
	closed := readEvent(t, u1)
	require.Equal(t, domain.EventTypeQuestionClosed, closed.Type)

	var payload domain.QuestionClosedPayload
	require.NoError(t, json.Unmarshal(closed.Payload, &payload))
	require.Len(t, payload.Scores, 1)
	require.Equal(t, "u1", payload.Scores[0].Username)
	require.Equal(t, domain.EventTypeQuestionClosed, readEvent(t, mod).Type)

	sendFrame(t, mod, "s1", "mod", dispatch.ActionFinish, nil)
	require.Equal(t, domain.EventTypeSessionFinished, readEvent(t, mod).Type)
	require.Equal(t, domain.EventTypeSessionFinished, readEvent(t, u1).Type)
}

func TestWS_EventsAreOrderedPerConnection(t *testing.T) {
	srv := makeServer(t)

	mod := dialWS(t, srv, "/ws/s1", "mod", "moderator")
	sendFrame(t, mod, "s1", "mod", dispatch.ActionJoin, nil)
	srv.waitSubscribed(t, "s1")

	for _, u := range []string{"u1", "u2", "u3"} {
		c := dialWS(t, srv, "/ws/s1", u, "participant")
		sendFrame(t, c, "s1", u, dispatch.ActionJoin, nil)
	}

	// The moderator sees every join exactly once, in sequence order, no
	// matter how replay and live fan-out interleaved.
	var last int64
	for i := 0; i < 3; i++ {
		ev := readEvent(t, mod)
		require.Equal(t, domain.EventTypeParticipantJoined, ev.Type)
		require.Greater(t, ev.Sequence, last)
		last = ev.Sequence
	}
}

func TestWS_RejectionsStayPrivate(t *testing.T) {
	srv := makeServer(t)

	mod := dialWS(t, srv, "/ws/s1", "mod", "moderator")
	sendFrame(t, mod, "s1", "mod", dispatch.ActionJoin, nil)
	srv.waitSubscribed(t, "s1")

	u1 := dialWS(t, srv, "/ws/s1", "u1", "participant")
	sendFrame(t, u1, "s1", "u1", dispatch.ActionJoin, nil)
	require.Equal(t, domain.EventTypeParticipantJoined, readEvent(t, u1).Type)

	// A participant cannot drive the session; the rejection reaches only the
	// offender.
	sendFrame(t, u1, "s1", "u1", dispatch.ActionStart, nil)
	rejection := readEvent(t, u1)
	require.Equal(t, dispatch.TypeError, rejection.Type)
	require.Zero(t, rejection.Sequence)

	// The moderator's next frame is still the join, not the rejection.
	require.Equal(t, domain.EventTypeParticipantJoined, readEvent(t, mod).Type)
}

func TestWS_RequiresIdentity(t *testing.T) {
	srv := makeServer(t)

	_, err := dialWSErr(srv, "/ws/s1", "", "participant")
	require.Error(t, err, "handshake without user_id must fail")

	_, err = dialWSErr(srv, "/ws/s1", "u1", "superuser")
	require.Error(t, err, "handshake with an unknown role must fail")
}

// testServer bundles the HTTP server with the infrastructure handles the
// tests need to observe it.
type testServer struct {
	*httptest.Server

	redis redis.UniversalClient
	store *store.Store
}

// waitSubscribed blocks until the session's fan-out subscription is live, so
// a subsequently committed event cannot slip past it.
func (s *testServer) waitSubscribed(t *testing.T, sessionID string) {
	t.Helper()

	channel := s.store.Channel(sessionID)
	require.Eventually(t, func() bool {
		n, err := s.redis.PubSubNumSub(context.Background(), channel).Result()
		return err == nil && n[channel] > 0
	}, 2*time.Second, 5*time.Millisecond, "subscription should become live")
}

func makeServer(t *testing.T) *testServer {
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

	var br *bridge.Bridge
	reg := registry.New(registry.Config{
		OnSubscribe:   func(id string) { br.Subscribe(id) },
		OnUnsubscribe: func(id string) { br.Unsubscribe(id) },
	})
	br = bridge.New(bridge.Config{
		Redis:    rc,
		Store:    st,
		Registry: reg,
	})
	t.Cleanup(br.Stop)

	eb := event.NewBus()
	t.Cleanup(eb.Stop)

	coord := coordinator.NewService(coordinator.Config{
		Store:    st,
		Bridge:   br,
		EventBus: eb,
		Loader:   fakeLoader{},
		Process:  "test",
	})

	gin.SetMode(gin.TestMode)
	e := gin.New()
	api.New(api.Config{
		Router:      e,
		Leaderboard: leaderboard.NewService(leaderboard.Config{Store: st}),
		Coordinator: coord,
		Registry:    reg,
		Dispatcher: dispatch.New(dispatch.Config{
			Registry:    reg,
			Coordinator: coord,
		}),
	})

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, redis: rc, store: st}
}

type fakeLoader struct{}

func (fakeLoader) LoadSession(_ context.Context, sessionID string) (*domain.Session, error) {
	return &domain.Session{
		SessionID: sessionID,
		Moderator: "mod",
		Questions: []domain.Question{{
			QuestionID:      "q1",
			Text:            "2+2?",
			Options:         []domain.Option{{OptionID: "a", OptionText: "4"}, {OptionID: "b", OptionText: "5"}},
			CorrectOption:   "a",
			Points:          10,
			SecondsToAnswer: 30,
		}},
	}, nil
}

func dialWS(t *testing.T, srv *testServer, path, username, role string) *websocket.Conn {
	t.Helper()

	conn, err := dialWSErr(srv, path, username, role)
	require.NoError(t, err, "dial websocket")
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func dialWSErr(srv *testServer, path, username, role string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path

	cfg, err := websocket.NewConfig(wsURL, srv.URL)
	if err != nil {
		return nil, err
	}
	cfg.Header = make(http.Header)
	if username != "" {
		cfg.Header.Set(api.HeaderUserID, username)
	}
	if role != "" {
		cfg.Header.Set(api.HeaderRole, role)
	}
	return websocket.DialConfig(cfg)
}

func sendFrame(t *testing.T, conn *websocket.Conn, sessionID, actorID, action string, payload any) {
	t.Helper()

	frame := dispatch.Frame{
		SessionID: sessionID,
		ActorID:   actorID,
		Action:    action,
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		frame.Payload = b
	}

	require.NoError(t, json.NewEncoder(conn).Encode(frame))
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.Event {
	t.Helper()

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var ev domain.Event
	require.NoError(t, json.NewDecoder(conn).Decode(&ev), "decode event frame")
	return ev
}
