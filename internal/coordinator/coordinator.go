// Package coordinator drives the quiz session state machine. Every transition
// runs as a compare-and-set commit against the session state store, so any
// process instance can service any action and concurrent writers cannot both
// win. The committed, sequenced event is handed to the bridge for fan-out;
// the coordinator never responds to participants directly.
package coordinator

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/victornm/quizhub/internal/bridge"
	"github.com/victornm/quizhub/internal/domain"
	"github.com/victornm/quizhub/internal/errors"
	"github.com/victornm/quizhub/internal/event"
	"github.com/victornm/quizhub/internal/registry"
	"github.com/victornm/quizhub/internal/store"
)

const (
	// casAttempts bounds reload-and-retry on version conflicts before the
	// conflict is surfaced to the caller.
	casAttempts = 4

	defaultTimeLimit   = 30 * time.Second
	defaultIdleExpiry  = 30 * time.Minute
	defaultFinishedTTL = time.Hour
)

// SessionLoader materializes a pending session document from quiz content
// when a moderator first connects.
type SessionLoader interface {
	LoadSession(ctx context.Context, sessionID string) (*domain.Session, error)
}

type Config struct {
	Store    *store.Store
	Bridge   *bridge.Bridge
	EventBus *event.Bus
	Loader   SessionLoader

	// Process identifies this instance in membership records.
	Process string

	DefaultTimeLimit time.Duration
	IdleExpiry       time.Duration
	SweepInterval    time.Duration
	FinishedTTL      time.Duration
}

type Service struct {
	store  *store.Store
	bridge *bridge.Bridge
	eb     *event.Bus
	loader SessionLoader

	process string

	defaultTimeLimit time.Duration
	idleExpiry       time.Duration
	sweepInterval    time.Duration
	finishedTTL      time.Duration
}

func NewService(c Config) *Service {
	if c.DefaultTimeLimit <= 0 {
		c.DefaultTimeLimit = defaultTimeLimit
	}
	if c.IdleExpiry <= 0 {
		c.IdleExpiry = defaultIdleExpiry
	}
	if c.FinishedTTL <= 0 {
		c.FinishedTTL = defaultFinishedTTL
	}

	return &Service{
		store:            c.Store,
		bridge:           c.Bridge,
		eb:               c.EventBus,
		loader:           c.Loader,
		process:          c.Process,
		defaultTimeLimit: c.DefaultTimeLimit,
		idleExpiry:       c.IdleExpiry,
		sweepInterval:    c.SweepInterval,
		finishedTTL:      c.FinishedTTL,
	}
}

// Join admits an identity into a session. A moderator joining a session that
// has no live document yet materializes it from quiz content. Every join
// upserts a membership record (replacing any prior record for the same
// identity); a participant join additionally commits a participantJoined
// event.
func (s *Service) Join(ctx context.Context, sessionID, username string, role registry.Role) (*domain.Session, error) {
	ss, err := s.store.GetSession(ctx, sessionID)
	if errors.IsCode(err, errors.CodeNotFound) && role == registry.RoleModerator && s.loader != nil {
		ss, err = s.materialize(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}

	s.checkDeadline(ctx, sessionID)

	if ss.Status == domain.StatusFinished {
		return nil, sessionClosed(sessionID)
	}

	if role == registry.RoleModerator && username != ss.Moderator {
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("not the session moderator: session=%s username=%s", sessionID, username))
	}

	// The membership record doubles as the liveness mark the idle-expiry
	// sweep checks, so the moderator's connection leaves one too.
	if err := s.store.UpsertMembership(ctx, domain.Membership{
		SessionID: sessionID,
		Username:  username,
		Role:      string(role),
		JoinedAt:  time.Now(),
		Process:   s.process,
	}); err != nil {
		return nil, err
	}

	if role == registry.RoleModerator {
		return ss, nil
	}

	return s.mutate(ctx, sessionID, func(ss *domain.Session) (*domain.Event, error) {
		if ss.Status == domain.StatusFinished {
			return nil, sessionClosed(sessionID)
		}
		return newEvent(sessionID, domain.EventTypeParticipantJoined, domain.ParticipantPayload{
			Username: username,
		})
	})
}

// Leave removes the identity's membership record and, for a participant,
// commits a participantLeft event if a record was actually removed.
// Idempotent: eviction racing a graceful disconnect emits the event exactly
// once. A moderator leaving only drops their liveness mark; no event exists
// for it.
func (s *Service) Leave(ctx context.Context, sessionID, username string, role registry.Role) error {
	removed, err := s.store.DeleteMembership(ctx, sessionID, username)
	if err != nil || !removed {
		return err
	}
	if role == registry.RoleModerator {
		return nil
	}

	_, err = s.mutate(ctx, sessionID, func(ss *domain.Session) (*domain.Event, error) {
		if ss.Status == domain.StatusFinished {
			return nil, nil
		}
		return newEvent(sessionID, domain.EventTypeParticipantLeft, domain.ParticipantPayload{
			Username: username,
		})
	})
	if errors.IsCode(err, errors.CodeNotFound) {
		return nil
	}
	return err
}

// Start moves the session from pending to active.
func (s *Service) Start(ctx context.Context, sessionID, actor string) error {
	s.checkDeadline(ctx, sessionID)

	_, err := s.mutate(ctx, sessionID, func(ss *domain.Session) (*domain.Event, error) {
		if err := s.authorize(ss, actor); err != nil {
			return nil, err
		}
		if ss.Status != domain.StatusPending {
			return nil, stateConflict("start", ss)
		}

		ss.Status = domain.StatusActive
		return newEvent(sessionID, domain.EventTypeSessionStarted, domain.SessionStartedPayload{
			SessionID:     sessionID,
			QuestionCount: len(ss.Questions),
		})
	})
	return err
}

// OpenQuestion opens question index for answers. Valid from active on the
// current index, or from question_closed on the next index, which advances
// the session.
func (s *Service) OpenQuestion(ctx context.Context, sessionID, actor string, index int) error {
	s.checkDeadline(ctx, sessionID)

	_, err := s.mutate(ctx, sessionID, func(ss *domain.Session) (*domain.Event, error) {
		if err := s.authorize(ss, actor); err != nil {
			return nil, err
		}

		switch {
		case ss.Status == domain.StatusActive && index == ss.CurrentIndex:
		case ss.Status == domain.StatusQuestionClosed && index == ss.CurrentIndex+1:
			ss.CurrentIndex = index
		default:
			return nil, stateConflict(fmt.Sprintf("open question %d", index), ss)
		}
		if index < 0 || index >= len(ss.Questions) {
			return nil, errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("question index out of range: session=%s index=%d questions=%d", sessionID, index, len(ss.Questions)))
		}

		q := ss.Questions[index]
		ss.Status = domain.StatusQuestionOpen
		ss.QuestionDeadline = time.Now().Add(s.questionLimit(q)).UnixMilli()

		return newEvent(sessionID, domain.EventTypeQuestionOpened, domain.QuestionOpenedPayload{
			Index:    index,
			Question: q.View(),
			Deadline: ss.QuestionDeadline,
		})
	})
	return err
}

// CloseQuestion moves the open question to question_closed and applies the
// scores for every accepted answer in the same atomic commit as the closing
// event. An empty actor marks the authoritative time-limit path; a moderator
// close and a timer close racing each other leave exactly one winner, the
// loser observing the conflict and no-oping.
func (s *Service) CloseQuestion(ctx context.Context, sessionID, actor string) error {
	var lastErr error

	for attempt := 0; attempt < casAttempts; attempt++ {
		ss, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if ss.Status == domain.StatusFinished {
			return sessionClosed(sessionID)
		}
		if err := s.authorize(ss, actor); err != nil {
			return err
		}
		if ss.Status != domain.StatusQuestionOpen {
			return stateConflict("close question", ss)
		}

		answers, err := s.store.ListAnswers(ctx, sessionID, ss.CurrentIndex)
		if err != nil {
			return err
		}
		q := ss.Questions[ss.CurrentIndex]
		scores := scoreAnswers(sessionID, q, ss.CurrentIndex, s.questionLimit(q), ss.QuestionDeadline, answers)

		expected := ss.Version
		index := ss.CurrentIndex
		ss.Status = domain.StatusQuestionClosed
		ss.QuestionDeadline = 0
		ss.LastActivity = time.Now().UnixMilli()

		ev, err := newEvent(sessionID, domain.EventTypeQuestionClosed, domain.QuestionClosedPayload{
			Index:  index,
			Scores: scoreViews(scores),
		})
		if err != nil {
			return err
		}

		_, err = s.store.CommitTransition(ctx, ss, expected, len(answers), scores, ev)
		if stderrors.Is(err, store.ErrAnswersChanged) || errors.IsCode(err, errors.CodeFailedPrecondition) {
			// An answer landed or another writer moved the session; recompute
			// from fresh state. A concurrent close shows up as question_closed
			// on the next attempt and returns StateConflict above.
			lastErr = err
			continue
		}
		if err != nil {
			return err
		}

		s.publish(ctx, ev)
		s.publishScores(ctx, sessionID, index, scores)
		return nil
	}

	return lastErr
}

// SubmitAnswer accepts a participant's answer for the currently open
// question. Acceptance, the duplicate guard and the answerAccepted event are
// one atomic store operation.
func (s *Service) SubmitAnswer(ctx context.Context, sessionID, username string, index int, optionID string) error {
	s.checkDeadline(ctx, sessionID)

	ev, err := newEvent(sessionID, domain.EventTypeAnswerAccepted, domain.AnswerAcceptedPayload{
		Index:    index,
		Username: username,
	})
	if err != nil {
		return err
	}

	_, err = s.store.SubmitAnswer(ctx, sessionID, domain.Answer{
		Username:      username,
		QuestionIndex: index,
		OptionID:      optionID,
		SubmittedAt:   time.Now().UnixMilli(),
	}, ev)
	if err != nil {
		return err
	}

	s.publish(ctx, ev)
	return nil
}

// Finish terminates the session from any state. An empty actor marks the
// idle-expiry path.
func (s *Service) Finish(ctx context.Context, sessionID, actor, reason string) error {
	ss, err := s.mutate(ctx, sessionID, func(ss *domain.Session) (*domain.Event, error) {
		if ss.Status == domain.StatusFinished {
			return nil, sessionClosed(sessionID)
		}
		if err := s.authorize(ss, actor); err != nil {
			return nil, err
		}

		ss.Status = domain.StatusFinished
		ss.QuestionDeadline = 0
		return newEvent(sessionID, domain.EventTypeSessionFinished, domain.SessionFinishedPayload{
			SessionID: sessionID,
			Reason:    reason,
		})
	})
	if err != nil {
		return err
	}

	if err := s.store.ExpireSession(ctx, ss, s.finishedTTL); err != nil {
		slog.ErrorContext(ctx, "coordinator: expire finished session failed",
			"session", sessionID, "error", err)
	}

	if s.eb != nil {
		s.eb.Publish(ctx, domain.EventSessionFinished{Session: *ss})
	}
	return nil
}

// Session returns the current session document.
func (s *Service) Session(ctx context.Context, sessionID string) (*domain.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

// Backlog returns the retained events after the given sequence, for replay on
// join and reconnect.
func (s *Service) Backlog(ctx context.Context, sessionID string, after int64) ([]domain.Event, error) {
	return s.store.Events(ctx, sessionID, after)
}

// mutate loads the session, applies fn and commits the result with the
// document version observed at load. Version conflicts reload and retry a
// bounded number of times; fn returning a nil event means no commit. The
// committed event is published to the bridge.
func (s *Service) mutate(ctx context.Context, sessionID string, fn func(*domain.Session) (*domain.Event, error)) (*domain.Session, error) {
	var lastErr error

	for attempt := 0; attempt < casAttempts; attempt++ {
		ss, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		expected := ss.Version
		ev, err := fn(ss)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			return ss, nil
		}

		ss.LastActivity = time.Now().UnixMilli()
		if _, err := s.store.CommitTransition(ctx, ss, expected, -1, nil, ev); err != nil {
			if errors.IsCode(err, errors.CodeFailedPrecondition) {
				lastErr = err
				continue
			}
			return nil, err
		}

		s.publish(ctx, ev)
		return ss, nil
	}

	return nil, lastErr
}

// materialize creates the live session document from quiz content. A racing
// creation on another process is fine; the loser re-reads the winner's doc.
func (s *Service) materialize(ctx context.Context, sessionID string) (*domain.Session, error) {
	ss, err := s.loader.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ss.Status = domain.StatusPending
	ss.CurrentIndex = 0
	ss.LastActivity = time.Now().UnixMilli()

	err = s.store.CreateSession(ctx, ss)
	if errors.IsCode(err, errors.CodeAlreadyExists) {
		return s.store.GetSession(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}
	return ss, nil
}

// questionLimit resolves the answer window a question opens with. The same
// window feeds the time-bonus computation at close, so a question relying on
// the default limit scores the same way as one carrying its own.
func (s *Service) questionLimit(q domain.Question) time.Duration {
	if q.SecondsToAnswer > 0 {
		return time.Duration(q.SecondsToAnswer) * time.Second
	}
	return s.defaultTimeLimit
}

// checkDeadline opportunistically closes an expired question so the
// transition never depends on any single participant's presence. Conflicts
// mean someone else already moved the session.
func (s *Service) checkDeadline(ctx context.Context, sessionID string) {
	ss, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	if ss.Status != domain.StatusQuestionOpen || ss.QuestionDeadline == 0 {
		return
	}
	if time.Now().UnixMilli() < ss.QuestionDeadline {
		return
	}

	if err := s.CloseQuestion(ctx, sessionID, ""); err != nil && !errors.IsCode(err, errors.CodeFailedPrecondition) {
		slog.ErrorContext(ctx, "coordinator: deadline close failed",
			"session", sessionID, "error", err)
	}
}

// authorize enforces the moderator-only rule. An empty actor is the
// system (timer sweep, idle-expiry) and is always allowed.
func (s *Service) authorize(ss *domain.Session, actor string) error {
	if actor == "" || actor == ss.Moderator {
		return nil
	}
	return errors.New(errors.CodePermissionDenied,
		errors.WithMessagef("moderator action denied: session=%s actor=%s", ss.SessionID, actor))
}

func (s *Service) publish(ctx context.Context, ev *domain.Event) {
	if err := s.bridge.Publish(ctx, ev); err != nil {
		// The event is already durable in the backlog; subscribers recover
		// through replay.
		slog.ErrorContext(ctx, "coordinator: publish event failed",
			"session", ev.SessionID, "sequence", ev.Sequence, "error", err)
	}
}

func (s *Service) publishScores(ctx context.Context, sessionID string, index int, scores []domain.Score) {
	if s.eb == nil || len(scores) == 0 {
		return
	}

	s.eb.Publish(ctx, domain.EventQuestionScored{
		SessionID:     sessionID,
		QuestionIndex: index,
		Scores:        scores,
	})
	for _, sc := range scores {
		s.eb.Publish(ctx, domain.EventScoreUpdated{Score: sc})
	}
}

func newEvent(sessionID, typ string, payload any) (*domain.Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("coordinator: marshal %s payload: %w", typ, err)
	}

	return &domain.Event{
		SessionID: sessionID,
		Type:      typ,
		Payload:   b,
	}, nil
}

func sessionClosed(sessionID string) error {
	return errors.New(errors.CodeFailedPrecondition,
		errors.WithMessagef("session is finished: session=%s", sessionID))
}

func stateConflict(action string, ss *domain.Session) error {
	return errors.New(errors.CodeFailedPrecondition,
		errors.WithMessagef("cannot %s: session=%s status=%s index=%d", action, ss.SessionID, ss.Status, ss.CurrentIndex))
}
