// Package store implements the session state store on Redis. It is the only
// authority for session status, membership and event sequencing, so any
// process instance can service any request for a session. Cross-process
// safety comes from compare-and-set Lua scripts keyed on the session
// document's version, and every committed transition appends its event in
// the same atomic step.
package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/quizhub/internal/domain"
	"github.com/victornm/quizhub/internal/errors"
)

const (
	defaultBacklog      = 1000
	defaultMaxRetries   = 3
	defaultRetryBackoff = 50 * time.Millisecond
)

// ErrAnswersChanged reports that an answer was accepted between reading the
// answer set and committing the close; the caller recomputes scores and
// retries.
var ErrAnswersChanged = stderrors.New("store: answers changed during close")

type Config struct {
	Redis  redis.UniversalClient
	Prefix string

	// Backlog bounds the number of events retained per session for replay.
	Backlog int

	// MaxRetries and RetryBackoff control the bounded retry on transient
	// store failures before they surface as Unavailable.
	MaxRetries   int
	RetryBackoff time.Duration
}

type Store struct {
	redis   redis.UniversalClient
	prefix  string
	backlog int

	maxRetries   int
	retryBackoff time.Duration
}

func New(c Config) *Store {
	if c.Backlog <= 0 {
		c.Backlog = defaultBacklog
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}

	return &Store{
		redis:        c.Redis,
		prefix:       c.Prefix,
		backlog:      c.Backlog,
		maxRetries:   c.MaxRetries,
		retryBackoff: c.RetryBackoff,
	}
}

func (s *Store) key(session, suffix string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, session, suffix)
}

func (s *Store) stateKey(session string) string   { return s.key(session, "state") }
func (s *Store) seqKey(session string) string     { return s.key(session, "seq") }
func (s *Store) eventsKey(session string) string  { return s.key(session, "events") }
func (s *Store) membersKey(session string) string { return s.key(session, "members") }
func (s *Store) scoresKey(session string) string  { return s.key(session, "scores") }

func (s *Store) sessionsKey() string {
	return fmt.Sprintf("%s:sessions", s.prefix)
}

func (s *Store) answersKey(session string, index int) string {
	return s.key(session, fmt.Sprintf("answers:%d", index))
}

// Channel is the pub/sub channel name for a session's event stream.
func (s *Store) Channel(session string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, session)
}

// CreateSession writes a fresh session document and indexes it for sweeps.
// Fails with AlreadyExists if a live document is already present.
func (s *Store) CreateSession(ctx context.Context, ss *domain.Session) error {
	ss.Version = 1

	b, err := json.Marshal(ss)
	if err != nil {
		return fmt.Errorf("store: marshal session: %w", err)
	}

	return s.retry(ctx, func() error {
		ok, err := s.redis.SetNX(ctx, s.stateKey(ss.SessionID), b, 0).Result()
		if err != nil {
			return err
		}
		if !ok {
			return errors.New(errors.CodeAlreadyExists,
				errors.WithMessagef("session already exists: session=%s", ss.SessionID))
		}
		return s.redis.SAdd(ctx, s.sessionsKey(), ss.SessionID).Err()
	})
}

// GetSession reads the current session document.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var ss domain.Session

	err := s.retry(ctx, func() error {
		b, err := s.redis.Get(ctx, s.stateKey(sessionID)).Bytes()
		if stderrors.Is(err, redis.Nil) {
			return errors.New(errors.CodeNotFound,
				errors.WithMessagef("session not found: session=%s", sessionID))
		}
		if err != nil {
			return err
		}
		return json.Unmarshal(b, &ss)
	})
	if err != nil {
		return nil, err
	}

	return &ss, nil
}

// Sessions lists every live session id, across all processes.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	var ids []string

	err := s.retry(ctx, func() error {
		var err error
		ids, err = s.redis.SMembers(ctx, s.sessionsKey()).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}

// CommitTransition atomically swaps the session document (guarded by
// expectedVersion), applies score deltas, assigns the next sequence number
// and appends the event. A version mismatch surfaces as FailedPrecondition
// so racing writers observe the conflict and no-op; the transition and its
// event are either both durable or neither is.
//
// When answersSeen >= 0 the commit additionally requires the current
// question's answer set to still hold exactly that many answers, and fails
// with ErrAnswersChanged otherwise. The close path uses this to keep scores
// consistent with the answers they were computed from.
func (s *Store) CommitTransition(ctx context.Context, ss *domain.Session, expectedVersion int64, answersSeen int, scores []domain.Score, ev *domain.Event) (int64, error) {
	ss.Version = expectedVersion + 1

	doc, err := json.Marshal(ss)
	if err != nil {
		return 0, fmt.Errorf("store: marshal session: %w", err)
	}
	evb, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("store: marshal event: %w", err)
	}

	argv := make([]any, 0, 5+2*len(scores))
	argv = append(argv, expectedVersion, doc, answersSeen, evb, s.backlog)
	for _, sc := range scores {
		argv = append(argv, sc.Username, sc.Score.String())
	}

	var seq int64
	err = s.retry(ctx, func() error {
		res, err := transitionScript.Run(ctx, s.redis,
			[]string{
				s.stateKey(ss.SessionID),
				s.answersKey(ss.SessionID, ss.CurrentIndex),
				s.scoresKey(ss.SessionID),
				s.seqKey(ss.SessionID),
				s.eventsKey(ss.SessionID),
			},
			argv...,
		).Int64()
		if err != nil {
			return err
		}

		switch res {
		case resNotFound:
			return errors.New(errors.CodeNotFound,
				errors.WithMessagef("session not found: session=%s", ss.SessionID))
		case resVersionMoved:
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("session changed concurrently: session=%s expected_version=%d", ss.SessionID, expectedVersion))
		case resAnswersChanged:
			return ErrAnswersChanged
		}

		seq = res
		return nil
	})
	if err != nil {
		return 0, err
	}

	ev.Sequence = seq
	return seq, nil
}

// SubmitAnswer records the participant's answer and appends the acceptance
// event in one atomic step. The status check and the write are inseparable,
// so an answer can never slip in after the question closed, and at most one
// answer per (session, question, participant) is ever accepted.
func (s *Store) SubmitAnswer(ctx context.Context, sessionID string, a domain.Answer, ev *domain.Event) (int64, error) {
	ab, err := json.Marshal(a)
	if err != nil {
		return 0, fmt.Errorf("store: marshal answer: %w", err)
	}
	evb, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("store: marshal event: %w", err)
	}

	var seq int64
	err = s.retry(ctx, func() error {
		res, err := submitAnswerScript.Run(ctx, s.redis,
			[]string{
				s.stateKey(sessionID),
				s.answersKey(sessionID, a.QuestionIndex),
				s.seqKey(sessionID),
				s.eventsKey(sessionID),
			},
			a.QuestionIndex, a.Username, ab, evb, s.backlog,
		).Int64()
		if err != nil {
			return err
		}

		switch res {
		case resNotFound:
			return errors.New(errors.CodeNotFound,
				errors.WithMessagef("session not found: session=%s", sessionID))
		case resWrongState:
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("question is not open: session=%s question=%d", sessionID, a.QuestionIndex))
		case resDuplicate:
			return errors.New(errors.CodeAlreadyExists,
				errors.WithMessagef("answer already submitted: session=%s question=%d username=%s", sessionID, a.QuestionIndex, a.Username))
		}

		seq = res
		return nil
	})
	if err != nil {
		return 0, err
	}

	ev.Sequence = seq
	return seq, nil
}

func (s *Store) ListAnswers(ctx context.Context, sessionID string, questionIndex int) ([]domain.Answer, error) {
	var raw map[string]string

	err := s.retry(ctx, func() error {
		var err error
		raw, err = s.redis.HGetAll(ctx, s.answersKey(sessionID, questionIndex)).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	answers := make([]domain.Answer, 0, len(raw))
	for _, r := range raw {
		var a domain.Answer
		if err := json.Unmarshal([]byte(r), &a); err != nil {
			return nil, fmt.Errorf("store: unmarshal answer: %w", err)
		}
		answers = append(answers, a)
	}

	return answers, nil
}

// CurrentSequence returns the last sequence number committed for the session,
// zero when no event exists yet.
func (s *Store) CurrentSequence(ctx context.Context, sessionID string) (int64, error) {
	var seq int64

	err := s.retry(ctx, func() error {
		v, err := s.redis.Get(ctx, s.seqKey(sessionID)).Int64()
		if stderrors.Is(err, redis.Nil) {
			seq = 0
			return nil
		}
		if err != nil {
			return err
		}
		seq = v
		return nil
	})
	if err != nil {
		return 0, err
	}

	return seq, nil
}

// Events returns the retained events with a sequence number greater than
// after, in ascending order. The backlog is bounded, so older events may be
// gone.
func (s *Store) Events(ctx context.Context, sessionID string, after int64) ([]domain.Event, error) {
	var raw []string

	err := s.retry(ctx, func() error {
		var err error
		raw, err = s.redis.LRange(ctx, s.eventsKey(sessionID), 0, -1).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	events := make([]domain.Event, 0, len(raw))
	for _, r := range raw {
		var ev domain.Event
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			return nil, fmt.Errorf("store: unmarshal event: %w", err)
		}
		if ev.Sequence > after {
			events = append(events, ev)
		}
	}

	return events, nil
}

// UpsertMembership writes the participant's membership record, replacing any
// prior record for the same username.
func (s *Store) UpsertMembership(ctx context.Context, m domain.Membership) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: marshal membership: %w", err)
	}

	return s.retry(ctx, func() error {
		return s.redis.HSet(ctx, s.membersKey(m.SessionID), m.Username, b).Err()
	})
}

// DeleteMembership removes the participant's membership record. The returned
// bool reports whether a record existed, so callers emit "participant left"
// exactly once even when eviction races a graceful disconnect.
func (s *Store) DeleteMembership(ctx context.Context, sessionID, username string) (bool, error) {
	var removed bool

	err := s.retry(ctx, func() error {
		n, err := s.redis.HDel(ctx, s.membersKey(sessionID), username).Result()
		if err != nil {
			return err
		}
		removed = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}

	return removed, nil
}

func (s *Store) ListMemberships(ctx context.Context, sessionID string) ([]domain.Membership, error) {
	var raw map[string]string

	err := s.retry(ctx, func() error {
		var err error
		raw, err = s.redis.HGetAll(ctx, s.membersKey(sessionID)).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	members := make([]domain.Membership, 0, len(raw))
	for _, r := range raw {
		var m domain.Membership
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("store: unmarshal membership: %w", err)
		}
		members = append(members, m)
	}

	return members, nil
}

// TotalScores returns the session's score set in descending order.
func (s *Store) TotalScores(ctx context.Context, sessionID string) ([]domain.LeaderboardEntry, error) {
	var zs []redis.Z

	err := s.retry(ctx, func() error {
		var err error
		zs, err = s.redis.ZRevRangeWithScores(ctx, s.scoresKey(sessionID), 0, -1).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	entries := make([]domain.LeaderboardEntry, 0, len(zs))
	for _, z := range zs {
		entries = append(entries, domain.LeaderboardEntry{
			Username: z.Member.(string),
			Score:    z.Score,
		})
	}

	return entries, nil
}

// ExpireSession drops a finished session from the sweep index and schedules
// its keys for removal. Archival of results lives in the relational store,
// not here.
func (s *Store) ExpireSession(ctx context.Context, ss *domain.Session, ttl time.Duration) error {
	keys := []string{
		s.stateKey(ss.SessionID),
		s.seqKey(ss.SessionID),
		s.eventsKey(ss.SessionID),
		s.membersKey(ss.SessionID),
		s.scoresKey(ss.SessionID),
	}
	for i := range ss.Questions {
		keys = append(keys, s.answersKey(ss.SessionID, i))
	}

	return s.retry(ctx, func() error {
		p := s.redis.Pipeline()
		p.SRem(ctx, s.sessionsKey(), ss.SessionID)
		for _, k := range keys {
			p.Expire(ctx, k, ttl)
		}
		_, err := p.Exec(ctx)
		return err
	})
}

// retry runs op, retrying transient redis failures a bounded number of times
// with backoff. Domain errors pass through untouched; exhausted retries
// surface as Unavailable so a failed write is never silently half-applied.
func (s *Store) retry(ctx context.Context, op func() error) error {
	var err error
	backoff := s.retryBackoff

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err = op()
		if err == nil {
			return nil
		}

		var de *errors.Error
		if stderrors.As(err, &de) || stderrors.Is(err, ErrAnswersChanged) {
			return err
		}

		select {
		case <-ctx.Done():
			return errors.New(errors.CodeUnavailable, errors.WithCause(ctx.Err()))
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return errors.New(errors.CodeUnavailable,
		errors.WithMessagef("state store unavailable"),
		errors.WithCause(err))
}
