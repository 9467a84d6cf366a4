// Package content owns the durable quiz data in Postgres: accounts, authored
// quizzes and session records. The live session document in the state store is
// materialized from here when the moderator connects, and final scores flow
// back through the event bus.
package content

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/quizhub/internal/domain"
	"github.com/victornm/quizhub/internal/errors"
	"github.com/victornm/quizhub/internal/event"
)

const codeUniqueViolation = "23505"

type Config struct {
	DB       *pgxpool.Pool
	EventBus *event.Bus
}

type Service struct {
	db *pgxpool.Pool
	eb *event.Bus
}

func NewService(c Config) *Service {
	s := &Service{
		db: c.DB,
		eb: c.EventBus,
	}

	s.eb.Subscribe(domain.EventNameQuestionScored, func(ctx context.Context, e event.Event) error {
		return s.saveScores(ctx, e.(domain.EventQuestionScored))
	})
	s.eb.Subscribe(domain.EventNameSessionFinished, func(ctx context.Context, e event.Event) error {
		return s.markFinished(ctx, e.(domain.EventSessionFinished))
	})

	return s
}

type SignupRequest struct {
	Username string
}

// Signup registers a new account.
func (s *Service) Signup(ctx context.Context, req SignupRequest) (*domain.User, error) {
	if req.Username == "" {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("username is required"))
	}

	u := &domain.User{
		Username:   req.Username,
		CreateTime: time.Now(),
	}

	const stmt = `INSERT INTO users (username, create_time) VALUES ($1, $2);`

	_, err := s.db.Exec(ctx, stmt, u.Username, u.CreateTime)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return nil, errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("username taken: %s", req.Username),
			errors.WithCause(err))
	}
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	return u, nil
}

type CreateQuizRequest struct {
	Title     string
	Author    string
	Questions []domain.Question
}

// CreateQuiz stores an authored quiz. Question IDs are assigned here.
func (s *Service) CreateQuiz(ctx context.Context, req CreateQuizRequest) (q *domain.Quiz, err error) {
	if len(req.Questions) == 0 {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("quiz needs at least one question"))
	}
	for i := range req.Questions {
		if err := validateQuestion(&req.Questions[i]); err != nil {
			return nil, err
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate quiz ID: %w", err)
	}

	q = &domain.Quiz{
		QuizID:     id.String(),
		Title:      req.Title,
		Author:     req.Author,
		Questions:  req.Questions,
		CreateTime: time.Now(),
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		insQuizStmt = `INSERT INTO quizzes (quiz_id, title, author, create_time) VALUES ($1, $2, $3, $4);`

		insQuestionStmt = `
INSERT INTO questions (question_id, quiz_id, position, text, options, correct_option, points, seconds_to_answer)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`
	)

	_, err = tx.Exec(ctx, insQuizStmt, q.QuizID, q.Title, q.Author, q.CreateTime)
	if err != nil {
		return nil, fmt.Errorf("insert quiz: %w", err)
	}

	for i := range q.Questions {
		qid, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate question ID: %w", err)
		}
		q.Questions[i].QuestionID = qid.String()

		qq := &q.Questions[i]
		_, err = tx.Exec(ctx, insQuestionStmt,
			qq.QuestionID, q.QuizID, i, qq.Text, qq.Options, qq.CorrectOption, qq.Points, qq.SecondsToAnswer)
		if err != nil {
			return nil, fmt.Errorf("insert question: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}

	return q, nil
}

func validateQuestion(q *domain.Question) error {
	if q.Text == "" {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("question text is required"))
	}
	if len(q.Options) < 2 {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("question needs at least two options"))
	}

	found := false
	for _, o := range q.Options {
		if o.OptionID == q.CorrectOption {
			found = true
			break
		}
	}
	if !found {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("correct option %q is not among the options", q.CorrectOption))
	}

	if q.Points <= 0 {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("question points must be positive"))
	}

	return nil
}

type CreateSessionRequest struct {
	Moderator string
	QuizID    string
}

type SessionRecord struct {
	SessionID  string
	Moderator  string
	QuizID     string
	CreateTime time.Time
}

// CreateSession records a new session over an existing quiz. The live session
// document is materialized into the state store when the moderator connects.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionRecord, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session ID: %w", err)
	}

	rec := &SessionRecord{
		SessionID:  id.String(),
		Moderator:  req.Moderator,
		QuizID:     req.QuizID,
		CreateTime: time.Now(),
	}

	const stmt = `INSERT INTO sessions (session_id, quiz_id, moderator, create_time) VALUES ($1, $2, $3, $4);`

	_, err = s.db.Exec(ctx, stmt, rec.SessionID, rec.QuizID, rec.Moderator, rec.CreateTime)

	var pgErr *pgconn.PgError
	const codeForeignKeyViolation = "23503"
	if stderrors.As(err, &pgErr) && pgErr.Code == codeForeignKeyViolation {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("quiz not found: %s", req.QuizID),
			errors.WithCause(err))
	}
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return rec, nil
}

// LoadSession builds a pending session document from the stored session record
// and its quiz questions.
func (s *Service) LoadSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	const sessionStmt = `SELECT quiz_id, moderator FROM sessions WHERE session_id = $1 AND finish_time IS NULL;`

	var quizID, moderator string
	err := s.db.QueryRow(ctx, sessionStmt, sessionID).Scan(&quizID, &moderator)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("session not found: %s", sessionID))
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}

	const questionStmt = `
SELECT question_id, text, options, correct_option, points, seconds_to_answer
FROM questions
WHERE quiz_id = $1
ORDER BY position;`

	rows, err := s.db.Query(ctx, questionStmt, quizID)
	if err != nil {
		return nil, fmt.Errorf("select questions: %w", err)
	}

	questions, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Question, error) {
		var q domain.Question
		err := r.Scan(&q.QuestionID, &q.Text, &q.Options, &q.CorrectOption, &q.Points, &q.SecondsToAnswer)
		return q, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect questions: %w", err)
	}

	return &domain.Session{
		SessionID: sessionID,
		Moderator: moderator,
		Questions: questions,
		Status:    domain.StatusPending,
	}, nil
}

// saveScores persists the per-question score deltas applied when a question
// closed. The state store already applied them to the live totals; this is the
// durable copy. Replays are absorbed by the uniqueness constraint.
func (s *Service) saveScores(ctx context.Context, e domain.EventQuestionScored) error {
	const stmt = `
INSERT INTO scores (session_id, username, question_index, score, create_time)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (session_id, username, question_index) DO NOTHING;`

	batch := new(pgx.Batch)
	for _, sc := range e.Scores {
		batch.Queue(stmt, sc.SessionID, sc.Username, sc.QuestionIndex, sc.Score, sc.UpdateTime)
	}

	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save scores: session=%s question=%d: %w", e.SessionID, e.QuestionIndex, err)
	}

	return nil
}

func (s *Service) markFinished(ctx context.Context, e domain.EventSessionFinished) error {
	const stmt = `UPDATE sessions SET finish_time = $2 WHERE session_id = $1 AND finish_time IS NULL;`

	if _, err := s.db.Exec(ctx, stmt, e.Session.SessionID, time.Now()); err != nil {
		return fmt.Errorf("mark session finished: session=%s: %w", e.Session.SessionID, err)
	}

	return nil
}

// ListScores returns the persisted totals per user for a session, best first.
func (s *Service) ListScores(ctx context.Context, sessionID string) ([]domain.Score, error) {
	const stmt = `
SELECT username, SUM(score) AS score
FROM scores
WHERE session_id = $1
GROUP BY username
ORDER BY score DESC;`

	rows, err := s.db.Query(ctx, stmt, sessionID)
	if err != nil {
		return nil, err
	}

	scores, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Score, error) {
		var sc domain.Score
		if err := r.Scan(&sc.Username, &sc.Score); err != nil {
			return domain.Score{}, err
		}
		sc.SessionID = sessionID
		return sc, nil
	})
	if err != nil {
		return nil, err
	}

	return scores, nil
}
