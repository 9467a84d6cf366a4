package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a registered account. Sessions reference users by username.
type User struct {
	Username   string    `json:"username"`
	CreateTime time.Time `json:"create_time"`
}

// Quiz is authored quiz content. A session is created from a quiz; the
// questions are copied into the session document when it materializes.
type Quiz struct {
	QuizID     string     `json:"quiz_id"`
	Title      string     `json:"title"`
	Author     string     `json:"author"`
	Questions  []Question `json:"questions"`
	CreateTime time.Time  `json:"create_time"`
}

// Status is the lifecycle state of a quiz session.
type Status string

const (
	StatusPending        Status = "pending"
	StatusActive         Status = "active"
	StatusQuestionOpen   Status = "question_open"
	StatusQuestionClosed Status = "question_closed"
	StatusFinished       Status = "finished"
)

// Session is the session document held by the session state store. It is the
// single source of truth for a running quiz; process memory never owns it.
// Version increases on every committed write and guards compare-and-set
// transitions across processes.
type Session struct {
	SessionID    string     `json:"session_id"`
	Moderator    string     `json:"moderator"`
	Questions    []Question `json:"questions"`
	CurrentIndex int        `json:"current_index"`
	Status       Status     `json:"status"`

	// QuestionDeadline is the unix-millisecond instant the open question times
	// out, zero unless Status is question_open.
	QuestionDeadline int64 `json:"question_deadline,omitempty"`

	// LastActivity is the unix-millisecond instant of the last accepted action,
	// used for idle-expiry.
	LastActivity int64 `json:"last_activity"`

	Version int64 `json:"version"`
}

type Question struct {
	QuestionID      string   `json:"question_id"`
	Text            string   `json:"text"`
	Options         []Option `json:"options"`
	CorrectOption   string   `json:"correct_option"`
	Points          int64    `json:"points"`
	SecondsToAnswer int      `json:"seconds_to_answer"`
}

type Option struct {
	OptionID   string `json:"option_id"`
	OptionText string `json:"option_text"`
}

// Membership records that an identity currently holds a live connection to a
// session somewhere, independent of which process holds it. The idle-expiry
// sweep treats any membership, moderator's included, as proof of life.
type Membership struct {
	SessionID string    `json:"session_id"`
	Username  string    `json:"username"`
	Role      string    `json:"role,omitempty"`
	JoinedAt  time.Time `json:"joined_at"`
	Process   string    `json:"process"`
}

// Answer is one accepted submission. At most one exists per
// (session, question index, participant); later submissions are rejected.
type Answer struct {
	Username      string `json:"username"`
	QuestionIndex int    `json:"question_index"`
	OptionID      string `json:"option_id"`
	SubmittedAt   int64  `json:"submitted_at"`
}

// Score is a participant's score delta for one closed question.
type Score struct {
	SessionID     string
	Username      string
	QuestionIndex int
	Score         decimal.Decimal
	UpdateTime    time.Time
}

// Leaderboard represents a list of users and their scores within a quiz session.
// The list is sorted by score in descending order.
type Leaderboard struct {
	SessionID string
	Entries   []LeaderboardEntry
}

type LeaderboardEntry struct {
	Username string
	Score    float64
}
