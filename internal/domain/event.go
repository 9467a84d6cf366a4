package domain

import "encoding/json"

// Event is the sequenced wire event for a session. The sequence number is
// assigned exactly once, by the coordinator, when the event is committed to
// the session state store. Subscribers deliver events to each connection in
// ascending sequence order with duplicates suppressed.
type Event struct {
	SessionID string          `json:"session_id"`
	Sequence  int64           `json:"sequence"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// Wire event types fanned out to session connections.
const (
	EventTypeParticipantJoined = "participantJoined"
	EventTypeParticipantLeft   = "participantLeft"
	EventTypeSessionStarted    = "sessionStarted"
	EventTypeQuestionOpened    = "questionOpened"
	EventTypeQuestionClosed    = "questionClosed"
	EventTypeAnswerAccepted    = "answerAccepted"
	EventTypeAnswerRejected    = "answerRejected"
	EventTypeSessionFinished   = "sessionFinished"
)

// In-process bus event names. These drive side-effects (leaderboard, score
// persistence) and never the ordered cross-process path.
const (
	EventNameScoreUpdated    = "score.updated"
	EventNameQuestionScored  = "question.scored"
	EventNameSessionFinished = "session.finished"
)

type EventScoreUpdated struct {
	Score Score
}

func (EventScoreUpdated) Name() string { return EventNameScoreUpdated }

// EventQuestionScored carries every score applied when one question closed.
type EventQuestionScored struct {
	SessionID     string
	QuestionIndex int
	Scores        []Score
}

func (EventQuestionScored) Name() string { return EventNameQuestionScored }

type EventSessionFinished struct {
	Session Session
}

func (EventSessionFinished) Name() string { return EventNameSessionFinished }
