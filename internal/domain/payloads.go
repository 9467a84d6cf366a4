package domain

// Wire payloads carried by session events. Question material sent to clients
// never includes the correct option.

type ParticipantPayload struct {
	Username string `json:"username"`
}

type SessionStartedPayload struct {
	SessionID     string `json:"session_id"`
	QuestionCount int    `json:"question_count"`
}

type QuestionOpenedPayload struct {
	Index    int          `json:"index"`
	Question QuestionView `json:"question"`
	Deadline int64        `json:"deadline"`
}

type QuestionView struct {
	QuestionID      string   `json:"question_id"`
	Text            string   `json:"text"`
	Options         []Option `json:"options"`
	Points          int64    `json:"points"`
	SecondsToAnswer int      `json:"seconds_to_answer"`
}

// View strips the answer key from a question for client delivery.
func (q Question) View() QuestionView {
	return QuestionView{
		QuestionID:      q.QuestionID,
		Text:            q.Text,
		Options:         q.Options,
		Points:          q.Points,
		SecondsToAnswer: q.SecondsToAnswer,
	}
}

type QuestionClosedPayload struct {
	Index  int         `json:"index"`
	Scores []ScoreView `json:"scores,omitempty"`
}

type ScoreView struct {
	Username string `json:"username"`
	Score    string `json:"score"`
}

type AnswerAcceptedPayload struct {
	Index    int    `json:"index"`
	Username string `json:"username"`
}

type SessionFinishedPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}
