// Package api exposes the HTTP surface: quiz content management, leaderboard
// queries and the WebSocket endpoint carrying the realtime session protocol.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/victornm/quizhub/internal/content"
	"github.com/victornm/quizhub/internal/coordinator"
	"github.com/victornm/quizhub/internal/dispatch"
	"github.com/victornm/quizhub/internal/domain"
	"github.com/victornm/quizhub/internal/errors"
	"github.com/victornm/quizhub/internal/leaderboard"
	"github.com/victornm/quizhub/internal/registry"
)

type Config struct {
	Router *gin.Engine

	Content     *content.Service
	Leaderboard *leaderboard.Service
	Coordinator *coordinator.Service

	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher

	// SendBuffer is the per-connection outbound queue size.
	SendBuffer int
}

type API struct {
	content     *content.Service
	leaderboard *leaderboard.Service
	coordinator *coordinator.Service

	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher

	sendBuffer int
}

func New(c Config) *API {
	a := &API{
		content:     c.Content,
		leaderboard: c.Leaderboard,
		coordinator: c.Coordinator,
		registry:    c.Registry,
		dispatcher:  c.Dispatcher,
		sendBuffer:  c.SendBuffer,
	}

	r := c.Router
	r.POST("/users/signup", a.signup)
	r.POST("/quizzes", a.createQuiz)
	r.POST("/sessions", a.createSession)
	r.GET("/sessions/:session_id", a.getSession)
	r.GET("/sessions/:session_id/leaderboard", a.getLeaderboard)
	r.GET("/ws/:session_id", a.serveWS)

	return a
}

type signupRequest struct {
	Username string `json:"username"`
}

func (a *API) signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	u, err := a.content.Signup(c.Request.Context(), content.SignupRequest{
		Username: req.Username,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, u)
}

type createQuizRequest struct {
	Title     string            `json:"title"`
	Author    string            `json:"author"`
	Questions []domain.Question `json:"questions"`
}

func (a *API) createQuiz(c *gin.Context) {
	var req createQuizRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	q, err := a.content.CreateQuiz(c.Request.Context(), content.CreateQuizRequest{
		Title:     req.Title,
		Author:    req.Author,
		Questions: req.Questions,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"quiz_id": q.QuizID})
}

type createSessionRequest struct {
	QuizID    string `json:"quiz_id"`
	Moderator string `json:"moderator"`
}

func (a *API) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	rec, err := a.content.CreateSession(c.Request.Context(), content.CreateSessionRequest{
		QuizID:    req.QuizID,
		Moderator: req.Moderator,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session_id": rec.SessionID})
}

// sessionView is the session document without answer keys.
type sessionView struct {
	SessionID     string        `json:"session_id"`
	Moderator     string        `json:"moderator"`
	Status        domain.Status `json:"status"`
	CurrentIndex  int           `json:"current_index"`
	QuestionCount int           `json:"question_count"`
	Deadline      int64         `json:"deadline,omitempty"`
}

func (a *API) getSession(c *gin.Context) {
	ss, err := a.coordinator.Session(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, sessionView{
		SessionID:     ss.SessionID,
		Moderator:     ss.Moderator,
		Status:        ss.Status,
		CurrentIndex:  ss.CurrentIndex,
		QuestionCount: len(ss.Questions),
		Deadline:      ss.QuestionDeadline,
	})
}

func (a *API) getLeaderboard(c *gin.Context) {
	l, err := a.leaderboard.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{
		SessionID: c.Param("session_id"),
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, l)
}

func abortError(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{
		"code":    uint32(e.Code),
		"message": e.Message,
	})
}
