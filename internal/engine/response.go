package engine

import (
	"errors"
	"fmt"

	"github.com/basket/organizer/internal/bus"
	"github.com/basket/organizer/internal/persistence"
)

// Error codes carried by failed responses.
const (
	CodeUnknownIntent     = "unknown_intent"
	CodeInvalidEnvelope   = "invalid_envelope"
	CodeInvalidInput      = "invalid_input"
	CodeNotFound          = "not_found"
	CodeIllegalTransition = "illegal_transition"
	CodeInvariant         = "invariant"
	CodeOverlap           = "overlap"
	CodeClarifyExpired    = "clarification_expired"
	CodeDeclined          = "declined"
)

// Response is the structured result of one command. Exactly one of the
// success, clarification or failure shapes is populated.
type Response struct {
	OK                 bool         `json:"ok"`
	UserMessage        string       `json:"user_message,omitempty"`
	Data               any          `json:"data,omitempty"`
	ClarifyingQuestion string       `json:"clarifying_question,omitempty"`
	Choices            []bus.Choice `json:"choices,omitempty"`
	ErrorCode          string       `json:"error_code,omitempty"`
	ReplyToken         string       `json:"reply_token,omitempty"`
}

// IsClarification reports whether the response asks the user a question.
func (r Response) IsClarification() bool {
	return !r.OK && r.ClarifyingQuestion != ""
}

func success(data any, format string, args ...any) Response {
	return Response{OK: true, UserMessage: fmt.Sprintf(format, args...), Data: data}
}

func clarify(question string, choices ...bus.Choice) Response {
	return Response{ClarifyingQuestion: question, Choices: choices}
}

func failure(code, format string, args ...any) Response {
	return Response{UserMessage: fmt.Sprintf(format, args...), ErrorCode: code}
}

// domainFailure turns a rejected mutation into a user-facing failure. It
// reports false for errors that should be retried.
func domainFailure(err error) (Response, bool) {
	var (
		transition *persistence.TransitionError
		invariant  *persistence.InvariantError
		overlap    *persistence.OverlapError
	)
	switch {
	case errors.As(err, &overlap):
		b := overlap.Conflict
		return failure(CodeOverlap, "overlaps block #%d (task #%d) %s-%s", b.ID, b.TaskID,
			b.StartAt.Format("15:04"), b.EndAt.Format("15:04")), true
	case errors.As(err, &transition):
		return failure(CodeIllegalTransition, "cannot move %s #%d from %s to %s",
			transition.Entity, transition.ID, transition.From, transition.To), true
	case errors.As(err, &invariant):
		return failure(CodeInvariant+"_"+invariant.Code, "%s", invariant.Message), true
	case errors.Is(err, persistence.ErrNotFound):
		return failure(CodeNotFound, "%s", err.Error()), true
	case errors.Is(err, persistence.ErrInvalidInput),
		errors.Is(err, persistence.ErrInvalidInterval),
		errors.Is(err, persistence.ErrCrossesDay):
		return failure(CodeInvalidInput, "%s", err.Error()), true
	}
	return Response{}, false
}
