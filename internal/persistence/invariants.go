package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/organizer/internal/audit"
	"github.com/basket/organizer/internal/shared"
)

// InvariantMode selects what happens when a command would break a domain invariant.
type InvariantMode string

const (
	// InvariantRaise rejects the command and leaves state unchanged.
	InvariantRaise InvariantMode = "raise"
	// InvariantWarn logs and audits the violation and lets the command proceed.
	InvariantWarn InvariantMode = "warn"
)

// ParseInvariantMode accepts "raise" or "warn" (case-insensitive). Empty means raise.
func ParseInvariantMode(raw string) (InvariantMode, error) {
	switch InvariantMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", InvariantRaise:
		return InvariantRaise, nil
	case InvariantWarn:
		return InvariantWarn, nil
	default:
		return "", fmt.Errorf("unknown invariant mode %q", raw)
	}
}

// SetInvariantMode switches the policy. Safe to call while commands run.
func (s *Store) SetInvariantMode(mode InvariantMode) {
	if mode != InvariantWarn {
		mode = InvariantRaise
	}
	s.invariantMode.Store(mode)
}

// InvariantMode returns the active policy.
func (s *Store) InvariantMode() InvariantMode {
	mode, _ := s.invariantMode.Load().(InvariantMode)
	if mode == "" {
		return InvariantRaise
	}
	return mode
}

// enforce evaluates a violated invariant against the active policy. In raise
// mode it returns the error to abort the transaction. In warn mode it returns
// the violation so the caller can report it after commit; audit writes share
// the single connection and cannot run inside the open transaction.
func (s *Store) enforce(code, format string, args ...any) (*InvariantError, error) {
	v := &InvariantError{Code: code, Message: fmt.Sprintf(format, args...)}
	if s.InvariantMode() == InvariantRaise {
		return nil, v
	}
	return v, nil
}

func (s *Store) reportViolations(ctx context.Context, violations []*InvariantError) {
	for _, v := range violations {
		if v == nil {
			continue
		}
		s.logger.Warn("invariant violation",
			"code", v.Code,
			"message", v.Message,
			"trace_id", shared.TraceID(ctx),
			"mode", string(InvariantWarn),
		)
		audit.Record(ctx, audit.DecisionWarn, "invariant."+v.Code, v.Message, shared.SourceMsgID(ctx))
	}
}
