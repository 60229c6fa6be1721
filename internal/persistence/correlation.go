package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CorrelationKind discriminates the calendar correlation variants.
type CorrelationKind int

const (
	CorrelationUnset CorrelationKind = iota
	CorrelationPending
	CorrelationFailed
	CorrelationLinked
)

func (k CorrelationKind) String() string {
	switch k {
	case CorrelationPending:
		return "pending"
	case CorrelationFailed:
		return "failed"
	case CorrelationLinked:
		return "linked"
	default:
		return "unset"
	}
}

const (
	pendingPrefix = "PENDING:"
	failedMarker  = "FAILED"
)

// Correlation links a task to its external calendar event. It is persisted in
// tasks.calendar_correlation as NULL, "PENDING:<unix>:<token>", "FAILED" or
// the external event id.
type Correlation struct {
	Kind       CorrelationKind
	ClaimedAt  time.Time // Pending only
	Token      string    // Pending only
	ExternalID string    // Linked only
}

func Unset() Correlation { return Correlation{} }

func Pending(claimedAt time.Time, token string) Correlation {
	return Correlation{Kind: CorrelationPending, ClaimedAt: claimedAt.UTC().Truncate(time.Second), Token: token}
}

func Failed() Correlation { return Correlation{Kind: CorrelationFailed} }

func Linked(externalID string) Correlation {
	return Correlation{Kind: CorrelationLinked, ExternalID: externalID}
}

// ParseCorrelation decodes the stored text form. Anything that is not NULL,
// a pending marker or the failed marker is an external id.
func ParseCorrelation(v sql.NullString) Correlation {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return Unset()
	}
	raw := v.String
	if raw == failedMarker {
		return Failed()
	}
	if rest, ok := strings.CutPrefix(raw, pendingPrefix); ok {
		tsPart, token, _ := strings.Cut(rest, ":")
		c := Correlation{Kind: CorrelationPending, Token: token}
		if secs, err := strconv.ParseInt(tsPart, 10, 64); err == nil {
			c.ClaimedAt = time.Unix(secs, 0).UTC()
		}
		return c
	}
	return Linked(raw)
}

// Encode returns the stored text form.
func (c Correlation) Encode() sql.NullString {
	switch c.Kind {
	case CorrelationPending:
		return sql.NullString{String: fmt.Sprintf("%s%d:%s", pendingPrefix, c.ClaimedAt.Unix(), c.Token), Valid: true}
	case CorrelationFailed:
		return sql.NullString{String: failedMarker, Valid: true}
	case CorrelationLinked:
		return sql.NullString{String: c.ExternalID, Valid: true}
	default:
		return sql.NullString{}
	}
}

func (c Correlation) String() string {
	enc := c.Encode()
	if !enc.Valid {
		return "NULL"
	}
	return enc.String
}

func (c Correlation) IsUnset() bool { return c.Kind == CorrelationUnset }

// StaleSince reports whether a pending claim is older than maxAge at now.
func (c Correlation) StaleSince(now time.Time, maxAge time.Duration) bool {
	return c.Kind == CorrelationPending && !c.ClaimedAt.After(now.Add(-maxAge))
}

func (c Correlation) MarshalJSON() ([]byte, error) {
	enc := c.Encode()
	if !enc.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(enc.String)
}

func (c *Correlation) UnmarshalJSON(b []byte) error {
	var raw *string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		*c = Unset()
		return nil
	}
	*c = ParseCorrelation(sql.NullString{String: *raw, Valid: true})
	return nil
}
