package frame

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Literal is the first field of every tag frame.
const Literal = "TAG"

// fieldCount is the number of comma-separated fields in a frame.
const fieldCount = 4

// TimestampLayout is the calendar layout of the integral part of a frame
// timestamp (YYYYMMDDHHMMSS). The fractional milliseconds follow a dot.
const TimestampLayout = "20060102150405"

var timestampPattern = regexp.MustCompile(`^\d{14}\.\d{1,3}$`)

// Reason classifies why a line was rejected.
type Reason string

const (
	// ReasonMalformedFormat means the literal TAG field or the tag id is wrong
	ReasonMalformedFormat Reason = "MALFORMED_FORMAT"
	// ReasonBadFieldCount means the line does not have exactly four fields
	ReasonBadFieldCount Reason = "BAD_FIELD_COUNT"
	// ReasonNonNumericCounter means the counter is not a base-10 unsigned integer
	ReasonNonNumericCounter Reason = "NON_NUMERIC_COUNTER"
	// ReasonInvalidTimestamp means the timestamp is not YYYYMMDDHHMMSS.mmm
	ReasonInvalidTimestamp Reason = "INVALID_TIMESTAMP"
)

// Reasons lists every rejection reason in a stable order.
var Reasons = []Reason{
	ReasonBadFieldCount,
	ReasonMalformedFormat,
	ReasonNonNumericCounter,
	ReasonInvalidTimestamp,
}

// TagEvent is one validated telemetry frame.
type TagEvent struct {
	ReceivedAt time.Time `json:"received_at"` // Wall clock when the line was read
	TagID      string    `json:"tag_id"`      // Opaque tag identifier
	Timestamp  string    `json:"timestamp"`   // Tag-reported time, verbatim
	Counter    uint64    `json:"cnt"`         // Tag transmission counter
}

// ParseError describes a rejected line.
type ParseError struct {
	Line   string
	Reason Reason
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("frame: %s: %q", e.Reason, e.Line)
}

// ReasonOf returns the rejection reason carried by err, if any.
func ReasonOf(err error) (Reason, bool) {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Reason, true
	}
	return "", false
}

// Parse validates a single line and stamps it with the current time.
// See ParseAt.
func Parse(line string) (TagEvent, error) {
	return ParseAt(line, time.Now())
}

// ParseAt validates a single line of the form
//
//	TAG,<tag_id>,<cnt>,<timestamp>
//
// and returns the resulting TagEvent stamped with receivedAt. Fields are
// trimmed of surrounding whitespace before validation. Checks run in a fixed
// order and the first failure wins: field count, literal TAG, non-empty tag
// id, counter, timestamp. Every failure is a *ParseError.
//
// ParseAt has no side effects and is safe for concurrent use.
func ParseAt(line string, receivedAt time.Time) (TagEvent, error) {
	line = strings.TrimRight(line, "\r\n")

	fields := strings.Split(line, ",")
	if len(fields) != fieldCount {
		return TagEvent{}, &ParseError{Line: line, Reason: ReasonBadFieldCount}
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	if fields[0] != Literal {
		return TagEvent{}, &ParseError{Line: line, Reason: ReasonMalformedFormat}
	}

	tagID := fields[1]
	if tagID == "" {
		return TagEvent{}, &ParseError{Line: line, Reason: ReasonMalformedFormat}
	}

	counter, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return TagEvent{}, &ParseError{Line: line, Reason: ReasonNonNumericCounter}
	}

	ts := fields[3]
	if !ValidTimestamp(ts) {
		return TagEvent{}, &ParseError{Line: line, Reason: ReasonInvalidTimestamp}
	}

	return TagEvent{
		TagID:      tagID,
		Counter:    counter,
		Timestamp:  ts,
		ReceivedAt: receivedAt,
	}, nil
}

// ValidTimestamp reports whether ts is fourteen digits, a dot and one to
// three digits, with the integral part naming a real calendar instant.
func ValidTimestamp(ts string) bool {
	if !timestampPattern.MatchString(ts) {
		return false
	}
	_, err := time.Parse(TimestampLayout, ts[:14])
	return err == nil
}

// Format renders an event back into its wire form, without a terminator.
func Format(tagID string, counter uint64, timestamp string) string {
	return Literal + "," + tagID + "," + strconv.FormatUint(counter, 10) + "," + timestamp
}

// FormatTime renders t as a frame timestamp with millisecond precision.
func FormatTime(t time.Time) string {
	return t.Format(TimestampLayout) + fmt.Sprintf(".%03d", t.Nanosecond()/int(time.Millisecond))
}
