package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// Delimiter separates the five identity parts of a session ID
	Delimiter = "-"

	// MaxAge is how far in the past a session timestamp may lie
	MaxAge = 365 * 24 * time.Hour
	// MaxSkew is how far in the future a session timestamp may lie
	MaxSkew = time.Hour

	prefixLength = 8
)

// ID is the parsed form of {randomPrefix}-{promptId}-{userId}-{storytellerId}-{timestamp}
type ID struct {
	RandomPrefix  string `json:"random_prefix"`
	PromptID      string `json:"prompt_id"`
	UserID        string `json:"user_id"`
	StorytellerID string `json:"storyteller_id"`
	// Timestamp is the creation time in Unix milliseconds
	Timestamp int64 `json:"timestamp"`
}

// New creates a session ID with a random prefix stamped at now
func New(promptID, userID, storytellerID string, now time.Time) (ID, error) {
	id := ID{
		RandomPrefix:  strings.ReplaceAll(uuid.NewString(), "-", "")[:prefixLength],
		PromptID:      promptID,
		UserID:        userID,
		StorytellerID: storytellerID,
		Timestamp:     now.UnixMilli(),
	}
	if err := id.check(); err != nil {
		return ID{}, err
	}
	return id, nil
}

// Parse splits a raw session ID into its components. It checks structure
// only; use Validate for the time window.
func Parse(raw string) (ID, error) {
	parts := strings.Split(raw, Delimiter)
	if len(parts) != 5 {
		return ID{}, newError(KindInvalidFormat, fmt.Errorf("expected 5 parts, got %d", len(parts)))
	}
	for i, part := range parts {
		if part == "" {
			return ID{}, newError(KindInvalidFormat, fmt.Errorf("part %d is empty", i))
		}
	}

	ts, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil || ts <= 0 {
		return ID{}, newError(KindInvalidFormat, fmt.Errorf("timestamp %q is not a positive integer", parts[4]))
	}

	return ID{
		RandomPrefix:  parts[0],
		PromptID:      parts[1],
		UserID:        parts[2],
		StorytellerID: parts[3],
		Timestamp:     ts,
	}, nil
}

// String serializes the ID back into its delimited form
func (id ID) String() string {
	return strings.Join([]string{
		id.RandomPrefix,
		id.PromptID,
		id.UserID,
		id.StorytellerID,
		strconv.FormatInt(id.Timestamp, 10),
	}, Delimiter)
}

// CreatedAt returns the creation time encoded in the ID
func (id ID) CreatedAt() time.Time {
	return time.UnixMilli(id.Timestamp)
}

// InWindow reports whether the creation time lies within the accepted window
func (id ID) InWindow(now time.Time) bool {
	created := id.CreatedAt()
	if created.Before(now.Add(-MaxAge)) {
		return false
	}
	if created.After(now.Add(MaxSkew)) {
		return false
	}
	return true
}

func (id ID) check() error {
	fields := map[string]string{
		"random prefix":  id.RandomPrefix,
		"prompt id":      id.PromptID,
		"user id":        id.UserID,
		"storyteller id": id.StorytellerID,
	}
	for name, value := range fields {
		if value == "" {
			return newError(KindInvalidFormat, fmt.Errorf("%s is empty", name))
		}
		if strings.Contains(value, Delimiter) {
			return newError(KindInvalidFormat, fmt.Errorf("%s %q contains %q", name, value, Delimiter))
		}
	}
	if id.Timestamp <= 0 {
		return newError(KindInvalidFormat, fmt.Errorf("timestamp must be positive"))
	}
	return nil
}

// Validate parses raw and checks the timestamp window against now
func Validate(raw string, now time.Time) (ID, error) {
	id, err := Parse(raw)
	if err != nil {
		return ID{}, err
	}
	if !id.InWindow(now) {
		return ID{}, newError(KindInvalidFormat,
			fmt.Errorf("timestamp %s outside accepted window", id.CreatedAt().UTC().Format(time.RFC3339)))
	}
	return id, nil
}

// IsValid reports whether raw is a well-formed session ID inside the window
func IsValid(raw string, now time.Time) bool {
	_, err := Validate(raw, now)
	return err == nil
}
