package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Level classifies a protocol error by how the receiving node should react.
type Level string

const (
	// LevelFatal is a permission or credential failure. The offending client
	// is expected to halt.
	LevelFatal Level = "FATAL"
	// LevelSevere rejects an operation. The caller may recover.
	LevelSevere Level = "SEVERE"
	// LevelWarning reports a benign race that is safe to ignore or retry.
	LevelWarning Level = "WARNING"
	// LevelTimeout means a peer did not reply in time.
	LevelTimeout Level = "TIMEOUT"
)

// Error is the payload of an "error" frame and doubles as a Go error so
// handlers can return it directly.
type Error struct {
	Level   Level  `json:"errorLevel"`
	Message string `json:"errorMessage"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Level, e.Message)
}

// Reply wraps the error into an outbound "error" message.
func (e *Error) Reply() Message {
	return Message{Kind: KindError, Payload: e}
}

func newError(level Level, format string, args ...any) *Error {
	return &Error{Level: level, Message: fmt.Sprintf(format, args...)}
}

// Fatalf builds a FATAL error.
func Fatalf(format string, args ...any) *Error {
	return newError(LevelFatal, format, args...)
}

// Severef builds a SEVERE error.
func Severef(format string, args ...any) *Error {
	return newError(LevelSevere, format, args...)
}

// Warningf builds a WARNING error.
func Warningf(format string, args ...any) *Error {
	return newError(LevelWarning, format, args...)
}

// Timeoutf builds a TIMEOUT error with a custom message.
func Timeoutf(format string, args ...any) *Error {
	return newError(LevelTimeout, format, args...)
}

// Timeout is the synthetic error delivered when a talk is not answered.
func Timeout() *Error {
	return &Error{Level: LevelTimeout, Message: "Timeout"}
}

// LevelOf returns the level of err if it is (or wraps) a protocol error.
func LevelOf(err error) (Level, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Level, true
	}
	return "", false
}

// InvalidPacket is the fixed reply to a frame that cannot be parsed. It keeps
// the snake_case field names older nodes match on.
var InvalidPacket = mustMarshal(map[string]any{
	"type": string(KindError),
	"data": map[string]any{
		"error_code":    -2,
		"error_message": "Invalid packet",
	},
})

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
