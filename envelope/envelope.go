// Package envelope validates the {error, data, messages} response envelope
// shared by every API endpoint before any of its fields are trusted.
package envelope

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrMalformed reports a body that does not have the envelope shape.
	ErrMalformed = errors.New("malformed response envelope")
	// ErrFlagged reports a well-formed envelope with error set to true.
	ErrFlagged = errors.New("server reported an error")
)

// ServerError carries the messages of an envelope flagged as an error.
type ServerError struct {
	Messages []string
}

func (e *ServerError) Error() string {
	if e == nil || len(e.Messages) == 0 {
		return ErrFlagged.Error()
	}
	return fmt.Sprintf("%s: %s", ErrFlagged, strings.Join(e.Messages, "; "))
}

func (e *ServerError) Unwrap() error {
	return ErrFlagged
}

// Envelope is a validated response body.
type Envelope struct {
	Error    bool
	Messages []string
	Data     gjson.Result
}

// Parse validates body against the envelope shape: a JSON object with a
// boolean "error", an optional array of strings "messages" and an optional
// object "data".
func Parse(body []byte) (*Envelope, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: expected an object", ErrMalformed)
	}

	flag := root.Get("error")
	if flag.Type != gjson.True && flag.Type != gjson.False {
		return nil, fmt.Errorf("%w: \"error\" must be a boolean", ErrMalformed)
	}

	env := &Envelope{Error: flag.Type == gjson.True}

	if msgs := root.Get("messages"); msgs.Exists() && msgs.Type != gjson.Null {
		if !msgs.IsArray() {
			return nil, fmt.Errorf("%w: \"messages\" must be an array", ErrMalformed)
		}
		for _, m := range msgs.Array() {
			if m.Type != gjson.String {
				return nil, fmt.Errorf("%w: \"messages\" must hold strings", ErrMalformed)
			}
			env.Messages = append(env.Messages, m.Str)
		}
	}

	if data := root.Get("data"); data.Exists() && data.Type != gjson.Null {
		if !data.IsObject() {
			return nil, fmt.Errorf("%w: \"data\" must be an object", ErrMalformed)
		}
		env.Data = data
	}

	return env, nil
}

// Err returns a *ServerError when the envelope is flagged as an error.
func (e *Envelope) Err() error {
	if !e.Error {
		return nil
	}
	return &ServerError{Messages: e.Messages}
}

// String returns data.<field>, which must be a non-empty string.
func (e *Envelope) String(field string) (string, error) {
	v := e.Data.Get(field)
	if v.Type != gjson.String || v.Str == "" {
		return "", fmt.Errorf("%w: missing data.%s", ErrMalformed, field)
	}
	return v.Str, nil
}

// Decode is Parse followed by Err: it yields an envelope only when the body is
// well formed and not flagged.
func Decode(body []byte) (*Envelope, error) {
	env, err := Parse(body)
	if err != nil {
		return nil, err
	}
	if err := env.Err(); err != nil {
		return nil, err
	}
	return env, nil
}

// MentionsCSRF reports whether body is a flagged envelope with at least one
// message mentioning CSRF, case-insensitively.
func MentionsCSRF(body []byte) bool {
	env, err := Parse(body)
	if err != nil || !env.Error {
		return false
	}
	for _, m := range env.Messages {
		if strings.Contains(strings.ToLower(m), "csrf") {
			return true
		}
	}
	return false
}
