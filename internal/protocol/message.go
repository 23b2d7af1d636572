// Copyright (c) 2025 Databracket. All rights reserved.
// Use of this source code is governed by the license that can be found
// in the LICENSE file.

// Package protocol implements the typed message model that flows over
// the netstring-framed control channel between bastio-agent and the
// backend: a common envelope, five action kinds, a feedback kind, and
// an optional host-telemetry status kind.
package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// MessageError reports a malformed message: invalid JSON, a missing
// required field, or an unknown type/action/status. It is never a
// best-effort pass-through — every rejection carries a reason.
type MessageError struct {
	Reason string
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("protocol: %s", e.Reason)
}

// Feedback status codes. Any other value is rejected by the parser.
const (
	StatusSuccess = 200
	StatusInfo    = 300
	StatusWarning = 400
	StatusError   = 500
)

var validStatus = map[int]bool{
	StatusSuccess: true,
	StatusInfo:    true,
	StatusWarning: true,
	StatusError:   true,
}

// Action kinds.
const (
	ActionAddUser    = "add-user"
	ActionRemoveUser = "remove-user"
	ActionUpdateUser = "update-user"
	ActionAddKey     = "add-key"
	ActionRemoveKey  = "remove-key"
)

// usernamePattern is the sole acceptance criterion for a username: no
// additional normalization, casing, or length coercion is applied.
var usernamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,30}$`)

// ValidUsername reports whether name satisfies the wire contract.
func ValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}

// Message is implemented by every concrete message kind. MessageID
// returns the envelope's mid, echoed verbatim between request and
// reply.
type Message interface {
	MessageID() string
	Type() string
}

// FeedbackMessage reports the outcome of a previously received action.
type FeedbackMessage struct {
	MID      string `json:"mid"`
	Feedback string `json:"feedback"`
	Status   int    `json:"status"`
}

func (m *FeedbackMessage) MessageID() string { return m.MID }
func (m *FeedbackMessage) Type() string       { return "feedback" }

// NewFeedback builds a FeedbackMessage replying to the given mid.
func NewFeedback(mid string, status int, feedback string) *FeedbackMessage {
	return &FeedbackMessage{MID: mid, Feedback: feedback, Status: status}
}

// ActionMessage is the common shape of all five action kinds.
type ActionMessage struct {
	MID      string
	Action   string
	Username string

	// Sudo is meaningful for add-user and update-user.
	Sudo bool
	// PublicKey is meaningful for add-key and remove-key.
	PublicKey string
}

func (m *ActionMessage) MessageID() string { return m.MID }
func (m *ActionMessage) Type() string       { return "action" }

// envelope is the minimal shape needed to route a message before its
// family-specific fields are validated.
type envelope struct {
	Type   string          `json:"type"`
	MID    string          `json:"mid"`
	Action string          `json:"action"`
	Raw    json.RawMessage `json:"-"`
}

// Parse decodes data (one netstring payload) into a concrete Message.
// Routing is a two-level switch: type, then (for actions) action, per
// the wire contract — adding a new action touches exactly this table.
func Parse(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &MessageError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if env.MID == "" {
		return nil, &MessageError{Reason: "missing mid"}
	}

	switch env.Type {
	case "feedback":
		return parseFeedback(data, env.MID)
	case "action":
		return parseAction(data, env)
	case "status":
		return parseStatus(data, env.MID)
	case "":
		return nil, &MessageError{Reason: "missing type"}
	default:
		return nil, &MessageError{Reason: fmt.Sprintf("unknown type %q", env.Type)}
	}
}

func parseFeedback(data []byte, mid string) (*FeedbackMessage, error) {
	var raw struct {
		Feedback string `json:"feedback"`
		Status   int    `json:"status"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &MessageError{Reason: fmt.Sprintf("invalid feedback fields: %v", err)}
	}
	if !validStatus[raw.Status] {
		return nil, &MessageError{Reason: fmt.Sprintf("invalid status %d", raw.Status)}
	}
	return &FeedbackMessage{MID: mid, Feedback: raw.Feedback, Status: raw.Status}, nil
}

func parseAction(data []byte, env envelope) (*ActionMessage, error) {
	if env.Action == "" {
		return nil, &MessageError{Reason: "missing action"}
	}

	var raw struct {
		Username  string `json:"username"`
		Sudo      bool   `json:"sudo"`
		PublicKey string `json:"public_key"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &MessageError{Reason: fmt.Sprintf("invalid action fields: %v", err)}
	}
	if !ValidUsername(raw.Username) {
		return nil, &MessageError{Reason: fmt.Sprintf("invalid username %q", raw.Username)}
	}

	switch env.Action {
	case ActionAddUser, ActionUpdateUser:
		// Sudo carries its own meaning; no further required field.
	case ActionRemoveUser:
		// No extra fields.
	case ActionAddKey, ActionRemoveKey:
		if !looksLikeOpenSSHPublicKey(raw.PublicKey) {
			return nil, &MessageError{Reason: fmt.Sprintf("invalid public_key for %s", env.Action)}
		}
	default:
		return nil, &MessageError{Reason: fmt.Sprintf("unknown action %q", env.Action)}
	}

	return &ActionMessage{
		MID:       env.MID,
		Action:    env.Action,
		Username:  raw.Username,
		Sudo:      raw.Sudo,
		PublicKey: raw.PublicKey,
	}, nil
}

var opensshKeyPattern = regexp.MustCompile(`^ssh-[A-Za-z0-9-]+\s+[A-Za-z0-9+/=]+`)

func looksLikeOpenSSHPublicKey(s string) bool {
	return opensshKeyPattern.MatchString(s)
}

// Marshal encodes m back into the JSON wire form.
func Marshal(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *StatusMessage:
		return MarshalStatus(v)
	case *FeedbackMessage:
		return json.Marshal(struct {
			Type     string `json:"type"`
			MID      string `json:"mid"`
			Feedback string `json:"feedback"`
			Status   int    `json:"status"`
		}{Type: "feedback", MID: v.MID, Feedback: v.Feedback, Status: v.Status})
	case *ActionMessage:
		return json.Marshal(struct {
			Type      string `json:"type"`
			MID       string `json:"mid"`
			Action    string `json:"action"`
			Username  string `json:"username"`
			Sudo      bool   `json:"sudo,omitempty"`
			PublicKey string `json:"public_key,omitempty"`
		}{
			Type:      "action",
			MID:       v.MID,
			Action:    v.Action,
			Username:  v.Username,
			Sudo:      v.Sudo,
			PublicKey: v.PublicKey,
		})
	default:
		return nil, &MessageError{Reason: fmt.Sprintf("unmarshalable message type %T", m)}
	}
}
