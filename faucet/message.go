package faucet

import (
	stdjson "encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// Request and push actions.
const (
	ActionGetConfig     = "getConfig"
	ActionConfig        = "config"
	ActionStartSession  = "startSession"
	ActionResumeSession = "resumeSession"
	ActionFoundShare    = "foundShare"
	ActionCloseSession  = "closeSession"
	ActionClaimRewards  = "claimRewards"
	ActionUpdateBalance = "updateBalance"
	ActionSessionKill   = "sessionKill"
)

// Response actions.
const (
	ActionOK    = "ok"
	ActionError = "error"
)

// Message is the websocket envelope. Requests set ID and Action, responses
// set Rsp and Action (ok or error), pushes set only Action.
type Message struct {
	ID     uint64             `json:"id,omitempty"`
	Rsp    uint64             `json:"rsp,omitempty"`
	Action string             `json:"action"`
	Data   stdjson.RawMessage `json:"data,omitempty"`
}

// IsResponse reports whether the message answers a request.
func (m *Message) IsResponse() bool {
	return m.Rsp != 0
}

// Decode unmarshals the message payload into v. An empty payload leaves v
// untouched.
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 || v == nil {
		return nil
	}
	return Unmarshal(m.Data, v)
}

// NewMessage builds a message with v marshalled as its payload.
func NewMessage(action string, v any) (*Message, error) {
	msg := &Message{Action: action}
	if v != nil {
		data, err := Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", action, err)
		}
		msg.Data = data
	}
	return msg, nil
}

// Error is a server-reported failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Request payloads.
type (
	StartSessionRequest struct {
		Addr  string `json:"addr"`
		Token string `json:"token,omitempty"`
	}

	ResumeSessionRequest struct {
		SessionID string `json:"sessionId"`
	}

	CloseSessionRequest struct {
		SessionID string `json:"sessionId"`
	}

	ClaimRequest struct {
		Token      string `json:"token"`
		TargetAddr string `json:"targetAddr"`
		Captcha    string `json:"captcha,omitempty"`
	}
)

// Response and push payloads.
type (
	ResumeSessionResponse struct {
		Balance   uint64 `json:"balance"`
		StartTime int64  `json:"startTime"`
	}

	CloseSessionResponse struct {
		Token string `json:"claimToken"`
	}

	ClaimResponse struct {
		TxHash string `json:"txHash"`
	}

	BalanceUpdate struct {
		SessionID string `json:"sessionId,omitempty"`
		Balance   uint64 `json:"balance"`
		Recovered bool   `json:"recovered,omitempty"`
	}

	SessionKill struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}
)

var codec = sonic.ConfigStd

// Marshal encodes v as JSON.
func Marshal(v any) ([]byte, error) {
	return codec.Marshal(v)
}

// Unmarshal decodes JSON data into v.
func Unmarshal(data []byte, v any) error {
	return codec.Unmarshal(data, v)
}
