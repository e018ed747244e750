package gate

import (
	"encoding/json"
	"errors"
	"strings"
)

const (
	CodeChatDiamondGate = "CHAT_DIAMOND_GATE"
	CodeDMDiamondGate   = "DM_DIAMOND_GATE"
)

// Parsed is the result of reading a send failure: either a Gate or Unparsable.
type Parsed interface {
	parsed()
}

// Unparsable means the failure carried no usable gate payload and must be
// treated as a generic send failure.
type Unparsable struct {
	Reason string
}

func (Unparsable) parsed() {}
func (Gate) parsed()       {}

// PayloadError is implemented by transport errors that carry a response body.
type PayloadError interface {
	error
	ResponseBody() []byte
	ResponseMessage() string
}

type payload struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	DiamondCost *int     `json:"diamondCost"`
	Threshold   *int     `json:"threshold"`
	SentCount   *int     `json:"sentCount"`
	Metadata    *payload `json:"metadata"`
	Error       *payload `json:"error"`
}

// flatten merges nested "error" and "metadata" objects into the top level.
// Top-level fields win.
func (p payload) flatten() payload {
	for _, nested := range []*payload{p.Error, p.Metadata} {
		if nested == nil {
			continue
		}
		n := nested.flatten()
		if p.Code == "" {
			p.Code = n.Code
		}
		if p.Message == "" {
			p.Message = n.Message
		}
		if p.DiamondCost == nil {
			p.DiamondCost = n.DiamondCost
		}
		if p.Threshold == nil {
			p.Threshold = n.Threshold
		}
		if p.SentCount == nil {
			p.SentCount = n.SentCount
		}
	}
	p.Error, p.Metadata = nil, nil
	return p
}

// ParseError reads a gate from a failed send.
func ParseError(err error) Parsed {
	if err == nil {
		return Unparsable{Reason: "no error"}
	}
	var pe PayloadError
	if errors.As(err, &pe) {
		return Parse(pe.ResponseBody(), pe.ResponseMessage())
	}
	return Parse(nil, err.Error())
}

// Parse tries the structured body first and falls back to a legacy
// JSON-encoded payload inside the error message.
func Parse(body []byte, message string) Parsed {
	if g, ok := fromStructured(body); ok {
		return g
	}
	if g, ok := fromLegacyString(message); ok {
		return g
	}
	return Unparsable{Reason: "no gate payload"}
}

func fromStructured(body []byte) (Gate, bool) {
	if len(body) == 0 {
		return Gate{}, false
	}
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Gate{}, false
	}
	return p.flatten().toGate()
}

// fromLegacyString handles messages like `Error: {"code":"DM_DIAMOND_GATE",...}`
// or a whole message that is a JSON string literal.
func fromLegacyString(message string) (Gate, bool) {
	message = strings.TrimSpace(message)
	if message == "" {
		return Gate{}, false
	}

	var unquoted string
	if err := json.Unmarshal([]byte(message), &unquoted); err == nil {
		message = unquoted
	}

	start := strings.Index(message, "{")
	end := strings.LastIndex(message, "}")
	if start < 0 || end <= start {
		return Gate{}, false
	}

	var p payload
	if err := json.Unmarshal([]byte(message[start:end+1]), &p); err != nil {
		return Gate{}, false
	}
	return p.flatten().toGate()
}

func (p payload) toGate() (Gate, bool) {
	if p.DiamondCost == nil || *p.DiamondCost < 0 {
		return Gate{}, false
	}
	switch p.Code {
	case CodeChatDiamondGate:
		return Gate{
			Kind:        KindCountGated,
			DiamondCost: *p.DiamondCost,
			Threshold:   deref(p.Threshold),
			SentCount:   deref(p.SentCount),
			Message:     p.Message,
		}, true
	case CodeDMDiamondGate:
		return Gate{
			Kind:        KindPaidGated,
			DiamondCost: *p.DiamondCost,
			Message:     p.Message,
		}, true
	}
	return Gate{}, false
}

func deref(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
