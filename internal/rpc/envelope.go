package rpc

import (
	"encoding/json"
	"fmt"
)

// GuestInput is a decoded RPC request.
type GuestInput struct {
	MethodName string
	Args       map[string]any
	Tenant     *string
	Token      *string
}

// DecodeArgs unmarshals the request arguments into v.
func (in GuestInput) DecodeArgs(v any) error {
	data, err := json.Marshal(in.Args)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding arguments of %s: %w", in.MethodName, err)
	}
	return nil
}

// GuestOutput is the result of a request. A nil Failure means success.
type GuestOutput struct {
	Failure *string
	Result  any
}

// Failed builds an output carrying a failure message.
func Failed(format string, a ...any) GuestOutput {
	msg := fmt.Sprintf(format, a...)
	return GuestOutput{Failure: &msg}
}

// Succeeded builds an output carrying result.
func Succeeded(result any) GuestOutput {
	return GuestOutput{Result: result}
}

// The exception type reported to the caller's RPC framework for every failure.
const failureType = "GuestError"

type replyFailure struct {
	ExcType   string `json:"exc_type"`
	Value     string `json:"value"`
	Traceback string `json:"traceback"`
}

type reply struct {
	Failure *replyFailure `json:"failure"`
	Result  any           `json:"result"`
	Ending  bool          `json:"ending,omitempty"`
}

// EncodeReply renders output as the reply body.
func EncodeReply(output GuestOutput) ([]byte, error) {
	r := reply{Result: output.Result}
	if output.Failure != nil {
		r.Failure = &replyFailure{ExcType: failureType, Value: *output.Failure}
		r.Result = nil
	}
	return json.Marshal(r)
}

// EncodeEnding renders the sentinel that ends a reply.
func EncodeEnding() []byte {
	data, _ := json.Marshal(reply{Ending: true})
	return data
}

type outerEnvelope struct {
	Version string  `json:"oslo.version,omitempty"`
	Message *string `json:"oslo.message"`
}

type innerEnvelope struct {
	Method    *string         `json:"method"`
	Args      json.RawMessage `json:"args,omitempty"`
	MsgID     *string         `json:"_msg_id,omitempty"`
	Tenant    *string         `json:"_context_tenant,omitempty"`
	AuthToken *string         `json:"_context_auth_token,omitempty"`
	UniqueID  string          `json:"_unique_id,omitempty"`
}

// DecodeRequest decodes an AMQP body. The body is a JSON object whose "oslo.message"
// string holds the JSON request; a body that is already a request (has "method" and no
// "oslo.message") is accepted as is. The msg id is returned whenever the inner envelope
// could be read, even if the request itself is invalid.
func DecodeRequest(body []byte) (GuestInput, *string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return GuestInput{}, nil, malformed(err, "message body is not a JSON object")
	}

	innerText := body
	if wrapped, ok := raw["oslo.message"]; ok {
		var s string
		if err := json.Unmarshal(wrapped, &s); err != nil {
			return GuestInput{}, nil, malformed(err, `"oslo.message" is not a string`)
		}
		innerText = []byte(s)
	} else if _, ok := raw["method"]; !ok {
		return GuestInput{}, nil, malformed(nil, `message has neither "oslo.message" nor "method"`)
	}

	var inner innerEnvelope
	if err := json.Unmarshal(innerText, &inner); err != nil {
		return GuestInput{}, nil, malformed(err, "request is not a valid JSON object")
	}
	msgID := inner.MsgID

	if inner.Method == nil || *inner.Method == "" {
		return GuestInput{}, msgID, malformed(nil, `request has no "method"`)
	}
	input := GuestInput{
		MethodName: *inner.Method,
		Tenant:     inner.Tenant,
		Token:      inner.AuthToken,
		Args:       map[string]any{},
	}
	if len(inner.Args) > 0 && string(inner.Args) != "null" {
		if err := json.Unmarshal(inner.Args, &input.Args); err != nil {
			return GuestInput{}, msgID, malformed(err, `"args" of %s is not an object`, input.MethodName)
		}
	}
	return input, msgID, nil
}

// EncodeRequest wraps a request the way the orchestrator does: the inner envelope is
// JSON-encoded into the "oslo.message" string of the outer one.
func EncodeRequest(method string, args map[string]any, msgID *string, uniqueID string) ([]byte, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments of %s: %w", method, err)
	}
	inner, err := json.Marshal(innerEnvelope{
		Method:   &method,
		Args:     argsJSON,
		MsgID:    msgID,
		UniqueID: uniqueID,
	})
	if err != nil {
		return nil, err
	}
	s := string(inner)
	return json.Marshal(outerEnvelope{Version: "2.0", Message: &s})
}

type incomingReply struct {
	Failure *replyFailure   `json:"failure"`
	Result  json.RawMessage `json:"result"`
	Ending  bool            `json:"ending"`
}

// DecodeReply reads one reply body as sent back to a caller. ending is true for the
// sentinel that closes a reply, in which case output is empty.
func DecodeReply(body []byte) (output GuestOutput, ending bool, err error) {
	var r incomingReply
	if err := json.Unmarshal(body, &r); err != nil {
		return GuestOutput{}, false, malformed(err, "reply is not a JSON object")
	}
	if r.Ending {
		return GuestOutput{}, true, nil
	}
	if r.Failure != nil {
		return GuestOutput{Failure: &r.Failure.Value}, false, nil
	}
	if len(r.Result) > 0 && string(r.Result) != "null" {
		if err := json.Unmarshal(r.Result, &output.Result); err != nil {
			return GuestOutput{}, false, malformed(err, "reply result is not valid JSON")
		}
	}
	return output, false, nil
}
