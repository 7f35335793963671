package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wrap(t *testing.T, inner string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]string{"oslo.message": inner})
	require.NoError(t, err)
	return body
}

func TestDecodeRequestDoubleEncoded(t *testing.T) {
	body := wrap(t, `{"method":"create_database","args":{"name":"test1"},"_msg_id":"abc123",`+
		`"_context_tenant":"t1","_context_auth_token":"tok"}`)

	input, msgID, err := DecodeRequest(body)
	require.NoError(t, err)
	require.NotNil(t, msgID)
	assert.Equal(t, "abc123", *msgID)
	assert.Equal(t, "create_database", input.MethodName)
	assert.Equal(t, map[string]any{"name": "test1"}, input.Args)
	require.NotNil(t, input.Tenant)
	assert.Equal(t, "t1", *input.Tenant)
	require.NotNil(t, input.Token)
	assert.Equal(t, "tok", *input.Token)
}

func TestDecodeRequestOptionalFields(t *testing.T) {
	input, msgID, err := DecodeRequest(wrap(t, `{"method":"prepare"}`))
	require.NoError(t, err)
	assert.Nil(t, msgID)
	assert.Nil(t, input.Tenant)
	assert.Nil(t, input.Token)
	assert.Empty(t, input.Args)
	assert.NotNil(t, input.Args)

	input, _, err = DecodeRequest(wrap(t, `{"method":"prepare","args":null}`))
	require.NoError(t, err)
	assert.NotNil(t, input.Args)
}

func TestDecodeRequestUnwrapped(t *testing.T) {
	input, msgID, err := DecodeRequest([]byte(`{"method":"list_users","_msg_id":"m1"}`))
	require.NoError(t, err)
	assert.Equal(t, "list_users", input.MethodName)
	require.NotNil(t, msgID)
	assert.Equal(t, "m1", *msgID)
}

func TestDecodeRequestMalformed(t *testing.T) {
	tests := []struct {
		name  string
		body  []byte
		msgID *string
	}{
		{name: "not json", body: []byte(`{"oslo.message"`)},
		{name: "not an object", body: []byte(`[1,2]`)},
		{name: "no envelope", body: []byte(`{"hello":"world"}`)},
		{name: "message not a string", body: []byte(`{"oslo.message":{"method":"x"}}`)},
		{name: "inner not json", body: wrap(t, `{"method":`)},
		{name: "no method", body: wrap(t, `{"_msg_id":"m7"}`), msgID: strPtr("m7")},
		{name: "args not an object", body: wrap(t, `{"method":"x","args":[1],"_msg_id":"m8"}`), msgID: strPtr("m8")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, msgID, err := DecodeRequest(tt.body)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedInput)
			assert.Equal(t, Fatal, Classify(err))
			assert.Equal(t, tt.msgID, msgID)
		})
	}
}

func TestEncodeReply(t *testing.T) {
	body, err := EncodeReply(Succeeded("ok"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"failure":null,"result":"ok"}`, string(body))

	body, err = EncodeReply(Failed("no such database: %s", "x"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"failure":{"exc_type":"GuestError","value":"no such database: x","traceback":""},"result":null}`,
		string(body))

	_, err = EncodeReply(Succeeded(make(chan int)))
	assert.Error(t, err)
}

func TestEncodeEnding(t *testing.T) {
	assert.Equal(t, `{"failure":null,"result":null,"ending":true}`, string(EncodeEnding()))
}

func TestEncodeRequestRoundTrip(t *testing.T) {
	body, err := EncodeRequest("heartbeat", map[string]any{"instance_id": "i-1"}, strPtr("m9"), "u-1")
	require.NoError(t, err)

	var outer map[string]any
	require.NoError(t, json.Unmarshal(body, &outer))
	assert.Equal(t, "2.0", outer["oslo.version"])
	assert.IsType(t, "", outer["oslo.message"])
	assert.Contains(t, outer["oslo.message"], `"_unique_id":"u-1"`)

	input, msgID, err := DecodeRequest(body)
	require.NoError(t, err)
	assert.Equal(t, "heartbeat", input.MethodName)
	assert.Equal(t, map[string]any{"instance_id": "i-1"}, input.Args)
	assert.Equal(t, "m9", *msgID)
}

func TestDecodeArgs(t *testing.T) {
	input, _, err := DecodeRequest(wrap(t, `{"method":"create_database","args":{"name":"test1","size":2}}`))
	require.NoError(t, err)

	var args struct {
		Name string `json:"name"`
		Size int    `json:"size"`
	}
	require.NoError(t, input.DecodeArgs(&args))
	assert.Equal(t, "test1", args.Name)
	assert.Equal(t, 2, args.Size)

	var wrong struct {
		Name int `json:"name"`
	}
	err = input.DecodeArgs(&wrong)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create_database")
}

func strPtr(s string) *string { return &s }

func TestDecodeReply(t *testing.T) {
	body, err := EncodeReply(Succeeded(map[string]any{"databases": []any{"test1"}}))
	require.NoError(t, err)
	out, ending, err := DecodeReply(body)
	require.NoError(t, err)
	assert.False(t, ending)
	assert.Nil(t, out.Failure)
	assert.Equal(t, map[string]any{"databases": []any{"test1"}}, out.Result)

	body, err = EncodeReply(Failed("disk %s", "full"))
	require.NoError(t, err)
	out, ending, err = DecodeReply(body)
	require.NoError(t, err)
	assert.False(t, ending)
	require.NotNil(t, out.Failure)
	assert.Equal(t, "disk full", *out.Failure)
	assert.Nil(t, out.Result)

	out, ending, err = DecodeReply(EncodeEnding())
	require.NoError(t, err)
	assert.True(t, ending)
	assert.Nil(t, out.Result)

	_, _, err = DecodeReply([]byte("[1,2"))
	var malformedErr *MalformedInputError
	assert.ErrorAs(t, err, &malformedErr)
}
