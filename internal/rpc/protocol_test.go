package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequestSeparatesParseFromShape(t *testing.T) {
	_, perr := parseRequest([]byte(`{"jsonrpc": `))
	require.NotNil(t, perr)
	assert.Equal(t, CodeParse, perr.Code)

	// Valid JSON of the wrong shape is an invalid request, not a parse
	// error.
	_, perr = parseRequest([]byte(`1`))
	require.NotNil(t, perr)
	assert.Equal(t, CodeInvalidRequest, perr.Code)

	_, perr = parseRequest([]byte(`"tell"`))
	require.NotNil(t, perr)
	assert.Equal(t, CodeInvalidRequest, perr.Code)
}

func TestValidateEnforcesStrictShape(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		wantCode int // 0 means valid
	}{
		{"string id", `{"jsonrpc":"2.0","method":"ping","id":"abc"}`, 0},
		{"integer id", `{"jsonrpc":"2.0","method":"ping","id":7}`, 0},
		{"negative id", `{"jsonrpc":"2.0","method":"ping","id":-3}`, 0},
		{"null id", `{"jsonrpc":"2.0","method":"ping","id":null}`, 0},
		{"object params", `{"jsonrpc":"2.0","method":"ping","params":{},"id":1}`, 0},
		{"array params", `{"jsonrpc":"2.0","method":"ping","params":[],"id":1}`, 0},
		{"notification", `{"jsonrpc":"2.0","method":"ping"}`, 0},

		{"fractional id", `{"jsonrpc":"2.0","method":"ping","id":1.5}`, CodeInvalidRequest},
		{"exponent id", `{"jsonrpc":"2.0","method":"ping","id":1e3}`, CodeInvalidRequest},
		{"boolean id", `{"jsonrpc":"2.0","method":"ping","id":true}`, CodeInvalidRequest},
		{"array id", `{"jsonrpc":"2.0","method":"ping","id":[1]}`, CodeInvalidRequest},
		{"missing version", `{"method":"ping","id":1}`, CodeInvalidRequest},
		{"old version", `{"jsonrpc":"1.0","method":"ping","id":1}`, CodeInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, CodeInvalidRequest},
		{"scalar params", `{"jsonrpc":"2.0","method":"ping","params":3,"id":1}`, CodeInvalidParams},
		{"string params", `{"jsonrpc":"2.0","method":"ping","params":"x","id":1}`, CodeInvalidParams},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, perr := parseRequest([]byte(tc.raw))
			require.Nil(t, perr)
			_, verr := req.validate()
			if tc.wantCode == 0 {
				assert.Nil(t, verr)
				return
			}
			require.NotNil(t, verr)
			assert.Equal(t, tc.wantCode, verr.Code)
		})
	}
}

func TestValidateEchoesLegalIDOnError(t *testing.T) {
	req, perr := parseRequest([]byte(`{"jsonrpc":"1.0","method":"ping","id":42}`))
	require.Nil(t, perr)
	id, verr := req.validate()
	require.NotNil(t, verr)
	assert.Equal(t, "42", string(id))

	// An illegal id cannot be echoed; the response id falls back to
	// null.
	req, perr = parseRequest([]byte(`{"jsonrpc":"2.0","method":"ping","id":1.5}`))
	require.Nil(t, perr)
	id, verr = req.validate()
	require.NotNil(t, verr)
	assert.Nil(t, id)
}

func TestNullIDIsACallNotANotification(t *testing.T) {
	req, perr := parseRequest([]byte(`{"jsonrpc":"2.0","method":"ping","id":null}`))
	require.Nil(t, perr)
	assert.False(t, req.Notification())

	req, perr = parseRequest([]byte(`{"jsonrpc":"2.0","method":"ping"}`))
	require.Nil(t, perr)
	assert.True(t, req.Notification())
}

func TestSplitBatch(t *testing.T) {
	elems, isBatch, berr := splitBatch([]byte(`  [{"jsonrpc":"2.0"}, 2] `))
	assert.True(t, isBatch)
	require.Nil(t, berr)
	assert.Len(t, elems, 2)

	_, isBatch, berr = splitBatch([]byte(`{"jsonrpc":"2.0","method":"ping"}`))
	assert.False(t, isBatch)
	assert.Nil(t, berr)

	_, isBatch, berr = splitBatch([]byte(`[]`))
	assert.True(t, isBatch)
	require.NotNil(t, berr)
	assert.Equal(t, CodeInvalidRequest, berr.Code)

	_, isBatch, berr = splitBatch([]byte(`[{]`))
	assert.True(t, isBatch)
	require.NotNil(t, berr)
	assert.Equal(t, CodeParse, berr.Code)
}

func TestResponseMarshalKeepsExplicitNulls(t *testing.T) {
	out, err := json.Marshal(resultResponse(json.RawMessage(`"abc"`), nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","result":null,"id":"abc"}`, string(out))

	out, err = json.Marshal(errorResponse(nil, &Error{Code: CodeParse, Message: "parse error"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","error":{"code":-32700,"message":"parse error"},"id":null}`, string(out))
}

func TestResponsePreservesIDForm(t *testing.T) {
	out, err := json.Marshal(resultResponse(json.RawMessage(`17`), map[string]string{"status": "ok"}))
	require.NoError(t, err)
	assert.Contains(t, string(out), `"id":17`)

	out, err = json.Marshal(resultResponse(json.RawMessage(`"17"`), map[string]string{"status": "ok"}))
	require.NoError(t, err)
	assert.Contains(t, string(out), `"id":"17"`)
}

func TestNotificationShape(t *testing.T) {
	raw, err := notification("tell_received", map[string]interface{}{"from_mud": "FarMUD"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"tell_received","params":{"from_mud":"FarMUD"}}`, string(raw))
}
