package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAICodec_Stream(t *testing.T) {
	body := `: keep-alive

data: {"model":"gpt-4o-mini","choices":[{"delta":{"role":"assistant","content":""},"finish_reason":null}]}

data: {"model":"gpt-4o-mini","choices":[{"delta":{"content":"Hel"},"finish_reason":null}]}

data: {"model":"gpt-4o-mini","choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}

data: {"model":"gpt-4o-mini","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2}}

data: [DONE]

`
	d := NewDecoder(strings.NewReader(body), OpenAICodec{})

	frags, err := collect(t, d)
	require.NoError(t, err)
	assert.Equal(t, "Hello", concat(frags))
	require.Len(t, frags, 5)
	assert.Equal(t, "stop", frags[2].DoneReason)
	assert.Equal(t, 5, frags[3].PromptTokens)
	assert.Equal(t, 2, frags[3].CompletionTokens)
	assert.True(t, frags[4].Final)
	assert.Equal(t, 0, d.DecodeErrors())
}

func TestOpenAICodec_Lines(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantOK    bool
		malformed bool
		remote    bool
	}{
		{"comment", ": ping", false, false, false},
		{"event", "event: message", false, false, false},
		{"id", "id: 12", false, false, false},
		{"done", "data: [DONE]", true, false, false},
		{"bad json", "data: {oops", false, true, false},
		{"plain text", "hello", false, true, false},
		{"error", `data: {"error":{"type":"rate_limit","message":"slow down"}}`, false, false, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, ok, err := OpenAICodec{}.DecodeFrame([]byte(tc.line))
			assert.Equal(t, tc.wantOK, ok)
			switch {
			case tc.malformed:
				assert.ErrorIs(t, err, ErrMalformed)
			case tc.remote:
				var remote *RemoteError
				require.ErrorAs(t, err, &remote)
				assert.Equal(t, "rate_limit", remote.Type)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestAnthropicCodec_Stream(t *testing.T) {
	body := `event: message_start
data: {"type":"message_start","message":{"model":"claude-sonnet-4-20250514","usage":{"input_tokens":9}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: ping
data: {"type":"ping"}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}

event: message_stop
data: {"type":"message_stop"}

`
	d := NewDecoder(strings.NewReader(body), AnthropicCodec{})

	frags, err := collect(t, d)
	require.NoError(t, err)
	assert.Equal(t, "Hello", concat(frags))

	require.Len(t, frags, 5)
	assert.Equal(t, "claude-sonnet-4-20250514", frags[0].Model)
	assert.Equal(t, 9, frags[0].PromptTokens)
	assert.Equal(t, "end_turn", frags[3].DoneReason)
	assert.Equal(t, 2, frags[3].CompletionTokens)
	assert.True(t, frags[4].Final)
}

func TestAnthropicCodec_Error(t *testing.T) {
	body := `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Partial"}}
data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}
`
	d := NewDecoder(strings.NewReader(body), AnthropicCodec{})

	frags, err := collect(t, d)
	assert.Equal(t, "Partial", concat(frags))

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "overloaded_error", remote.Type)
	assert.Contains(t, remote.Error(), "Overloaded")
}

func TestAnthropicCodec_OnlyBookkeepingIsDecodeError(t *testing.T) {
	body := `data: {"type":"ping"}
data: {"type":"content_block_stop"}
`
	d := NewDecoder(strings.NewReader(body), AnthropicCodec{})

	_, err := collect(t, d)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestCodecFunc(t *testing.T) {
	upper := CodecFunc(func(frame []byte) (Fragment, bool, error) {
		return Fragment{Delta: strings.ToUpper(string(frame))}, true, nil
	})
	d := NewDecoder(strings.NewReader("ab\ncd\n"), upper)

	frags, err := collect(t, d)
	require.NoError(t, err)
	assert.Equal(t, "ABCD", concat(frags))
}
