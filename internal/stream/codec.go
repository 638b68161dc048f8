package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks a frame the codec could not decode. The decoder skips and
// counts such frames.
var ErrMalformed = errors.New("malformed frame")

// RemoteError is an error reported by the remote service inside the stream
type RemoteError struct {
	Type    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Type != "" {
		return "remote error (" + e.Type + "): " + e.Message
	}
	return "remote error: " + e.Message
}

// Codec decodes one complete frame. ok is false for frames that carry nothing
// (keep-alives, comments, bookkeeping events). Errors wrapping ErrMalformed are
// skipped by the decoder; any other error ends the stream.
type Codec interface {
	DecodeFrame(frame []byte) (frag Fragment, ok bool, err error)
}

// CodecFunc adapts a function to the Codec interface
type CodecFunc func(frame []byte) (Fragment, bool, error)

func (f CodecFunc) DecodeFrame(frame []byte) (Fragment, bool, error) {
	return f(frame)
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

// =============================================================================
// OLLAMA NDJSON
// =============================================================================

// OllamaCodec decodes the newline-delimited JSON stream of Ollama's /api/chat
type OllamaCodec struct{}

type ollamaFrame struct {
	Model   string `json:"model"`
	Message *struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            *bool  `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

func (OllamaCodec) DecodeFrame(frame []byte) (Fragment, bool, error) {
	var f ollamaFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return Fragment{}, false, malformed(err)
	}
	if f.Error != "" {
		return Fragment{}, false, &RemoteError{Message: f.Error}
	}
	if f.Message == nil && f.Done == nil {
		return Fragment{}, false, malformed(errors.New("frame has neither message nor done"))
	}

	frag := Fragment{Model: f.Model}
	if f.Message != nil {
		frag.Delta = f.Message.Content
	}
	if f.Done != nil && *f.Done {
		frag.Final = true
		frag.DoneReason = f.DoneReason
		frag.PromptTokens = f.PromptEvalCount
		frag.CompletionTokens = f.EvalCount
	}
	return frag, true, nil
}

// =============================================================================
// SERVER-SENT EVENTS
// =============================================================================

// sseData returns the payload of a "data:" line. ok is false for lines that are
// part of the SSE framing but carry no data.
func sseData(frame []byte) (data []byte, ok bool, err error) {
	switch {
	case bytes.HasPrefix(frame, []byte("data:")):
		return bytes.TrimSpace(frame[len("data:"):]), true, nil
	case frame[0] == ':',
		bytes.HasPrefix(frame, []byte("event:")),
		bytes.HasPrefix(frame, []byte("id:")),
		bytes.HasPrefix(frame, []byte("retry:")):
		return nil, false, nil
	default:
		return nil, false, malformed(fmt.Errorf("unexpected SSE line %q", truncate(frame, 64)))
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// OpenAICodec decodes the SSE stream of OpenAI-compatible /chat/completions
type OpenAICodec struct{}

type openAIFrame struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (OpenAICodec) DecodeFrame(frame []byte) (Fragment, bool, error) {
	data, ok, err := sseData(frame)
	if !ok || err != nil {
		return Fragment{}, false, err
	}
	if string(data) == "[DONE]" {
		return Fragment{Final: true}, true, nil
	}

	var f openAIFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Fragment{}, false, malformed(err)
	}
	if f.Error != nil {
		return Fragment{}, false, &RemoteError{Type: f.Error.Type, Message: f.Error.Message}
	}

	frag := Fragment{Model: f.Model}
	if len(f.Choices) > 0 {
		frag.Delta = f.Choices[0].Delta.Content
		if f.Choices[0].FinishReason != nil {
			frag.DoneReason = *f.Choices[0].FinishReason
		}
	}
	if f.Usage != nil {
		frag.PromptTokens = f.Usage.PromptTokens
		frag.CompletionTokens = f.Usage.CompletionTokens
	}
	return frag, true, nil
}

// AnthropicCodec decodes the SSE stream of the Anthropic Messages API
type AnthropicCodec struct{}

type anthropicFrame struct {
	Type    string `json:"type"`
	Message *struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (AnthropicCodec) DecodeFrame(frame []byte) (Fragment, bool, error) {
	data, ok, err := sseData(frame)
	if !ok || err != nil {
		return Fragment{}, false, err
	}

	var f anthropicFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Fragment{}, false, malformed(err)
	}

	switch f.Type {
	case "message_start":
		frag := Fragment{}
		if f.Message != nil {
			frag.Model = f.Message.Model
			frag.PromptTokens = f.Message.Usage.InputTokens
		}
		return frag, true, nil
	case "content_block_delta":
		if f.Delta == nil || f.Delta.Type != "text_delta" {
			return Fragment{}, false, nil
		}
		return Fragment{Delta: f.Delta.Text}, true, nil
	case "message_delta":
		frag := Fragment{}
		if f.Delta != nil {
			frag.DoneReason = f.Delta.StopReason
		}
		if f.Usage != nil {
			frag.CompletionTokens = f.Usage.OutputTokens
		}
		return frag, true, nil
	case "message_stop":
		return Fragment{Final: true}, true, nil
	case "error":
		if f.Error == nil {
			return Fragment{}, false, &RemoteError{Message: "unknown error"}
		}
		return Fragment{}, false, &RemoteError{Type: f.Error.Type, Message: f.Error.Message}
	case "":
		return Fragment{}, false, malformed(errors.New("event without type"))
	default:
		// ping, content_block_start, content_block_stop
		return Fragment{}, false, nil
	}
}
