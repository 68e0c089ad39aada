package protocol

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformedFrame is returned for payloads that are not valid frames.
var ErrMalformedFrame = errors.New("malformed frame")

type envelope struct {
	Type    *string         `json:"type"`
	Content json.RawMessage `json:"content"`
	Data    json.RawMessage `json:"data"`
	Message json.RawMessage `json:"message"`
	Error   json.RawMessage `json:"error"`
}

// Decode parses one inbound message. Unknown discriminants decode to an
// UnknownFrame; only payloads that cannot be interpreted at all, or known
// kinds with the wrong payload shape, fail with ErrMalformedFrame.
func Decode(raw []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrapf(ErrMalformedFrame, "invalid json: %v", err)
	}
	if env.Type == nil || strings.TrimSpace(*env.Type) == "" {
		return nil, errors.Wrap(ErrMalformedFrame, "missing type")
	}

	kind := FrameType(*env.Type)
	switch kind {
	case TypeChunk:
		content, err := requireString(env.Content, "content")
		if err != nil {
			return nil, err
		}
		return ChunkFrame{Content: content}, nil

	case TypeSearchResults:
		if isAbsent(env.Data) {
			return nil, errors.Wrap(ErrMalformedFrame, "search_results without data")
		}
		var results []SearchResult
		if err := json.Unmarshal(env.Data, &results); err != nil {
			return nil, errors.Wrapf(ErrMalformedFrame, "search_results data: %v", err)
		}
		if results == nil {
			results = []SearchResult{}
		}
		return SearchResultsFrame{Results: results}, nil

	case TypeDone:
		return DoneFrame{}, nil

	case TypeError:
		// The analysis backend reports failures under "error" on some paths.
		field, name := env.Message, "message"
		if isAbsent(field) {
			field, name = env.Error, "error"
		}
		if isAbsent(field) {
			return ErrorFrame{}, nil
		}
		msg, err := requireString(field, name)
		if err != nil {
			return nil, err
		}
		return ErrorFrame{Message: msg}, nil
	}

	cp := make([]byte, len(raw))
	copy(cp, raw)
	return UnknownFrame{Kind: kind, Raw: cp}, nil
}

// Encode serializes an outbound frame.
func Encode(frame any) ([]byte, error) {
	b, err := json.Marshal(frame)
	if err != nil {
		return nil, errors.Wrap(err, "encode frame")
	}
	return b, nil
}

func requireString(field json.RawMessage, name string) (string, error) {
	if isAbsent(field) {
		return "", errors.Wrapf(ErrMalformedFrame, "missing %s", name)
	}
	var s string
	if err := json.Unmarshal(field, &s); err != nil {
		return "", errors.Wrapf(ErrMalformedFrame, "%s is not a string", name)
	}
	return s, nil
}

func isAbsent(field json.RawMessage) bool {
	return len(field) == 0 || bytes.Equal(bytes.TrimSpace(field), []byte("null"))
}
