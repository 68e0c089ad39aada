// Package protocol defines the JSON frames exchanged over the streaming
// connection. Every frame is a JSON object carrying a "type" discriminant
// plus kind-specific fields.
package protocol

// FrameType is the value of the "type" discriminant.
type FrameType string

const (
	TypeChunk         FrameType = "chunk"
	TypeSearchResults FrameType = "search_results"
	TypeDone          FrameType = "done"
	TypeError         FrameType = "error"
	TypeChat          FrameType = "chat"
)

// DefaultModel is the model selector sent when none is configured.
const DefaultModel = "primary"

// Frame is a decoded inbound frame.
type Frame interface {
	Type() FrameType
}

// SearchResult is one evidence snippet backing an assistant answer.
type SearchResult struct {
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ChunkFrame carries a piece of the assistant reply.
type ChunkFrame struct {
	Content string
}

func (ChunkFrame) Type() FrameType { return TypeChunk }

// SearchResultsFrame replaces the active evidence batch.
type SearchResultsFrame struct {
	Results []SearchResult
}

func (SearchResultsFrame) Type() FrameType { return TypeSearchResults }

// DoneFrame marks the end of the assistant reply.
type DoneFrame struct{}

func (DoneFrame) Type() FrameType { return TypeDone }

// ErrorFrame is a protocol-level failure reported by the backend.
type ErrorFrame struct {
	Message string
}

func (ErrorFrame) Type() FrameType { return TypeError }

// UnknownFrame is any frame whose discriminant this client does not know.
// It keeps the raw payload so custom handlers can decode it.
type UnknownFrame struct {
	Kind FrameType
	Raw  []byte
}

func (f UnknownFrame) Type() FrameType { return f.Kind }

// ChatRequest is the outbound chat frame.
type ChatRequest struct {
	Type      FrameType `json:"type"`
	Message   string    `json:"message"`
	SessionID string    `json:"session_id"`
	Model     string    `json:"model"`
	FileIDs   []string  `json:"file_ids,omitempty"`
}
