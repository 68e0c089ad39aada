package session

import (
	"fmt"
	"strings"

	"github.com/go-go-golems/logchat/pkg/protocol"
)

// BuildChatRequest turns user input into the outbound chat frame. It reports
// false for input that is empty after trimming. The message itself is sent
// as typed.
func BuildChatRequest(text, sessionID, model string, fileIDs []string) (protocol.ChatRequest, bool) {
	if strings.TrimSpace(text) == "" {
		return protocol.ChatRequest{}, false
	}
	if strings.TrimSpace(model) == "" {
		model = protocol.DefaultModel
	}
	var ids []string
	if len(fileIDs) > 0 {
		ids = append(ids, fileIDs...)
	}
	return protocol.ChatRequest{
		Type:      protocol.TypeChat,
		Message:   text,
		SessionID: sessionID,
		Model:     model,
		FileIDs:   ids,
	}, true
}

// QuickAction is a canned analysis prompt.
type QuickAction struct {
	Key    string
	Label  string
	Prompt string
}

var QuickActions = []QuickAction{
	{Key: "f1", Label: "Main thread blocking", Prompt: "Analyze the cause of the main thread blocking in this ANR log"},
	{Key: "f2", Label: "Find deadlocks", Prompt: "Check whether there is a deadlock"},
	{Key: "f3", Label: "Suggest fixes", Prompt: "Based on the analysis, suggest fixes"},
	{Key: "f4", Label: "Resource usage", Prompt: "Check the system resource usage"},
}

// HumanSize formats a byte count as B, KB or MB with one decimal.
func HumanSize(bytes int64) string {
	switch {
	case bytes < 1024:
		return fmt.Sprintf("%d B", bytes)
	case bytes < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(bytes)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(bytes)/(1024*1024))
	}
}
