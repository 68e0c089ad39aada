package ui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/go-go-golems/logchat/pkg/connection"
)

// Bridge forwards transcript and connection changes into a running program
// without blocking the goroutine that produced them. Transcript changes are
// coalesced; for statuses the latest ones win when the program falls behind.
type Bridge struct {
	changed  chan struct{}
	statuses chan connection.Status
}

func NewBridge() *Bridge {
	return &Bridge{
		changed:  make(chan struct{}, 1),
		statuses: make(chan connection.Status, 16),
	}
}

func (b *Bridge) TranscriptChanged() {
	select {
	case b.changed <- struct{}{}:
	default:
	}
}

func (b *Bridge) Status(s connection.Status) {
	for {
		select {
		case b.statuses <- s:
			return
		default:
		}
		select {
		case <-b.statuses:
		default:
		}
	}
}

// Run delivers pending notifications through send until ctx is done. send is
// usually (*tea.Program).Send.
func (b *Bridge) Run(ctx context.Context, send func(tea.Msg)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.changed:
			send(TranscriptChangedMsg{})
		case s := <-b.statuses:
			send(StatusMsg(s))
		}
	}
}
