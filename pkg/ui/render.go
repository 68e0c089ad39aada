package ui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"
	"github.com/muesli/termenv"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/logchat/pkg/backend"
	"github.com/go-go-golems/logchat/pkg/connection"
	"github.com/go-go-golems/logchat/pkg/protocol"
	"github.com/go-go-golems/logchat/pkg/transcript"
)

const (
	streamingCursor  = "▍"
	maxEvidenceShown = 5
)

// markdown renders finished assistant turns. Results are cached per turn
// since finished turns never change.
type markdown struct {
	enabled  bool
	width    int
	renderer *glamour.TermRenderer
	cache    map[string]string
}

func newMarkdown(enabled bool) *markdown {
	return &markdown{enabled: enabled, cache: map[string]string{}}
}

func (md *markdown) setWidth(width int) {
	if width == md.width {
		return
	}
	md.width = width
	md.renderer = nil
	md.cache = map[string]string{}
}

func (md *markdown) render(turn transcript.Turn) string {
	if !md.enabled || turn.Streaming {
		return wordwrap.String(turn.Content, max(md.width, 20))
	}
	if out, ok := md.cache[turn.ID]; ok {
		return out
	}
	if md.renderer == nil {
		r, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle(MarkdownStyle()),
			glamour.WithWordWrap(max(md.width, 20)),
		)
		if err != nil {
			log.Warn().Err(err).Msg("markdown renderer unavailable, falling back to plain text")
			md.enabled = false
			return wordwrap.String(turn.Content, max(md.width, 20))
		}
		md.renderer = r
	}
	out, err := md.renderer.Render(turn.Content)
	if err != nil {
		log.Debug().Err(err).Str("turn", turn.ID).Msg("markdown render failed")
		out = turn.Content
	}
	out = strings.Trim(out, "\n")
	md.cache[turn.ID] = out
	return out
}

// MarkdownStyle picks the glamour style matching the terminal background.
func MarkdownStyle() string {
	if termenv.HasDarkBackground() {
		return "dark"
	}
	return "light"
}

func renderTurns(turns []transcript.Turn, md *markdown) string {
	if len(turns) == 0 {
		return helpStyle.Render("Ask about an ANR trace or tombstone, or upload a log with ctrl+u.")
	}
	var sb strings.Builder
	for i, turn := range turns {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(turnHeader(turn))
		sb.WriteString("\n")
		switch turn.Role {
		case transcript.RoleAssistant:
			sb.WriteString(md.render(turn))
			if turn.Streaming {
				sb.WriteString(cursorStyle.Render(streamingCursor))
			}
			if n := len(turn.Results); n > 0 && !turn.Streaming {
				sb.WriteString("\n")
				sb.WriteString(helpStyle.Render(fmt.Sprintf("(%d sources)", n)))
			}
		case transcript.RoleSystem:
			sb.WriteString(systemTextStyle.Render(wordwrap.String(turn.Content, max(md.width, 20))))
		default:
			sb.WriteString(wordwrap.String(turn.Content, max(md.width, 20)))
		}
	}
	return sb.String()
}

func turnHeader(turn transcript.Turn) string {
	var label string
	switch turn.Role {
	case transcript.RoleUser:
		label = userLabelStyle.Render("You")
	case transcript.RoleAssistant:
		label = assistantLabelStyle.Render("Assistant")
	default:
		label = systemLabelStyle.Render("System")
	}
	return label + " " + timestampStyle.Render(turn.CreatedAt.Format("15:04"))
}

func renderEvidence(results []protocol.SearchResult, width int) string {
	var sb strings.Builder
	sb.WriteString(evidenceTitleStyle.Render(fmt.Sprintf("Evidence (%d)", len(results))))
	inner := max(width-6, 10)
	for i, r := range results {
		if i == maxEvidenceShown {
			sb.WriteString("\n")
			sb.WriteString(helpStyle.Render(fmt.Sprintf("... %d more", len(results)-maxEvidenceShown)))
			break
		}
		text := strings.Join(strings.Fields(r.Text), " ")
		sb.WriteString("\n")
		sb.WriteString(scoreStyle.Render(fmt.Sprintf("%.2f", r.Score)))
		sb.WriteString(" ")
		sb.WriteString(truncate.StringWithTail(text, uint(max(inner-5, 5)), "…"))
	}
	return evidencePane.Width(max(width-2, 10)).Render(sb.String())
}

func renderStatus(s connection.Status) string {
	switch s.State {
	case connection.Open:
		return statusOpenStyle.Render("● connected")
	case connection.Connecting:
		return statusPendingStyle.Render("○ connecting")
	case connection.Reconnecting:
		return statusPendingStyle.Render(fmt.Sprintf("○ reconnecting (attempt %d)", s.Attempts))
	case connection.Closed:
		if s.GaveUp {
			return statusDownStyle.Render("✕ disconnected, press ctrl+r to reconnect")
		}
		return statusDownStyle.Render("✕ connection lost")
	default:
		return statusDownStyle.Render("○ offline, press ctrl+r to connect")
	}
}

func renderHealth(hs *backend.HealthStatus) string {
	if hs == nil {
		return ""
	}
	names := make([]string, 0, len(hs.Services))
	for name := range hs.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		state := hs.Services[name]
		if state == "healthy" {
			parts = append(parts, healthyStyle.Render(name+" "+state))
		} else {
			parts = append(parts, unhealthyStyle.Render(name+" "+state))
		}
	}
	return strings.Join(parts, helpStyle.Render(" · "))
}
