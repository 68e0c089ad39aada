// Package transcript owns the conversation shown to the user: the
// append-only list of turns, the in-progress assistant turn that partial
// content is merged into, the evidence panel and the loading indicator.
//
// Frames arrive strictly in order from a single connection. The mutex only
// lets readers take consistent snapshots while the assembler writes.
package transcript

import (
	"sync"
	"time"

	"github.com/go-go-golems/logchat/pkg/ids"
	"github.com/go-go-golems/logchat/pkg/protocol"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Turn struct {
	ID        string
	Role      Role
	Content   string
	CreatedAt time.Time
	Streaming bool
	// Results is the evidence batch that arrived while this turn streamed.
	Results []protocol.SearchResult
}

// View is a deep copy of the transcript state, safe to hold and render.
type View struct {
	Turns           []Turn
	Evidence        []protocol.SearchResult
	EvidenceVisible bool
	Loading         bool
	LastError       string
}

// StreamingTurn returns the turn currently receiving content, if any.
func (v View) StreamingTurn() (Turn, bool) {
	for i := len(v.Turns) - 1; i >= 0; i-- {
		if v.Turns[i].Streaming {
			return v.Turns[i], true
		}
	}
	return Turn{}, false
}

type Transcript struct {
	mu    sync.Mutex
	turns []Turn
	// active indexes the in-progress assistant turn, -1 when none.
	active int

	evidence        []protocol.SearchResult
	evidenceVisible bool
	loading         bool
	lastError       string

	now      func() time.Time
	newID    func() string
	onChange func()
}

type Option func(*Transcript)

// WithOnChange registers fn to be called after every mutation. fn runs
// outside the transcript lock and may call Snapshot.
func WithOnChange(fn func()) Option {
	return func(t *Transcript) {
		t.onChange = fn
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Transcript) {
		t.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(t *Transcript) {
		t.newID = newID
	}
}

func New(options ...Option) *Transcript {
	t := &Transcript{
		active: -1,
		now:    time.Now,
		newID:  ids.NewID,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// AppendUser adds a completed user turn.
func (t *Transcript) AppendUser(content string) Turn {
	return t.appendComplete(RoleUser, content)
}

// AppendSystem adds a completed system turn, e.g. an upload acknowledgment.
func (t *Transcript) AppendSystem(content string) Turn {
	return t.appendComplete(RoleSystem, content)
}

func (t *Transcript) appendComplete(role Role, content string) Turn {
	t.mu.Lock()
	turn := Turn{
		ID:        t.newID(),
		Role:      role,
		Content:   content,
		CreatedAt: t.now(),
	}
	t.turns = append(t.turns, turn)
	t.mu.Unlock()
	t.changed()
	return turn
}

// ApplyChunk merges partial assistant content. The first chunk of a reply
// opens a new streaming turn; later chunks extend it in place.
func (t *Transcript) ApplyChunk(content string) {
	t.mu.Lock()
	last := len(t.turns) - 1
	if t.active >= 0 && t.active == last {
		t.turns[last].Content += content
	} else {
		// a user or system turn was appended mid-stream: the old turn is no
		// longer the tail and stops receiving content
		t.finalizeLocked()
		t.turns = append(t.turns, Turn{
			ID:        t.newID(),
			Role:      RoleAssistant,
			Content:   content,
			CreatedAt: t.now(),
			Streaming: true,
		})
		t.active = len(t.turns) - 1
	}
	t.mu.Unlock()
	t.changed()
}

// ApplyDone finalizes the in-progress turn, if any, and clears loading.
// Repeated calls are no-ops.
func (t *Transcript) ApplyDone() {
	t.mu.Lock()
	t.finalizeLocked()
	t.loading = false
	t.mu.Unlock()
	t.changed()
}

// ApplySearchResults replaces the evidence panel with results and shows it.
func (t *Transcript) ApplySearchResults(results []protocol.SearchResult) {
	batch := copyResults(results)
	t.mu.Lock()
	t.evidence = batch
	t.evidenceVisible = true
	if t.active >= 0 {
		t.turns[t.active].Results = copyResults(batch)
	}
	t.mu.Unlock()
	t.changed()
}

// ApplyError records a backend failure and clears loading. The turns are
// left untouched.
func (t *Transcript) ApplyError(message string) {
	if message == "" {
		message = "assistant reported an error"
	}
	t.mu.Lock()
	t.loading = false
	t.lastError = message
	t.mu.Unlock()
	t.changed()
}

// Abandon finalizes the in-progress turn and surfaces message, for replies
// that will never complete.
func (t *Transcript) Abandon(message string) {
	t.mu.Lock()
	t.finalizeLocked()
	t.loading = false
	t.lastError = message
	t.mu.Unlock()
	t.changed()
}

func (t *Transcript) SetLoading(loading bool) {
	t.mu.Lock()
	t.loading = loading
	if loading {
		t.lastError = ""
	}
	t.mu.Unlock()
	t.changed()
}

func (t *Transcript) Loading() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loading
}

func (t *Transcript) DismissError() {
	t.mu.Lock()
	t.lastError = ""
	t.mu.Unlock()
	t.changed()
}

func (t *Transcript) HideEvidence() {
	t.mu.Lock()
	t.evidenceVisible = false
	t.mu.Unlock()
	t.changed()
}

func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.turns)
}

func (t *Transcript) Snapshot() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	turns := make([]Turn, len(t.turns))
	for i, turn := range t.turns {
		turn.Results = copyResults(turn.Results)
		turns[i] = turn
	}
	return View{
		Turns:           turns,
		Evidence:        copyResults(t.evidence),
		EvidenceVisible: t.evidenceVisible,
		Loading:         t.loading,
		LastError:       t.lastError,
	}
}

func (t *Transcript) finalizeLocked() {
	if t.active >= 0 {
		t.turns[t.active].Streaming = false
		t.active = -1
	}
}

func (t *Transcript) changed() {
	if t.onChange != nil {
		t.onChange()
	}
}

func copyResults(in []protocol.SearchResult) []protocol.SearchResult {
	if in == nil {
		return nil
	}
	out := make([]protocol.SearchResult, len(in))
	for i, r := range in {
		if r.Metadata != nil {
			md := make(map[string]any, len(r.Metadata))
			for k, v := range r.Metadata {
				md[k] = v
			}
			r.Metadata = md
		}
		out[i] = r
	}
	return out
}
