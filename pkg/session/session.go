// Package session ties one chat conversation together: the transcript it
// assembles, the identity it sends with every question, the document it is
// grounded on, and the watchdog that gives up on replies that never finish.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/logchat/pkg/backend"
	"github.com/go-go-golems/logchat/pkg/connection"
	"github.com/go-go-golems/logchat/pkg/dispatch"
	"github.com/go-go-golems/logchat/pkg/ids"
	"github.com/go-go-golems/logchat/pkg/protocol"
	"github.com/go-go-golems/logchat/pkg/transcript"
)

// Sender queues an outbound frame without blocking. *connection.Manager
// satisfies it.
type Sender interface {
	Send(frame any)
}

type Session struct {
	sessionID  string
	model      string
	timeout    time.Duration
	afterFunc  connection.AfterFunc
	sender     Sender
	transcript *transcript.Transcript
	logger     *zerolog.Logger

	mu       sync.Mutex
	fileID   string
	fileName string
	watchdog connection.Timer
	watchGen uint64
}

var _ dispatch.Handler = (*Session)(nil)

type Option func(*Session)

func WithSessionID(id string) Option {
	return func(s *Session) {
		s.sessionID = id
	}
}

func WithModel(model string) Option {
	return func(s *Session) {
		s.model = model
	}
}

// WithResponseTimeout bounds how long a submitted question may go without
// any reply activity. 0 disables the watchdog.
func WithResponseTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.timeout = d
	}
}

func WithAfterFunc(fn connection.AfterFunc) Option {
	return func(s *Session) {
		s.afterFunc = fn
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = &logger
	}
}

func New(sender Sender, t *transcript.Transcript, options ...Option) *Session {
	s := &Session{
		sessionID:  ids.NewSessionID(),
		model:      protocol.DefaultModel,
		afterFunc:  func(d time.Duration, f func()) connection.Timer { return time.AfterFunc(d, f) },
		sender:     sender,
		transcript: t,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.logger == nil {
		logger := log.With().Str("component", "session").Str("session_id", s.sessionID).Logger()
		s.logger = &logger
	}
	return s
}

func (s *Session) ID() string {
	return s.sessionID
}

func (s *Session) Transcript() *transcript.Transcript {
	return s.transcript
}

// Submit sends text as a question. It returns false, changing nothing, when
// text is blank; the caller clears its input only on true.
func (s *Session) Submit(text string) bool {
	s.mu.Lock()
	var fileIDs []string
	if s.fileID != "" {
		fileIDs = []string{s.fileID}
	}
	s.mu.Unlock()

	req, ok := BuildChatRequest(text, s.sessionID, s.model, fileIDs)
	if !ok {
		return false
	}
	s.transcript.AppendUser(text)
	s.transcript.SetLoading(true)
	s.arm()
	s.sender.Send(req)
	s.logger.Debug().Int("chars", len(text)).Bool("grounded", len(fileIDs) > 0).Msg("question submitted")
	return true
}

// AcknowledgeUpload grounds later questions on the uploaded document and
// tells the user about it.
func (s *Session) AcknowledgeUpload(name string, size int64, res *backend.UploadResult) {
	if res == nil {
		return
	}
	s.mu.Lock()
	s.fileID = res.FileID
	s.fileName = name
	s.mu.Unlock()

	s.transcript.AppendSystem(fmt.Sprintf(
		"Uploaded %s (%s), extracted %d text chunks. You can start asking questions about it.",
		name, HumanSize(size), res.Chunks,
	))
}

// Document returns the name of the document questions are grounded on.
func (s *Session) Document() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileName, s.fileID != ""
}

// ClearDocument stops grounding questions on the uploaded document.
func (s *Session) ClearDocument() {
	s.mu.Lock()
	s.fileID = ""
	s.fileName = ""
	s.mu.Unlock()
}

// ForceClearLoading drops a stuck loading indicator.
func (s *Session) ForceClearLoading() {
	s.disarm()
	s.transcript.SetLoading(false)
}

func (s *Session) OnChunk(content string) {
	s.transcript.ApplyChunk(content)
	s.rearm()
}

func (s *Session) OnSearchResults(results []protocol.SearchResult) {
	s.transcript.ApplySearchResults(results)
	s.rearm()
}

func (s *Session) OnDone() {
	s.disarm()
	s.transcript.ApplyDone()
}

func (s *Session) OnError(message string) {
	s.disarm()
	s.transcript.ApplyError(message)
	s.logger.Warn().Str("error", message).Msg("assistant reported an error")
}

// Close stops the watchdog.
func (s *Session) Close() {
	s.disarm()
}

func (s *Session) arm() {
	if s.timeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.watchGen++
	gen := s.watchGen
	s.watchdog = s.afterFunc(s.timeout, func() { s.expire(gen) })
}

// rearm restarts the watchdog on reply activity while a question is pending.
func (s *Session) rearm() {
	if !s.transcript.Loading() {
		return
	}
	s.arm()
}

func (s *Session) disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.watchGen++
}

func (s *Session) stopLocked() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

func (s *Session) expire(gen uint64) {
	s.mu.Lock()
	if gen != s.watchGen {
		s.mu.Unlock()
		return
	}
	s.watchdog = nil
	s.mu.Unlock()

	s.logger.Warn().Dur("timeout", s.timeout).Msg("no response from assistant")
	s.transcript.Abandon(fmt.Sprintf("no response from assistant within %s", s.timeout))
}
