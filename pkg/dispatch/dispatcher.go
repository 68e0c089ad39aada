// Package dispatch routes decoded frames to the component that applies them.
package dispatch

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/logchat/pkg/protocol"
)

// Handler receives the built-in frame kinds.
type Handler interface {
	OnChunk(content string)
	OnSearchResults(results []protocol.SearchResult)
	OnDone()
	OnError(message string)
}

// HandlerFunc handles one frame kind registered with Register.
type HandlerFunc func(f protocol.Frame) error

// Dispatcher classifies frames by their discriminant. Kinds registered with
// Register take precedence over the built-in routing; unknown kinds are
// ignored.
type Dispatcher struct {
	handler Handler
	logger  zerolog.Logger

	mu     sync.RWMutex
	custom map[protocol.FrameType]HandlerFunc
}

type Option func(*Dispatcher)

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func New(handler Handler, options ...Option) *Dispatcher {
	d := &Dispatcher{
		handler: handler,
		logger:  log.With().Str("component", "dispatch").Logger(),
		custom:  map[protocol.FrameType]HandlerFunc{},
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Register installs fn for frames of the given kind, replacing any earlier
// registration.
func (d *Dispatcher) Register(kind protocol.FrameType, fn HandlerFunc) {
	if d == nil || fn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.custom[kind] = fn
}

// HandleMessage decodes a raw inbound message and dispatches it.
func (d *Dispatcher) HandleMessage(raw []byte) error {
	f, err := protocol.Decode(raw)
	if err != nil {
		return err
	}
	return d.Dispatch(f)
}

// Dispatch routes one decoded frame.
func (d *Dispatcher) Dispatch(f protocol.Frame) error {
	if d == nil || f == nil {
		return nil
	}

	d.mu.RLock()
	fn := d.custom[f.Type()]
	d.mu.RUnlock()
	if fn != nil {
		if err := fn(f); err != nil {
			return errors.Wrapf(err, "handle %s frame", f.Type())
		}
		return nil
	}

	if d.handler == nil {
		return nil
	}
	switch f_ := f.(type) {
	case protocol.ChunkFrame:
		d.handler.OnChunk(f_.Content)
	case protocol.SearchResultsFrame:
		d.handler.OnSearchResults(f_.Results)
	case protocol.DoneFrame:
		d.handler.OnDone()
	case protocol.ErrorFrame:
		d.handler.OnError(f_.Message)
	default:
		d.logger.Debug().Str("type", string(f.Type())).Msg("ignoring unknown frame")
	}
	return nil
}
