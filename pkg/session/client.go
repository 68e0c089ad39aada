package session

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/logchat/pkg/config"
	"github.com/go-go-golems/logchat/pkg/connection"
	"github.com/go-go-golems/logchat/pkg/dispatch"
	"github.com/go-go-golems/logchat/pkg/ids"
	"github.com/go-go-golems/logchat/pkg/transcript"
)

// Client is one page session: a client identity bound to one streaming
// connection, and one chat session whose transcript that connection feeds.
type Client struct {
	ClientID   string
	Transcript *transcript.Transcript
	Session    *Session
	Dispatcher *dispatch.Dispatcher
	Manager    *connection.Manager
}

type ClientOptions struct {
	// OnChange is called after every transcript mutation.
	OnChange func()
	// OnStatus is called on every connection state change, from the
	// connection loop.
	OnStatus func(connection.Status)

	ConnectionOptions []connection.Option
	SessionOptions    []Option
}

// NewClient wires the transcript, session, dispatcher and connection manager
// for settings. The manager is not running yet; call Manager.Run and
// Manager.Connect.
func NewClient(settings config.Settings, opts ClientOptions) (*Client, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	clientID := ids.NewClientID()
	endpoint, err := settings.StreamEndpoint(clientID)
	if err != nil {
		return nil, errors.Wrap(err, "derive stream endpoint")
	}

	var trOpts []transcript.Option
	if opts.OnChange != nil {
		trOpts = append(trOpts, transcript.WithOnChange(opts.OnChange))
	}
	tr := transcript.New(trOpts...)

	sessOpts := append([]Option{
		WithModel(settings.Model),
		WithResponseTimeout(settings.ResponseTimeout),
	}, opts.SessionOptions...)
	sess := New(nil, tr, sessOpts...)

	logger := log.With().
		Str("component", "connection").
		Str("client_id", clientID).
		Str("session_id", sess.ID()).
		Logger()
	d := dispatch.New(sess, dispatch.WithLogger(logger))

	connOpts := []connection.Option{
		connection.WithReconnectPolicy(connection.ReconnectPolicy{
			MaxAttempts: settings.MaxReconnects,
			BaseDelay:   settings.ReconnectBaseDelay,
		}),
		connection.WithLogger(logger),
	}
	if opts.OnStatus != nil {
		connOpts = append(connOpts, connection.WithStatusListener(opts.OnStatus))
	}
	connOpts = append(connOpts, opts.ConnectionOptions...)
	m := connection.New(endpoint, d, connOpts...)
	sess.sender = m

	return &Client{
		ClientID:   clientID,
		Transcript: tr,
		Session:    sess,
		Dispatcher: d,
		Manager:    m,
	}, nil
}
