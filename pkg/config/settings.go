// Package config holds the client settings: where the backend lives, how the
// streaming connection recovers, and how the client logs.
package config

import (
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/logchat/pkg/protocol"
)

var ErrInvalidSettings = errors.New("invalid settings")

const (
	DefaultServer             = "http://localhost:8080"
	DefaultPort               = "8080"
	DefaultMaxReconnects      = 5
	DefaultReconnectBaseDelay = time.Second
	DefaultResponseTimeout    = 2 * time.Minute
)

// Settings is the full client configuration. The yaml keys double as flag
// names and, upper-cased with a LOGCHAT_ prefix, as environment variables.
type Settings struct {
	// Server is the backend base URL, the origin the upload and health
	// endpoints hang off.
	Server string `yaml:"server"`
	// WSHost and WSPort override the streaming endpoint host and port.
	WSHost string `yaml:"ws-host"`
	WSPort string `yaml:"ws-port"`
	// Secure forces wss:// even when Server is plain http.
	Secure bool `yaml:"secure"`

	Model              string        `yaml:"model"`
	MaxReconnects      int           `yaml:"max-reconnects"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect-base-delay"`
	ResponseTimeout    time.Duration `yaml:"response-timeout"`

	LogLevel  string `yaml:"log-level"`
	LogFormat string `yaml:"log-format"`
	LogFile   string `yaml:"log-file"`
}

func Default() Settings {
	return Settings{
		Server:             DefaultServer,
		Model:              protocol.DefaultModel,
		MaxReconnects:      DefaultMaxReconnects,
		ReconnectBaseDelay: DefaultReconnectBaseDelay,
		ResponseTimeout:    DefaultResponseTimeout,
		LogLevel:           "info",
		LogFormat:          "console",
	}
}

// Load reads a YAML settings file on top of the defaults. A missing path
// yields the defaults.
func Load(path string) (Settings, error) {
	s := Default()
	if strings.TrimSpace(path) == "" {
		return s, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return s, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return s, errors.Wrapf(err, "parse config %s", path)
	}
	return s, nil
}

func (s Settings) Validate() error {
	u, err := s.serverURL()
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Wrapf(ErrInvalidSettings, "server scheme %q is not http or https", u.Scheme)
	}
	if s.MaxReconnects < 0 {
		return errors.Wrap(ErrInvalidSettings, "max-reconnects must not be negative")
	}
	if s.ReconnectBaseDelay <= 0 {
		return errors.Wrap(ErrInvalidSettings, "reconnect-base-delay must be positive")
	}
	if s.ResponseTimeout < 0 {
		return errors.Wrap(ErrInvalidSettings, "response-timeout must not be negative")
	}
	if strings.TrimSpace(s.Model) == "" {
		return errors.Wrap(ErrInvalidSettings, "model must not be empty")
	}
	return nil
}

func (s Settings) serverURL() (*url.URL, error) {
	raw := strings.TrimSpace(s.Server)
	if raw == "" {
		return nil, errors.Wrap(ErrInvalidSettings, "server is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidSettings, "parse server %q: %v", raw, err)
	}
	if u.Host == "" {
		return nil, errors.Wrapf(ErrInvalidSettings, "server %q has no host", raw)
	}
	return u, nil
}

// StreamEndpoint returns the websocket URL for clientID. The scheme follows
// the server's transport security, host and port fall back to the server's
// own, and the port finally to 8080.
func (s Settings) StreamEndpoint(clientID string) (string, error) {
	u, err := s.serverURL()
	if err != nil {
		return "", err
	}
	scheme := "ws"
	if s.Secure || u.Scheme == "https" {
		scheme = "wss"
	}
	host := strings.TrimSpace(s.WSHost)
	if host == "" {
		host = u.Hostname()
	}
	port := strings.TrimSpace(s.WSPort)
	if port == "" {
		port = u.Port()
	}
	if port == "" {
		port = DefaultPort
	}
	ep := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   "/api/ws/" + url.PathEscape(clientID),
	}
	return ep.String(), nil
}

// APIURL returns the URL of a plain HTTP endpoint under /api on the server.
func (s Settings) APIURL(name string) (string, error) {
	u, err := s.serverURL()
	if err != nil {
		return "", err
	}
	base := strings.TrimSuffix(u.Path, "/")
	out := url.URL{
		Scheme: u.Scheme,
		Host:   u.Host,
		Path:   base + "/api/" + strings.TrimPrefix(name, "/"),
	}
	return out.String(), nil
}
