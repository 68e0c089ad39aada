package cmds

import (
	"io"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/logchat/pkg/config"
	"github.com/go-go-golems/logchat/pkg/logging"
)

const envPrefix = "LOGCHAT"

// AddSettingsFlags registers the settings flags as persistent flags of root.
func AddSettingsFlags(root *cobra.Command) {
	d := config.Default()
	f := root.PersistentFlags()
	f.String("config", "", "YAML settings file")
	f.String("server", d.Server, "Backend base URL")
	f.String("ws-host", "", "Streaming endpoint host (defaults to the server host)")
	f.String("ws-port", "", "Streaming endpoint port (defaults to the server port, then 8080)")
	f.Bool("secure", false, "Use wss:// even for a plain http server")
	f.String("model", d.Model, "Model selector sent with every question")
	f.Int("max-reconnects", d.MaxReconnects, "Automatic reconnection attempts before giving up")
	f.Duration("reconnect-base-delay", d.ReconnectBaseDelay, "First reconnection delay, doubled on every attempt")
	f.Duration("response-timeout", d.ResponseTimeout, "Give up on a reply after this long without activity (0 disables)")
	f.String("log-level", d.LogLevel, "Log level (trace, debug, info, warn, error)")
	f.String("log-format", d.LogFormat, "Log format (console, json)")
	f.String("log-file", "", "Write logs to this rotated file instead of stderr")
}

// LoadSettings resolves the settings for cmd. Flags win over LOGCHAT_*
// environment variables, which win over the config file, which wins over the
// defaults.
func LoadSettings(cmd *cobra.Command) (config.Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return config.Settings{}, errors.Wrap(err, "bind flags")
	}

	s, err := config.Load(v.GetString("config"))
	if err != nil {
		return s, err
	}

	if v.IsSet("server") {
		s.Server = v.GetString("server")
	}
	if v.IsSet("ws-host") {
		s.WSHost = v.GetString("ws-host")
	}
	if v.IsSet("ws-port") {
		s.WSPort = v.GetString("ws-port")
	}
	if v.IsSet("secure") {
		s.Secure = v.GetBool("secure")
	}
	if v.IsSet("model") {
		s.Model = v.GetString("model")
	}
	if v.IsSet("max-reconnects") {
		s.MaxReconnects = v.GetInt("max-reconnects")
	}
	if v.IsSet("reconnect-base-delay") {
		s.ReconnectBaseDelay = v.GetDuration("reconnect-base-delay")
	}
	if v.IsSet("response-timeout") {
		s.ResponseTimeout = v.GetDuration("response-timeout")
	}
	if v.IsSet("log-level") {
		s.LogLevel = v.GetString("log-level")
	}
	if v.IsSet("log-format") {
		s.LogFormat = v.GetString("log-format")
	}
	if v.IsSet("log-file") {
		s.LogFile = v.GetString("log-file")
	}

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// InitLogging installs the global logger for s.
func InitLogging(s config.Settings) (io.Closer, error) {
	return logging.Init(logging.Settings{
		Level:  s.LogLevel,
		Format: s.LogFormat,
		File:   s.LogFile,
	})
}

const defaultTUILogFile = "~/.logchat/logchat.log"

// prepare loads the settings and installs logging. Commands that own the
// terminal log to a file unless one was configured.
func prepare(cmd *cobra.Command, ownsTerminal bool) (config.Settings, io.Closer, error) {
	s, err := LoadSettings(cmd)
	if err != nil {
		return s, nil, err
	}
	if ownsTerminal && strings.TrimSpace(s.LogFile) == "" {
		p, err := homedir.Expand(defaultTUILogFile)
		if err != nil {
			return s, nil, errors.Wrap(err, "resolve log file")
		}
		s.LogFile = p
	}
	closer, err := InitLogging(s)
	if err != nil {
		return s, nil, err
	}
	return s, closerOrNop(closer), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func closerOrNop(c io.Closer) io.Closer {
	if c == nil {
		return nopCloser{}
	}
	return c
}
