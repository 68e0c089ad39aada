package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/go-go-golems/logchat/pkg/backend"
	"github.com/go-go-golems/logchat/pkg/config"
	"github.com/go-go-golems/logchat/pkg/connection"
	"github.com/go-go-golems/logchat/pkg/session"
	"github.com/go-go-golems/logchat/pkg/transcript"
	"github.com/go-go-golems/logchat/pkg/ui"
)

// ErrAssistant is returned when the assistant answers with an error or never
// finishes its reply.
var ErrAssistant = errors.New("assistant did not answer")

type askOptions struct {
	File           string
	Markdown       bool
	Evidence       bool
	ConnectTimeout time.Duration
}

func NewAskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a single question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closer, err := prepare(cmd, false)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			opts := askOptions{}
			opts.File, _ = cmd.Flags().GetString("file")
			opts.Evidence, _ = cmd.Flags().GetBool("evidence")
			opts.ConnectTimeout, _ = cmd.Flags().GetDuration("connect-timeout")
			plain, _ := cmd.Flags().GetBool("plain")
			opts.Markdown = !plain && isTerminal(cmd.OutOrStdout())

			question := strings.Join(args, " ")
			return runAsk(cmd.Context(), s, question, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().String("file", "", "Upload this log first and ground the question on it")
	cmd.Flags().Bool("plain", false, "Stream the raw reply instead of rendering markdown")
	cmd.Flags().Bool("evidence", false, "Print the evidence snippets the answer is based on")
	cmd.Flags().Duration("connect-timeout", 30*time.Second, "Give up if the connection is not open after this long")
	return cmd
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// renderMarkdown styles s for the terminal behind w, wrapped to its width.
func renderMarkdown(s string, w io.Writer) string {
	width := 80
	if f, ok := w.(*os.File); ok {
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 0 {
			width = cols
		}
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(ui.MarkdownStyle()),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return s
	}
	out, err := r.Render(s)
	if err != nil {
		return s
	}
	return out
}

func runAsk(ctx context.Context, s config.Settings, question string, opts askOptions, out, errOut io.Writer) error {
	bridge := ui.NewBridge()
	client, err := session.NewClient(s, session.ClientOptions{
		OnChange: bridge.TranscriptChanged,
		OnStatus: bridge.Status,
	})
	if err != nil {
		return err
	}
	defer client.Session.Close()

	if opts.File != "" {
		if err := uploadForSession(ctx, s, client.Session, opts.File, errOut); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	msgs := make(chan tea.Msg, 64)
	g.Go(func() error {
		return client.Manager.Run(gctx)
	})
	g.Go(func() error {
		return bridge.Run(gctx, func(msg tea.Msg) {
			select {
			case msgs <- msg:
			case <-gctx.Done():
			}
		})
	})
	g.Go(func() error {
		defer cancel()
		c := &conversation{client: client, question: question, opts: opts, out: out, printed: map[string]int{}}
		return c.run(gctx, msgs)
	})

	client.Manager.Connect()
	return g.Wait()
}

func uploadForSession(ctx context.Context, s config.Settings, sess *session.Session, path string, errOut io.Writer) error {
	bc, err := backend.New(s)
	if err != nil {
		return err
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return errors.Wrapf(err, "expand %s", path)
	}
	f, err := os.Open(expanded)
	if err != nil {
		return errors.Wrapf(err, "open %s", expanded)
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", expanded)
	}

	res, err := bc.Upload(ctx, expanded, f)
	if err != nil {
		return err
	}
	sess.AcknowledgeUpload(filepath.Base(expanded), fi.Size(), res)
	v := sess.Transcript().Snapshot()
	if n := len(v.Turns); n > 0 {
		_, _ = fmt.Fprintln(errOut, v.Turns[n-1].Content)
	}
	return nil
}

// conversation drives one question through the session and prints the
// reply.
type conversation struct {
	client   *session.Client
	question string
	opts     askOptions
	out      io.Writer

	submitted bool
	userIdx   int
	printed   map[string]int
}

func (c *conversation) run(ctx context.Context, msgs <-chan tea.Msg) error {
	var connectDeadline <-chan time.Time
	if c.opts.ConnectTimeout > 0 {
		timer := time.NewTimer(c.opts.ConnectTimeout)
		defer timer.Stop()
		connectDeadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-connectDeadline:
			return errors.Errorf("connection to %s not open after %s", c.client.Manager.Endpoint(), c.opts.ConnectTimeout)

		case msg := <-msgs:
			switch msg := msg.(type) {
			case ui.StatusMsg:
				st := connection.Status(msg)
				if st.GaveUp {
					return errors.Wrap(st.Err, "backend unreachable")
				}
				if st.State == connection.Open && !c.submitted {
					if !c.client.Session.Submit(c.question) {
						return errors.New("question is empty")
					}
					c.submitted = true
					c.userIdx = c.client.Transcript.Len() - 1
					connectDeadline = nil
					log.Debug().Str("session_id", c.client.Session.ID()).Msg("question sent")
				}

			case ui.TranscriptChangedMsg:
				if !c.submitted {
					continue
				}
				v := c.client.Transcript.Snapshot()
				if !c.opts.Markdown {
					c.stream(v)
				}
				if !v.Loading {
					return c.finish(v)
				}
			}
		}
	}
}

func (c *conversation) replies(v transcript.View) []transcript.Turn {
	var out []transcript.Turn
	for i := c.userIdx + 1; i < len(v.Turns); i++ {
		if v.Turns[i].Role == transcript.RoleAssistant {
			out = append(out, v.Turns[i])
		}
	}
	return out
}

// stream prints content that arrived since the last call.
func (c *conversation) stream(v transcript.View) {
	for _, turn := range c.replies(v) {
		done := c.printed[turn.ID]
		if len(turn.Content) > done {
			_, _ = io.WriteString(c.out, turn.Content[done:])
			c.printed[turn.ID] = len(turn.Content)
		}
	}
}

func (c *conversation) finish(v transcript.View) error {
	var reply strings.Builder
	for i, turn := range c.replies(v) {
		if i > 0 {
			reply.WriteString("\n\n")
		}
		reply.WriteString(turn.Content)
	}

	if c.opts.Markdown && reply.Len() > 0 {
		_, _ = io.WriteString(c.out, renderMarkdown(reply.String(), c.out))
	} else if reply.Len() > 0 {
		_, _ = io.WriteString(c.out, "\n")
	}

	if c.opts.Evidence && len(v.Evidence) > 0 {
		_, _ = fmt.Fprintf(c.out, "\nEvidence:\n")
		for _, r := range v.Evidence {
			_, _ = fmt.Fprintf(c.out, "  [%.2f] %s\n", r.Score, strings.Join(strings.Fields(r.Text), " "))
		}
	}

	if v.LastError != "" {
		return errors.Wrap(ErrAssistant, v.LastError)
	}
	return nil
}
