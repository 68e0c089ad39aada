package cmds

import (
	"context"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/logchat/pkg/backend"
	"github.com/go-go-golems/logchat/pkg/config"
	"github.com/go-go-golems/logchat/pkg/session"
	"github.com/go-go-golems/logchat/pkg/ui"
)

func NewChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the log analysis assistant in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isatty.IsTerminal(os.Stdin.Fd()) || !isatty.IsTerminal(os.Stdout.Fd()) {
				return errors.New("chat needs an interactive terminal, use ask for scripted questions")
			}
			s, closer, err := prepare(cmd, true)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			plain, _ := cmd.Flags().GetBool("plain")
			return runChat(cmd.Context(), s, !plain)
		},
	}
	cmd.Flags().Bool("plain", false, "Show assistant replies as plain text instead of rendered markdown")
	return cmd
}

func runChat(ctx context.Context, s config.Settings, markdown bool) error {
	bridge := ui.NewBridge()
	client, err := session.NewClient(s, session.ClientOptions{
		OnChange: bridge.TranscriptChanged,
		OnStatus: bridge.Status,
	})
	if err != nil {
		return err
	}
	defer client.Session.Close()

	bc, err := backend.New(s)
	if err != nil {
		return err
	}

	log.Info().
		Str("client_id", client.ClientID).
		Str("session_id", client.Session.ID()).
		Str("endpoint", client.Manager.Endpoint()).
		Msg("starting chat")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	model := ui.New(client.Session, client.Manager, ui.WithBackend(bc), ui.WithMarkdown(markdown))
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(gctx))

	g.Go(func() error {
		return client.Manager.Run(gctx)
	})
	g.Go(func() error {
		return bridge.Run(gctx, p.Send)
	})
	g.Go(func() error {
		defer cancel()
		_, err := p.Run()
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return err
	})

	client.Manager.Connect()
	return g.Wait()
}
