package cmds

import (
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/logchat/pkg/backend"
)

func NewHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show the analysis service health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closer, err := prepare(cmd, false)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			bc, err := backend.New(s)
			if err != nil {
				return err
			}
			hs, err := bc.Health(cmd.Context())
			if err != nil {
				return err
			}
			printHealth(cmd.OutOrStdout(), hs)
			if !hs.Healthy() {
				return errors.Wrapf(backend.ErrHealthFailed, "service reports %q", hs.Status)
			}
			return nil
		},
	}
}

func printHealth(w io.Writer, hs *backend.HealthStatus) {
	_, _ = fmt.Fprintf(w, "status: %s\n", hs.Status)
	names := make([]string, 0, len(hs.Services))
	for name := range hs.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "  %-10s %s\n", name, hs.Services[name])
	}
}
