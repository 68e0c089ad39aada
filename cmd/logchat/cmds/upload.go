package cmds

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/logchat/pkg/backend"
	"github.com/go-go-golems/logchat/pkg/session"
)

func NewUploadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a log to the analysis service",
		Args:  cobra.ExactArgs(1),
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
			asJSON, _ := cmd.Flags().GetBool("json")

			path, err := homedir.Expand(args[0])
			if err != nil {
				return errors.Wrapf(err, "expand %s", args[0])
			}
			f, err := os.Open(path)
			if err != nil {
				return errors.Wrapf(err, "open %s", path)
			}
			defer func() { _ = f.Close() }()

			res, err := bc.Upload(cmd.Context(), path, f)
			if err != nil {
				return err
			}
			return printUpload(cmd.OutOrStdout(), res, asJSON)
		},
	}
	cmd.Flags().Bool("json", false, "Print the service response as JSON")
	return cmd
}

func printUpload(w io.Writer, res *backend.UploadResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	_, err := fmt.Fprintf(w, "file_id:   %s\nfilename:  %s\nsize:      %s\nchunks:    %d\nfile_type: %s\nstatus:    %s\n",
		res.FileID, res.Filename, session.HumanSize(res.Size), res.Chunks, res.FileType, res.Status)
	return err
}
