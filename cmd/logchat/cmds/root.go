package cmds

import (
	"github.com/spf13/cobra"
)

// NewRootCommand builds the logchat command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "logchat",
		Short:         "logchat is a terminal client for the ANR and tombstone analysis assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	AddSettingsFlags(root)
	root.AddCommand(
		NewChatCommand(),
		NewAskCommand(),
		NewUploadCommand(),
		NewHealthCommand(),
	)
	return root
}
