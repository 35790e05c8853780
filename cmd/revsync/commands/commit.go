package commands

import (
	"io"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/revsync/am"
	"github.com/teranos/revsync/errors"
	"github.com/teranos/revsync/logger"
	"github.com/teranos/revsync/sym"
)

// CommitCmd records a new local revision.
var CommitCmd = &cobra.Command{
	Use:   "commit [file]",
	Short: sym.Revision + " Record a new local revision",
	Long: sym.Revision + ` commit - Record a new local revision

The payload is read from the given file, or from stdin when no file is
given. The revision is attached under the current head (or --parent) and
becomes the new head. Nothing is sent to the remote until the next sync.

Examples:
  revsync commit -m "first draft" draft.txt
  echo hello | revsync commit -m "greeting"
  revsync commit -m "alternative" --parent 1b2c... alt.txt
  revsync commit -m "new root" --root notes.txt`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCommit,
}

var (
	commitMessage string
	commitParent  string
	commitRoot    bool
)

func init() {
	CommitCmd.Flags().StringVarP(&commitMessage, "message", "m", "", "Revision message (required)")
	CommitCmd.Flags().StringVar(&commitParent, "parent", "", "Parent revision (default: current head)")
	CommitCmd.Flags().BoolVar(&commitRoot, "root", false, "Start a new root revision")
	CommitCmd.Flags().StringVar(&projectFlag, "project", "", "Project id (default: sync.project_id)")
	_ = CommitCmd.MarkFlagRequired("message")
}

func runCommit(cmd *cobra.Command, args []string) error {
	if commitRoot && commitParent != "" {
		return errors.NewInvalidRequestError("--root and --parent are mutually exclusive")
	}

	var payload []byte
	var err error
	if len(args) == 1 {
		payload, err = os.ReadFile(args[0])
	} else {
		payload, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return errors.Wrap(err, "read payload")
	}

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	id, err := projectID(cfg)
	if err != nil {
		return err
	}
	log := logger.Logger.Named("commit")

	local, err := openLocal(cmd.Context(), cfg, id, log)
	if err != nil {
		return err
	}

	parent := commitParent
	if parent == "" && !commitRoot {
		parent = local.store.CurrentHead()
	}
	rev, err := local.store.Commit(parent, commitMessage, payload)
	if err != nil {
		local.Close()
		return err
	}
	if err := local.Close(); err != nil {
		return err
	}

	log.Infow(sym.Revision+" Committed revision",
		logger.FieldProjectID, id,
		logger.FieldRevisionID, rev.ID,
		logger.FieldParentID, rev.ParentID,
		logger.FieldSize, len(rev.Payload),
	)
	pterm.Success.Printfln("%s %s %s", sym.Head, rev.ID, rev.Message)
	return nil
}
