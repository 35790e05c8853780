package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/revsync/am"
	"github.com/teranos/revsync/errors"
	"github.com/teranos/revsync/logger"
	"github.com/teranos/revsync/sym"
	"github.com/teranos/revsync/vcs"
)

// LogCmd shows the local revision tree.
var LogCmd = &cobra.Command{
	Use:   "log",
	Short: sym.Revision + " Show the local revision tree",
	Long: sym.Revision + ` log - Show the local revision tree

  ` + sym.Revision + `  complete revision
  ` + sym.Shallow + `  shallow revision (payload not fetched yet)
  ` + sym.Head + `  current head

Examples:
  revsync log                  # Tree view
  revsync log --format yaml    # Revision list as YAML
  revsync log --format json    # Revision list as JSON`,
	RunE: runLog,
}

var logFormat string

func init() {
	LogCmd.Flags().StringVar(&logFormat, "format", "tree", "Output format: tree, yaml, json")
	LogCmd.Flags().StringVar(&projectFlag, "project", "", "Project id (default: sync.project_id)")
}

// logEntry is one revision in yaml and json output.
type logEntry struct {
	ID        string `json:"id" yaml:"id"`
	ParentID  string `json:"parentId,omitempty" yaml:"parent_id,omitempty"`
	Message   string `json:"message" yaml:"message"`
	Timestamp string `json:"timestamp" yaml:"timestamp"`
	Shallow   bool   `json:"shallow,omitempty" yaml:"shallow,omitempty"`
	Head      bool   `json:"head,omitempty" yaml:"head,omitempty"`
	Size      int    `json:"size" yaml:"size"`
}

func runLog(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	id, err := projectID(cfg)
	if err != nil {
		return err
	}
	local, err := openLocal(cmd.Context(), cfg, id, logger.Logger.Named("log"))
	if err != nil {
		return err
	}
	defer local.Close()

	return writeLog(cmd.OutOrStdout(), id, local.store, logFormat)
}

func writeLog(w io.Writer, projectID string, store *vcs.Store, format string) error {
	switch format {
	case "tree":
		out, err := renderTree(projectID, store)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, out)
		return err
	case "json":
		data, err := json.MarshalIndent(logEntries(store), "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal log to JSON")
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		data, err := yaml.Marshal(logEntries(store))
		if err != nil {
			return errors.Wrap(err, "failed to marshal log to YAML")
		}
		_, err = w.Write(data)
		return err
	default:
		return errors.Newf("unsupported format: %s (supported: tree, yaml, json)", format)
	}
}

func logEntries(store *vcs.Store) []logEntry {
	head := store.CurrentHead()
	revs := store.Revisions()
	out := make([]logEntry, 0, len(revs))
	for _, r := range revs {
		out = append(out, logEntry{
			ID:        r.ID,
			ParentID:  r.ParentID,
			Message:   r.Message,
			Timestamp: r.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
			Shallow:   r.IsShallow(),
			Head:      r.ID == head,
			Size:      len(r.Payload),
		})
	}
	return out
}

// renderTree draws the forest with pterm, siblings ordered by timestamp.
func renderTree(projectID string, store *vcs.Store) (string, error) {
	head := store.CurrentHead()

	var build func(ids []string) ([]pterm.TreeNode, error)
	build = func(ids []string) ([]pterm.TreeNode, error) {
		revs := make(map[string]vcs.Revision, len(ids))
		descs := make([]vcs.Descriptor, 0, len(ids))
		for _, id := range ids {
			r, err := store.Get(id)
			if err != nil {
				return nil, err
			}
			revs[id] = r
			descs = append(descs, r.Descriptor())
		}
		vcs.SortDescriptors(descs)

		nodes := make([]pterm.TreeNode, 0, len(descs))
		for _, d := range descs {
			r := revs[d.ID]
			children, err := build(r.Children())
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, pterm.TreeNode{Text: revisionLine(r, r.ID == head), Children: children})
		}
		return nodes, nil
	}

	children, err := build(store.Roots())
	if err != nil {
		return "", err
	}
	root := pterm.TreeNode{
		Text:     fmt.Sprintf("%s (%d revisions)", projectID, store.Len()),
		Children: children,
	}
	return pterm.DefaultTree.WithRoot(root).Srender()
}

func revisionLine(r vcs.Revision, head bool) string {
	return fmt.Sprintf("%s %s  %s  %s",
		sym.ForRevision(r.IsShallow(), head),
		shortID(r.ID),
		r.Timestamp.UTC().Format("2006-01-02 15:04"),
		r.Message,
	)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
