package main

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/ipc"
	"github.com/neul-labs/grit/internal/types"
)

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Create and inspect issues",
}

var (
	createBody   string
	createLabels []string
)

var issueCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a new issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := execCommand(true, ipc.OpIssueCreate, ipc.IssueCreateArgs{
			Title:  args[0],
			Body:   createBody,
			Labels: createLabels,
		})
		if err != nil {
			return err
		}
		printResult(raw, func(raw json.RawMessage) {
			var e types.Event
			if json.Unmarshal(raw, &e) == nil {
				okf("created issue %s (event %s)", e.IssueID, e.EventID)
			}
		})
		return nil
	},
}

var (
	listState string
	listLabel string
	listSort  string
)

var issueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issues",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := execCommand(false, ipc.OpIssueList, ipc.IssueListArgs{
			State: listState,
			Label: listLabel,
			Sort:  listSort,
		})
		if err != nil {
			return err
		}
		printResult(raw, func(raw json.RawMessage) {
			var summaries []types.IssueSummary
			if json.Unmarshal(raw, &summaries) != nil {
				printJSON(raw)
				return
			}
			if len(summaries) == 0 {
				fmt.Println("no issues")
				return
			}
			for _, s := range summaries {
				labels := ""
				if len(s.Labels) > 0 {
					labels = " [" + strings.Join(s.Labels, ",") + "]"
				}
				fmt.Printf("%s  %-6s %s%s\n", s.IssueID, s.State, s.Title, labels)
			}
		})
		return nil
	},
}

var issueShowCmd = &cobra.Command{
	Use:   "show <issue-id>",
	Short: "Show one issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := execCommand(false, ipc.OpIssueShow, ipc.IssueShowArgs{IssueID: args[0]})
		if err != nil {
			return err
		}
		printResult(raw, func(raw json.RawMessage) {
			var p types.IssueProjection
			if json.Unmarshal(raw, &p) != nil {
				printJSON(raw)
				return
			}
			fmt.Printf("%s (%s)\n", p.Title, p.State)
			fmt.Printf("id: %s\n", p.IssueID)
			if len(p.Labels) > 0 {
				fmt.Printf("labels: %s\n", strings.Join(p.Labels, ", "))
			}
			if len(p.Assignees) > 0 {
				fmt.Printf("assignees: %s\n", strings.Join(p.Assignees, ", "))
			}
			if p.Body != "" {
				fmt.Printf("\n%s\n", p.Body)
			}
			for _, c := range p.Comments {
				fmt.Printf("\n[%s] %s:\n  %s\n", formatMs(c.TsUnixMs), c.Actor, c.Body)
			}
			for _, l := range p.Links {
				fmt.Printf("link: %s\n", l.URL)
			}
			for _, d := range p.Dependencies {
				fmt.Printf("dep: %s %s\n", d.DepType, d.Target)
			}
		})
		return nil
	},
}

var issueEventsCmd = &cobra.Command{
	Use:   "events <issue-id>",
	Short: "List the raw events of one issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := execCommand(false, ipc.OpIssueEvents, ipc.IssueShowArgs{IssueID: args[0]})
		if err != nil {
			return err
		}
		printResult(raw, nil)
		return nil
	},
}

var (
	updateTitle string
	updateBody  string
)

var issueUpdateCmd = &cobra.Command{
	Use:   "update <issue-id>",
	Short: "Update title or body",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		updateArgs := ipc.IssueUpdateArgs{IssueID: args[0]}
		if cmd.Flags().Changed("title") {
			updateArgs.Title = &updateTitle
		}
		if cmd.Flags().Changed("body") {
			updateArgs.Body = &updateBody
		}
		raw, err := execCommand(true, ipc.OpIssueUpdate, updateArgs)
		if err != nil {
			return err
		}
		printResult(raw, func(json.RawMessage) { okf("updated") })
		return nil
	},
}

var issueCommentCmd = &cobra.Command{
	Use:   "comment <issue-id> <body>",
	Short: "Add a comment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := execCommand(true, ipc.OpIssueComment, ipc.IssueCommentArgs{IssueID: args[0], Body: args[1]})
		if err != nil {
			return err
		}
		printResult(raw, func(json.RawMessage) { okf("comment added") })
		return nil
	},
}

var issueCloseCmd = &cobra.Command{
	Use:   "close <issue-id>",
	Short: "Close an issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := execCommand(true, ipc.OpIssueClose, ipc.IssueStateArgs{IssueID: args[0]})
		if err != nil {
			return err
		}
		printResult(raw, func(json.RawMessage) { okf("closed") })
		return nil
	},
}

var issueReopenCmd = &cobra.Command{
	Use:   "reopen <issue-id>",
	Short: "Reopen an issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := execCommand(true, ipc.OpIssueReopen, ipc.IssueStateArgs{IssueID: args[0]})
		if err != nil {
			return err
		}
		printResult(raw, func(json.RawMessage) { okf("reopened") })
		return nil
	},
}

var (
	labelAdd    []string
	labelRemove []string
)

var issueLabelCmd = &cobra.Command{
	Use:   "label <issue-id>",
	Short: "Add or remove labels",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := execCommand(true, ipc.OpIssueLabel, ipc.IssueLabelArgs{
			IssueID: args[0], Add: labelAdd, Remove: labelRemove,
		})
		if err != nil {
			return err
		}
		printResult(raw, func(json.RawMessage) { okf("labels updated") })
		return nil
	},
}

var (
	assigneeAdd    []string
	assigneeRemove []string
)

var issueAssigneeCmd = &cobra.Command{
	Use:   "assignee <issue-id>",
	Short: "Add or remove assignees",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := execCommand(true, ipc.OpIssueAssign, ipc.IssueAssignArgs{
			IssueID: args[0], Add: assigneeAdd, Remove: assigneeRemove,
		})
		if err != nil {
			return err
		}
		printResult(raw, func(json.RawMessage) { okf("assignees updated") })
		return nil
	},
}

var linkNote string

var issueLinkCmd = &cobra.Command{
	Use:   "link <issue-id> <url>",
	Short: "Attach a URL",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		linkArgs := ipc.IssueLinkArgs{IssueID: args[0], URL: args[1]}
		if cmd.Flags().Changed("note") {
			linkArgs.Note = &linkNote
		}
		raw, err := execCommand(true, ipc.OpIssueLink, linkArgs)
		if err != nil {
			return err
		}
		printResult(raw, func(json.RawMessage) { okf("link added") })
		return nil
	},
}

var issueAttachCmd = &cobra.Command{
	Use:   "attach <issue-id> <file>",
	Short: "Record a file attachment by content hash",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := os.ReadFile(args[1])
		if err != nil {
			return errs.Wrap(errs.IO, err, "reading %s", args[1])
		}
		sum := sha256.Sum256(content)
		mimeType := mime.TypeByExtension(filepath.Ext(args[1]))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		raw, err := execCommand(true, ipc.OpIssueAttach, ipc.IssueAttachArgs{
			IssueID: args[0],
			Name:    filepath.Base(args[1]),
			SHA256:  types.Hash32(sum).String(),
			Mime:    mimeType,
		})
		if err != nil {
			return err
		}
		printResult(raw, func(json.RawMessage) { okf("attachment recorded") })
		return nil
	},
}

var depType string

var issueDepCmd = &cobra.Command{
	Use:   "dep",
	Short: "Manage dependencies",
}

var issueDepAddCmd = &cobra.Command{
	Use:   "add <issue-id> <target-id>",
	Short: "Add a dependency edge",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := execCommand(true, ipc.OpDepAdd, ipc.DepArgs{
			IssueID: args[0], Target: args[1], DepType: depType,
		})
		if err != nil {
			return err
		}
		printResult(raw, func(json.RawMessage) { okf("dependency added") })
		return nil
	},
}

var issueDepRemoveCmd = &cobra.Command{
	Use:   "remove <issue-id> <target-id>",
	Short: "Remove a dependency edge",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := execCommand(true, ipc.OpDepRemove, ipc.DepArgs{
			IssueID: args[0], Target: args[1], DepType: depType,
		})
		if err != nil {
			return err
		}
		printResult(raw, func(json.RawMessage) { okf("dependency removed") })
		return nil
	},
}

func init() {
	issueCreateCmd.Flags().StringVar(&createBody, "body", "", "issue body")
	issueCreateCmd.Flags().StringSliceVar(&createLabels, "label", nil, "initial labels")
	issueListCmd.Flags().StringVar(&listState, "state", "", "filter by state (open|closed)")
	issueListCmd.Flags().StringVar(&listLabel, "label", "", "filter by label")
	issueListCmd.Flags().StringVar(&listSort, "sort", "", "sort order (topo)")
	issueUpdateCmd.Flags().StringVar(&updateTitle, "title", "", "new title")
	issueUpdateCmd.Flags().StringVar(&updateBody, "body", "", "new body")
	issueLabelCmd.Flags().StringSliceVar(&labelAdd, "add", nil, "labels to add")
	issueLabelCmd.Flags().StringSliceVar(&labelRemove, "remove", nil, "labels to remove")
	issueAssigneeCmd.Flags().StringSliceVar(&assigneeAdd, "add", nil, "assignees to add")
	issueAssigneeCmd.Flags().StringSliceVar(&assigneeRemove, "remove", nil, "assignees to remove")
	issueLinkCmd.Flags().StringVar(&linkNote, "note", "", "note for the link")
	issueDepCmd.PersistentFlags().StringVar(&depType, "type", "depends_on", "dependency type (blocks|depends_on|related_to)")

	issueDepCmd.AddCommand(issueDepAddCmd, issueDepRemoveCmd)
	issueCmd.AddCommand(
		issueCreateCmd, issueListCmd, issueShowCmd, issueEventsCmd,
		issueUpdateCmd, issueCommentCmd, issueCloseCmd, issueReopenCmd,
		issueLabelCmd, issueAssigneeCmd, issueLinkCmd, issueAttachCmd,
		issueDepCmd,
	)
	rootCmd.AddCommand(issueCmd)
}

func formatMs(ms uint64) string {
	return time.UnixMilli(int64(ms)).Local().Format("2006-01-02 15:04")
}
