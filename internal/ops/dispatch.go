package ops

import (
	"encoding/json"

	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/export"
	"github.com/neul-labs/grit/internal/ipc"
	"github.com/neul-labs/grit/internal/store"
	"github.com/neul-labs/grit/internal/types"
)

// Dispatch executes one IPC command against an Ops instance. The daemon
// worker and the CLI local path both run through this table, so local and
// tunneled execution cannot drift apart.
//
// Sync and snapshot are worker-local git operations only when the worker
// carries a git handle; this dispatcher never does, so they are refused
// and clients fall back to local execution.
func Dispatch(o *Ops, cmd ipc.Command) (interface{}, error) {
	switch cmd.Op {
	case ipc.OpPing:
		return map[string]string{"message": "pong"}, nil

	case ipc.OpIssueCreate:
		var args ipc.IssueCreateArgs
		if err := decodeArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		return o.CreateIssue(args.Title, args.Body, args.Labels)

	case ipc.OpIssueList:
		var args ipc.IssueListArgs
		if err := decodeArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		filter := store.IssueFilter{}
		if args.State != "" {
			state, err := types.ParseIssueState(args.State)
			if err != nil {
				return nil, err
			}
			filter.State = &state
		}
		if args.Label != "" {
			filter.Label = &args.Label
		}
		if args.Sort == "topo" {
			return o.Store.TopologicalOrder(filter)
		}
		return o.Store.ListIssues(filter)

	case ipc.OpIssueShow:
		var args ipc.IssueShowArgs
		if err := decodeArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		id, err := types.ParseIssueID(args.IssueID)
		if err != nil {
			return nil, err
		}
		return o.Store.GetIssue(id)

	case ipc.OpIssueEvents:
		var args ipc.IssueShowArgs
		if err := decodeArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		id, err := types.ParseIssueID(args.IssueID)
		if err != nil {
			return nil, err
		}
		return o.Store.GetIssueEvents(id)

	case ipc.OpIssueUpdate:
		var args ipc.IssueUpdateArgs
		if err := decodeArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		id, err := types.ParseIssueID(args.IssueID)
		if err != nil {
			return nil, err
		}
		return o.UpdateIssue(id, args.Title, args.Body)

	case ipc.OpIssueComment:
		var args ipc.IssueCommentArgs
		if err := decodeArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		id, err := types.ParseIssueID(args.IssueID)
		if err != nil {
			return nil, err
		}
		return o.Comment(id, args.Body)

	case ipc.OpIssueClose, ipc.OpIssueReopen:
		var args ipc.IssueStateArgs
		if err := decodeArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		id, err := types.ParseIssueID(args.IssueID)
		if err != nil {
			return nil, err
		}
		state := types.StateClosed
		if cmd.Op == ipc.OpIssueReopen {
			state = types.StateOpen
		}
		return o.SetState(id, state)

	case ipc.OpIssueLabel:
		var args ipc.IssueLabelArgs
		if err := decodeArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		id, err := types.ParseIssueID(args.IssueID)
		if err != nil {
			return nil, err
		}
		return o.Label(id, args.Add, args.Remove)

	case ipc.OpIssueAssign:
		var args ipc.IssueAssignArgs
		if err := decodeArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		id, err := types.ParseIssueID(args.IssueID)
		if err != nil {
			return nil, err
		}
		return o.Assign(id, args.Add, args.Remove)

	case ipc.OpIssueLink:
		var args ipc.IssueLinkArgs
		if err := decodeArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		id, err := types.ParseIssueID(args.IssueID)
		if err != nil {
			return nil, err
		}
		return o.Link(id, args.URL, args.Note)

	case ipc.OpIssueAttach:
		var args ipc.IssueAttachArgs
		if err := decodeArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		id, err := types.ParseIssueID(args.IssueID)
		if err != nil {
			return nil, err
		}
		var sha types.Hash32
		if err := sha.UnmarshalText([]byte(args.SHA256)); err != nil {
			return nil, err
		}
		return o.Attach(id, args.Name, sha, args.Mime)

	case ipc.OpDepAdd, ipc.OpDepRemove:
		var args ipc.DepArgs
		if err := decodeArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		id, err := types.ParseIssueID(args.IssueID)
		if err != nil {
			return nil, err
		}
		target, err := types.ParseIssueID(args.Target)
		if err != nil {
			return nil, err
		}
		depType, err := types.ParseDependencyType(args.DepType)
		if err != nil {
			return nil, err
		}
		if cmd.Op == ipc.OpDepAdd {
			return o.AddDependency(id, target, depType)
		}
		return o.RemoveDependency(id, target, depType)

	case ipc.OpContextFile:
		var args ipc.ContextFileArgs
		if err := decodeArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		return o.Store.GetFileContext(args.Path)

	case ipc.OpContextSet:
		var args ipc.ContextSetArgs
		if err := decodeArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		return o.SetProjectContext(args.Key, args.Value)

	case ipc.OpSymbolQuery:
		var args ipc.SymbolQueryArgs
		if err := decodeArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		return o.Store.QuerySymbols(args.Prefix)

	case ipc.OpDbStats:
		return o.Store.Stats()

	case ipc.OpRebuild:
		return o.Store.Rebuild()

	case ipc.OpExport:
		var args ipc.ExportArgs
		if err := decodeArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		since, err := export.ParseSince(args.Since)
		if err != nil {
			return nil, err
		}
		switch args.Format {
		case "", "json":
			return export.JSON(o.Store, since)
		case "markdown":
			return export.Markdown(o.Store, since)
		}
		return nil, errs.New(errs.InvalidArgs, "unknown export format %q", args.Format)

	case ipc.OpSync, ipc.OpSnapshot:
		return nil, errs.New(errs.Internal, "%s is not available through the daemon; run locally", cmd.Op)
	}
	return nil, errs.New(errs.InvalidArgs, "unknown operation %q", cmd.Op)
}

func decodeArgs(raw json.RawMessage, out interface{}) error {
	if raw == nil {
		return errs.New(errs.InvalidArgs, "missing command arguments")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Wrap(errs.InvalidArgs, err, "decoding command arguments")
	}
	return nil
}
