// Package ipc defines the daemon wire protocol: schema-versioned
// request/response envelopes over newline-delimited JSON on a unix socket,
// a typed notification stream, and the daemon lease lock.
package ipc

import (
	"encoding/json"

	"github.com/neul-labs/grit/internal/errs"
)

// SchemaVersion of the IPC envelopes. Mismatches are rejected before any
// further parsing.
const SchemaVersion uint32 = 1

// Operation names, a closed tagged union mirroring the store and WAL
// operations. Lock operations have no daemon operation.
const (
	OpIssueCreate  = "issue_create"
	OpIssueList    = "issue_list"
	OpIssueShow    = "issue_show"
	OpIssueUpdate  = "issue_update"
	OpIssueComment = "issue_comment"
	OpIssueClose   = "issue_close"
	OpIssueReopen  = "issue_reopen"
	OpIssueLabel   = "issue_label"
	OpIssueAssign  = "issue_assign"
	OpIssueLink    = "issue_link"
	OpIssueAttach  = "issue_attach"
	OpIssueEvents  = "issue_events"
	OpDepAdd       = "dep_add"
	OpDepRemove    = "dep_remove"
	OpContextFile  = "context_file"
	OpContextSet   = "context_set"
	OpSymbolQuery  = "symbol_query"
	OpDbStats      = "db_stats"
	OpRebuild      = "rebuild"
	OpExport       = "export"
	OpSync         = "sync"
	OpSnapshot     = "snapshot"
	OpDaemonStatus = "daemon_status"
	OpDaemonStop   = "daemon_stop"
	OpPing         = "ping"
)

// Command pairs an operation with its JSON arguments.
type Command struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Request is the client-to-daemon envelope.
type Request struct {
	IpcSchemaVersion uint32  `json:"ipc_schema_version"`
	RequestID        string  `json:"request_id"`
	RepoRoot         string  `json:"repo_root"`
	ActorID          string  `json:"actor_id"`
	DataDir          string  `json:"data_dir"`
	Command          Command `json:"command"`
}

// ErrorPayload carries a typed failure in a response.
type ErrorPayload struct {
	Code    string  `json:"code"`
	Message string  `json:"message"`
	Details *string `json:"details,omitempty"`
}

// Response is the daemon-to-client envelope. Data is an opaque
// JSON-encoded string so the envelope itself stays schema-stable.
type Response struct {
	IpcSchemaVersion uint32        `json:"ipc_schema_version"`
	RequestID        string        `json:"request_id"`
	OK               bool          `json:"ok"`
	Data             *string       `json:"data"`
	Error            *ErrorPayload `json:"error"`
}

// Success builds an OK response with JSON-encoded data.
func Success(requestID string, payload interface{}) Response {
	resp := Response{IpcSchemaVersion: SchemaVersion, RequestID: requestID, OK: true}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Failure(requestID, errs.Wrap(errs.Internal, err, "encoding response data"))
		}
		s := string(raw)
		resp.Data = &s
	}
	return resp
}

// Failure builds an error response carrying the taxonomy code.
func Failure(requestID string, err error) Response {
	return Response{
		IpcSchemaVersion: SchemaVersion,
		RequestID:        requestID,
		OK:               false,
		Error: &ErrorPayload{
			Code:    string(errs.CodeOf(err)),
			Message: err.Error(),
		},
	}
}

// Err reconstructs a typed error from a failed response.
func (r *Response) Err() error {
	if r.OK {
		return nil
	}
	if r.Error == nil {
		return errs.New(errs.IPC, "daemon reported failure without error payload")
	}
	return errs.New(errs.Code(r.Error.Code), "%s", r.Error.Message)
}

// Notification is one entry in the pub/sub stream. Clients ignore unknown
// types; the set here is a superset of what any one client consumes.
type Notification struct {
	Type     string `json:"type"`
	ActorID  string `json:"actor_id,omitempty"`
	IssueID  string `json:"issue_id,omitempty"`
	EventID  string `json:"event_id,omitempty"`
	Resource string `json:"resource,omitempty"`
	Detail   string `json:"detail,omitempty"`
	TsUnixMs uint64 `json:"ts_unix_ms"`
}

// Notification types.
const (
	NotifyEventApplied    = "event_applied"
	NotifyWalSynced       = "wal_synced"
	NotifyLockChanged     = "lock_changed"
	NotifySnapshotCreated = "snapshot_created"
	NotifyWorkerStarted   = "worker_started"
	NotifyWorkerStopped   = "worker_stopped"
)

// Argument payloads per operation.

type IssueCreateArgs struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

type IssueListArgs struct {
	State string `json:"state,omitempty"`
	Label string `json:"label,omitempty"`
	Sort  string `json:"sort,omitempty"` // "" or "topo"
}

type IssueShowArgs struct {
	IssueID string `json:"issue_id"`
}

type IssueUpdateArgs struct {
	IssueID string  `json:"issue_id"`
	Title   *string `json:"title,omitempty"`
	Body    *string `json:"body,omitempty"`
}

type IssueCommentArgs struct {
	IssueID string `json:"issue_id"`
	Body    string `json:"body"`
}

type IssueStateArgs struct {
	IssueID string `json:"issue_id"`
}

type IssueLabelArgs struct {
	IssueID string   `json:"issue_id"`
	Add     []string `json:"add,omitempty"`
	Remove  []string `json:"remove,omitempty"`
}

type IssueAssignArgs struct {
	IssueID string   `json:"issue_id"`
	Add     []string `json:"add,omitempty"`
	Remove  []string `json:"remove,omitempty"`
}

type IssueLinkArgs struct {
	IssueID string  `json:"issue_id"`
	URL     string  `json:"url"`
	Note    *string `json:"note,omitempty"`
}

type IssueAttachArgs struct {
	IssueID string `json:"issue_id"`
	Name    string `json:"name"`
	SHA256  string `json:"sha256"`
	Mime    string `json:"mime"`
}

type DepArgs struct {
	IssueID string `json:"issue_id"`
	Target  string `json:"target"`
	DepType string `json:"dep_type"`
}

type ContextFileArgs struct {
	Path string `json:"path"`
}

type ContextSetArgs struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type SymbolQueryArgs struct {
	Prefix string `json:"prefix"`
}

type ExportArgs struct {
	Format string `json:"format"` // json or markdown
	Since  string `json:"since,omitempty"`
}

// DaemonStatusData is the payload answering OpDaemonStatus.
type DaemonStatusData struct {
	Pid           int      `json:"pid"`
	UptimeSeconds float64  `json:"uptime_seconds"`
	Workers       []string `json:"workers"`
}
