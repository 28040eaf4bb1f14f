// Package daemon runs the supervisor and its per-(repo, actor) workers.
//
// A worker owns one store handle and the daemon lease for its data
// directory, and is the sole writer to that store inside the daemon
// process. Commands fan out to one goroutine each; the store's MVCC makes
// that safe without a per-worker mutex.
package daemon

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/neul-labs/grit/internal/config"
	"github.com/neul-labs/grit/internal/ipc"
	"github.com/neul-labs/grit/internal/locks"
	"github.com/neul-labs/grit/internal/ops"
	"github.com/neul-labs/grit/internal/signing"
	"github.com/neul-labs/grit/internal/store"
	"github.com/neul-labs/grit/internal/types"
)

// WorkerKey identifies one (repo, actor) pair.
type WorkerKey struct {
	RepoRoot string
	ActorID  string
}

// Command is one tunneled request with its one-shot reply channel.
type Command struct {
	Req   ipc.Request
	Reply chan ipc.Response
}

type workerMsg struct {
	cmd       *Command
	heartbeat bool
	shutdown  bool
}

// Worker owns one data directory for the daemon's lifetime.
type Worker struct {
	key     WorkerKey
	actor   types.ActorID
	dataDir string
	store   *store.LockedStore
	ops     *ops.Ops
	lease   *ipc.DaemonLock
	inbox   chan workerMsg
	notify  func(ipc.Notification)
	log     zerolog.Logger
	done    chan struct{}
}

// inboxDepth bounds queued messages per worker.
const inboxDepth = 64

// NewWorker acquires the daemon lease and store lock for the pair's data
// directory and starts the run loop.
func NewWorker(key WorkerKey, dataDir, hostID, endpoint string, notify func(ipc.Notification), log zerolog.Logger) (*Worker, error) {
	actorID, err := types.ParseActorID(key.ActorID)
	if err != nil {
		return nil, err
	}

	lease, err := ipc.AcquireDaemonLock(dataDir, key.RepoRoot, key.ActorID, hostID, endpoint)
	if err != nil {
		return nil, err
	}

	st, err := store.OpenLocked(config.StorePath(dataDir))
	if err != nil {
		_ = ipc.ReleaseDaemonLock(dataDir)
		return nil, err
	}

	signer, err := signing.LoadKey(dataDir)
	if err != nil {
		log.Warn().Err(err).Msg("signing key unreadable, continuing unsigned")
	}

	lockPolicy := locks.PolicyWarn
	if gitDir, err := config.FindGitDir(key.RepoRoot); err == nil {
		if repoCfg, err := config.LoadRepoConfig(gitDir); err == nil && repoCfg != nil {
			if p, err := locks.ParsePolicy(repoCfg.LockPolicy); err == nil {
				lockPolicy = p
			}
		}
	}

	w := &Worker{
		key:     key,
		actor:   actorID,
		dataDir: dataDir,
		store:   st,
		lease:   lease,
		inbox:   make(chan workerMsg, inboxDepth),
		notify:  notify,
		log:     log.With().Str("actor", key.ActorID).Logger(),
		done:    make(chan struct{}),
	}
	w.ops = &ops.Ops{
		Store:      st.Store,
		RepoRoot:   key.RepoRoot,
		Actor:      actorID,
		Signer:     signer,
		LockPolicy: lockPolicy,
		Applied: func(e *types.Event) {
			notify(ipc.Notification{
				Type:     ipc.NotifyEventApplied,
				ActorID:  key.ActorID,
				IssueID:  e.IssueID.String(),
				EventID:  e.EventID.String(),
				TsUnixMs: uint64(time.Now().UnixMilli()),
			})
		},
	}

	go w.run()
	// Sent from its own goroutine: the supervisor calls NewWorker while
	// holding the mutex that its Broadcast takes.
	go notify(ipc.Notification{
		Type:     ipc.NotifyWorkerStarted,
		ActorID:  key.ActorID,
		TsUnixMs: uint64(time.Now().UnixMilli()),
	})
	return w, nil
}

// send enqueues a message; false means the inbox is full or closed.
func (w *Worker) send(msg workerMsg) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.inbox <- msg:
		return true
	default:
		return false
	}
}

// Submit enqueues a command.
func (w *Worker) Submit(cmd *Command) bool {
	return w.send(workerMsg{cmd: cmd})
}

// Heartbeat asks the worker to refresh its lease.
func (w *Worker) Heartbeat() { w.send(workerMsg{heartbeat: true}) }

// Shutdown stops the run loop and releases the lease and store.
func (w *Worker) Shutdown() {
	w.send(workerMsg{shutdown: true})
}

// Done is closed once the worker has fully stopped.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) run() {
	defer w.cleanup()
	for msg := range w.inbox {
		switch {
		case msg.shutdown:
			return
		case msg.heartbeat:
			w.lease.Refresh()
			if err := w.lease.Write(w.dataDir); err != nil {
				w.log.Error().Err(err).Msg("refreshing daemon lease")
			}
		case msg.cmd != nil:
			// Fan out: each command runs in its own goroutine against the
			// shared MVCC store handle.
			go w.execute(msg.cmd)
		}
	}
}

func (w *Worker) cleanup() {
	if err := w.store.Close(); err != nil {
		w.log.Error().Err(err).Msg("closing store")
	}
	if err := ipc.ReleaseDaemonLock(w.dataDir); err != nil {
		w.log.Error().Err(err).Msg("releasing daemon lease")
	}
	w.notify(ipc.Notification{
		Type:     ipc.NotifyWorkerStopped,
		ActorID:  w.key.ActorID,
		TsUnixMs: uint64(time.Now().UnixMilli()),
	})
	close(w.done)
}

// execute dispatches one command and replies on the one-shot channel. A
// caller that timed out has moved on; the non-blocking send discards the
// reply in that case.
func (w *Worker) execute(cmd *Command) {
	var resp ipc.Response
	payload, err := ops.Dispatch(w.ops, cmd.Req.Command)
	if err != nil {
		resp = ipc.Failure(cmd.Req.RequestID, err)
	} else {
		resp = ipc.Success(cmd.Req.RequestID, payload)
	}
	select {
	case cmd.Reply <- resp:
	default:
	}
}
