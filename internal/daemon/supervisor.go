package daemon

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/ipc"
)

// HeartbeatInterval between lease-refresh pokes to every worker.
const HeartbeatInterval = 10 * time.Second

// RequestTimeout per tunneled worker call. The worker task keeps running
// after a timeout; its reply is discarded.
const RequestTimeout = 30 * time.Second

// shutdownGrace given to workers between the stop broadcast and exit.
const shutdownGrace = 3 * time.Second

// Supervisor listens on the request endpoint, routes commands to workers
// (creating them on demand), and broadcasts notifications.
type Supervisor struct {
	endpoint       string
	notifyEndpoint string
	hostID         string
	log            zerolog.Logger

	mu      sync.Mutex
	workers map[WorkerKey]*Worker
	subs    map[net.Conn]chan ipc.Notification

	startedAt time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewSupervisor builds a supervisor serving the given unix socket paths.
func NewSupervisor(endpoint, notifyEndpoint, hostID string, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		endpoint:       endpoint,
		notifyEndpoint: notifyEndpoint,
		hostID:         hostID,
		log:            log,
		workers:        map[WorkerKey]*Worker{},
		subs:           map[net.Conn]chan ipc.Notification{},
		startedAt:      time.Now(),
		stopCh:         make(chan struct{}),
	}
}

// Run serves until DaemonStop arrives or ctx-level shutdown via Stop.
func (s *Supervisor) Run() error {
	_ = os.Remove(s.endpoint)
	listener, err := net.Listen("unix", s.endpoint)
	if err != nil {
		return errs.Wrap(errs.IPC, err, "listening on %s", s.endpoint)
	}
	defer listener.Close()
	defer os.Remove(s.endpoint)

	_ = os.Remove(s.notifyEndpoint)
	notifyListener, err := net.Listen("unix", s.notifyEndpoint)
	if err != nil {
		return errs.Wrap(errs.IPC, err, "listening on %s", s.notifyEndpoint)
	}
	defer notifyListener.Close()
	defer os.Remove(s.notifyEndpoint)

	go s.acceptNotify(notifyListener)
	go s.heartbeatLoop()
	go s.acceptRequests(listener)

	s.log.Info().Str("endpoint", s.endpoint).Msg("daemon listening")
	<-s.stopCh

	s.log.Info().Msg("stopping workers")
	s.shutdownWorkers()
	return nil
}

// Stop triggers a graceful shutdown.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Supervisor) acceptRequests(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.log.Error().Err(err).Msg("accepting connection")
				return
			}
		}
		go s.serveConn(conn)
	}
}

// serveConn handles one client connection, one request per line. Each
// request gets its own goroutine so slow commands do not serialize a
// client's pipeline.
func (s *Supervisor) serveConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var writeMu sync.Mutex
	reply := func(resp ipc.Response) {
		raw, err := json.Marshal(resp)
		if err != nil {
			s.log.Error().Err(err).Msg("encoding response")
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, _ = conn.Write(append(raw, '\n'))
	}

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		var req ipc.Request
		if err := json.Unmarshal(line, &req); err != nil {
			reply(ipc.Failure("", errs.Wrap(errs.IPC, err, "decoding request")))
			continue
		}
		if req.IpcSchemaVersion != ipc.SchemaVersion {
			reply(ipc.Failure(req.RequestID, errs.New(errs.IPC,
				"version_mismatch: client speaks schema %d, daemon %d", req.IpcSchemaVersion, ipc.SchemaVersion)))
			continue
		}
		go reply(s.route(req))
	}
}

// route answers supervisor-level operations directly and tunnels the rest
// to the pair's worker.
func (s *Supervisor) route(req ipc.Request) ipc.Response {
	switch req.Command.Op {
	case ipc.OpPing:
		return ipc.Success(req.RequestID, map[string]string{"message": "pong"})
	case ipc.OpDaemonStatus:
		return ipc.Success(req.RequestID, s.status())
	case ipc.OpDaemonStop:
		// Delay the stop so the reply reaches the client before the
		// listener closes.
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.Stop()
		}()
		return ipc.Success(req.RequestID, map[string]string{"message": "stopping"})
	}

	worker, err := s.workerFor(req)
	if err != nil {
		return ipc.Failure(req.RequestID, errs.Wrap(errs.CodeOf(err), err, "worker_creation_failed"))
	}

	cmd := &Command{Req: req, Reply: make(chan ipc.Response, 1)}
	if !worker.Submit(cmd) {
		return ipc.Failure(req.RequestID, errs.New(errs.Internal, "worker inbox full"))
	}
	select {
	case resp := <-cmd.Reply:
		return resp
	case <-time.After(RequestTimeout):
		return ipc.Failure(req.RequestID, errs.New(errs.IPC, "timeout waiting for worker"))
	}
}

func (s *Supervisor) workerFor(req ipc.Request) (*Worker, error) {
	if req.RepoRoot == "" || req.ActorID == "" || req.DataDir == "" {
		return nil, errs.New(errs.InvalidArgs, "request missing repo_root, actor_id, or data_dir")
	}
	key := WorkerKey{RepoRoot: req.RepoRoot, ActorID: req.ActorID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[key]; ok {
		return w, nil
	}
	w, err := NewWorker(key, req.DataDir, s.hostID, s.endpoint, s.Broadcast, s.log)
	if err != nil {
		return nil, err
	}
	s.workers[key] = w
	return w, nil
}

func (s *Supervisor) status() ipc.DaemonStatusData {
	s.mu.Lock()
	defer s.mu.Unlock()
	workers := make([]string, 0, len(s.workers))
	for key := range s.workers {
		workers = append(workers, key.ActorID+"@"+key.RepoRoot)
	}
	return ipc.DaemonStatusData{
		Pid:           os.Getpid(),
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Workers:       workers,
	}
}

func (s *Supervisor) heartbeatLoop() {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			for _, w := range s.workers {
				w.Heartbeat()
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Supervisor) shutdownWorkers() {
	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		w.Shutdown()
	}
	deadline := time.After(shutdownGrace)
	for _, w := range workers {
		select {
		case <-w.Done():
		case <-deadline:
			s.log.Warn().Msg("worker shutdown grace expired")
			return
		}
	}
}

// acceptNotify registers pub/sub subscribers and pumps their queues.
func (s *Supervisor) acceptNotify(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		ch := make(chan ipc.Notification, 128)
		s.mu.Lock()
		s.subs[conn] = ch
		s.mu.Unlock()

		go func(conn net.Conn, ch chan ipc.Notification) {
			defer func() {
				s.mu.Lock()
				delete(s.subs, conn)
				s.mu.Unlock()
				_ = conn.Close()
			}()
			for n := range ch {
				raw, err := json.Marshal(n)
				if err != nil {
					continue
				}
				if _, err := conn.Write(append(raw, '\n')); err != nil {
					return
				}
			}
		}(conn, ch)
	}
}

// Broadcast fans a notification out to every subscriber; slow consumers
// drop rather than block.
func (s *Supervisor) Broadcast(n ipc.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- n:
		default:
		}
	}
}
