package ipc

import (
	"bufio"
	"encoding/json"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/neul-labs/grit/internal/errs"
)

// DefaultDialTimeout bounds the connection attempt when probing for a
// daemon; a socket that exists but does not answer means Blocked, not a
// silent fall-through to local writes.
const DefaultDialTimeout = 200 * time.Millisecond

// DefaultRequestTimeout for one tunneled command.
const DefaultRequestTimeout = 30 * time.Second

// Client tunnels commands to a running daemon over its unix socket.
type Client struct {
	conn    net.Conn
	timeout time.Duration

	repoRoot string
	actorID  string
	dataDir  string
}

// Dial connects to the daemon endpoint.
func Dial(endpoint, repoRoot, actorID, dataDir string) (*Client, error) {
	conn, err := net.DialTimeout("unix", endpoint, DefaultDialTimeout)
	if err != nil {
		return nil, errs.Wrap(errs.IPC, err, "connecting to daemon at %s", endpoint)
	}
	return &Client{
		conn:     conn,
		timeout:  DefaultRequestTimeout,
		repoRoot: repoRoot,
		actorID:  actorID,
		dataDir:  dataDir,
	}, nil
}

// Close drops the daemon connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SetTimeout overrides the per-request timeout.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// Execute sends one command and waits for its response.
func (c *Client) Execute(op string, args interface{}) (*Response, error) {
	var rawArgs json.RawMessage
	if args != nil {
		encoded, err := json.Marshal(args)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, err, "encoding args")
		}
		rawArgs = encoded
	}

	req := Request{
		IpcSchemaVersion: SchemaVersion,
		RequestID:        uuid.NewString(),
		RepoRoot:         c.repoRoot,
		ActorID:          c.actorID,
		DataDir:          c.dataDir,
		Command:          Command{Op: op, Args: rawArgs},
	}
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "encoding request")
	}

	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, errs.Wrap(errs.IPC, err, "setting deadline")
	}

	writer := bufio.NewWriter(c.conn)
	if _, err := writer.Write(encoded); err != nil {
		return nil, errs.Wrap(errs.IPC, err, "writing request")
	}
	if err := writer.WriteByte('\n'); err != nil {
		return nil, errs.Wrap(errs.IPC, err, "writing request")
	}
	if err := writer.Flush(); err != nil {
		return nil, errs.Wrap(errs.IPC, err, "flushing request")
	}

	line, err := bufio.NewReader(c.conn).ReadBytes('\n')
	if err != nil {
		return nil, errs.Wrap(errs.IPC, err, "reading response")
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, errs.Wrap(errs.IPC, err, "decoding response")
	}
	if resp.IpcSchemaVersion != SchemaVersion {
		return nil, errs.New(errs.IPC, "version_mismatch: daemon speaks schema %d, client %d",
			resp.IpcSchemaVersion, SchemaVersion)
	}
	if !resp.OK {
		return &resp, resp.Err()
	}
	return &resp, nil
}

// DecodeData unmarshals a response's opaque data payload.
func DecodeData(resp *Response, out interface{}) error {
	if resp.Data == nil {
		return errs.New(errs.IPC, "response carried no data")
	}
	if err := json.Unmarshal([]byte(*resp.Data), out); err != nil {
		return errs.Wrap(errs.IPC, err, "decoding response data")
	}
	return nil
}

// Ping round-trips a no-op command.
func (c *Client) Ping() error {
	_, err := c.Execute(OpPing, nil)
	return err
}

// Subscribe connects to the notification socket and streams notifications
// until the connection closes or the handler returns false. Unknown
// notification types are passed through; callers ignore what they do not
// understand.
func Subscribe(endpoint string, handler func(Notification) bool) error {
	conn, err := net.DialTimeout("unix", endpoint, DefaultDialTimeout)
	if err != nil {
		return errs.Wrap(errs.IPC, err, "connecting to notification endpoint")
	}
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var n Notification
		if err := json.Unmarshal(scanner.Bytes(), &n); err != nil {
			continue // tolerate malformed lines on the stream
		}
		if !handler(n) {
			return nil
		}
	}
	return errs.Wrap(errs.IPC, scanner.Err(), "reading notification stream")
}
