// Package client implements the SDK side of the replication protocol: a
// local merge engine mirroring one board, a websocket session to the
// coordinator, and an offline journal replayed on every (re)connect.
// Edits apply optimistically and converge through the same
// last-writer-wins merge the coordinator runs.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MRuhan17/flowspace-sync/internal/transport"
	"github.com/MRuhan17/flowspace-sync/pkg/board"
	"github.com/MRuhan17/flowspace-sync/pkg/engine"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// snapshotWait bounds how long Dial waits for the initial snapshot.
	snapshotWait = 10 * time.Second

	// maxReconnectInterval caps the reconnect backoff.
	maxReconnectInterval = 30 * time.Second
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client is closed")

type options struct {
	logger        *zap.Logger
	journalPath   string
	onChange      func()
	token         string
	opLogCapacity int
	header        http.Header
}

// Option configures a Client at dial time.
type Option func(*options)

// WithLogger sets the client logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithJournalPath persists the offline journal to a bbolt file at path,
// so edits made while disconnected survive a restart. The default is an
// in-memory journal.
func WithJournalPath(path string) Option {
	return func(o *options) { o.journalPath = path }
}

// WithOnChange registers a callback fired after any change to the
// mirrored board state, local or remote. The callback runs on client
// goroutines and must not block.
func WithOnChange(fn func()) Option {
	return func(o *options) { o.onChange = fn }
}

// WithToken attaches a board token to the websocket handshake.
func WithToken(token string) Option {
	return func(o *options) { o.token = token }
}

// WithOpLogCapacity bounds the mirrored operation log and the offline
// journal. Defaults to 1000.
func WithOpLogCapacity(n int) Option {
	return func(o *options) { o.opLogCapacity = n }
}

// WithHTTPHeader adds headers to the websocket handshake request.
func WithHTTPHeader(header http.Header) Option {
	return func(o *options) { o.header = header }
}

// Client mirrors one board. All methods are safe for concurrent use.
type Client struct {
	serverURL string
	boardID   string
	writerID  string
	token     string
	header    http.Header
	logger    *zap.Logger
	onChange  func()

	engine  *engine.Engine
	journal *Journal

	// mu guards conn and closed, and serializes local edits against
	// snapshot restores so a fresh edit cannot fall between a restore
	// and its journal replay.
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	// writeMu serializes frame writes; gorilla allows one writer.
	writeMu sync.Mutex

	readyOnce sync.Once
	ready     chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
}

// Dial connects to a coordinator, requests the board snapshot, and
// returns once the local mirror is synchronized. The context governs the
// whole client lifetime: cancelling it stops the reconnect loop.
func Dial(ctx context.Context, serverURL, boardID, writerID string, opts ...Option) (*Client, error) {
	if boardID == "" {
		return nil, fmt.Errorf("board id is required")
	}
	if writerID == "" {
		return nil, fmt.Errorf("writer id is required")
	}

	o := &options{logger: zap.NewNop(), opLogCapacity: 1000}
	for _, opt := range opts {
		opt(o)
	}

	wsBase, err := toWebsocketURL(serverURL)
	if err != nil {
		return nil, err
	}

	journal, err := OpenJournal(o.journalPath, o.opLogCapacity)
	if err != nil {
		return nil, err
	}

	c := &Client{
		serverURL: wsBase,
		boardID:   boardID,
		writerID:  writerID,
		token:     o.token,
		header:    o.header,
		logger:    o.logger,
		onChange:  o.onChange,
		engine: engine.New(writerID,
			engine.WithLogger(o.logger),
			engine.WithOpLogCapacity(o.opLogCapacity)),
		journal: journal,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		journal.Close()
		return nil, err
	}

	c.wg.Add(1)
	go c.run(ctx)

	// The first snapshot seeds the logical clock. An edit stamped before
	// it lands would carry a timestamp the rest of the board has already
	// passed and lose every merge, so Dial blocks until the mirror is
	// synchronized.
	select {
	case <-c.ready:
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	case <-time.After(snapshotWait):
		c.Close()
		return nil, fmt.Errorf("no snapshot received within %s", snapshotWait)
	}

	return c, nil
}

// toWebsocketURL normalizes a server base URL to a websocket scheme.
func toWebsocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func (c *Client) endpoint() string {
	q := url.Values{}
	q.Set("client", c.writerID)
	if c.token != "" {
		q.Set("token", c.token)
	}
	return fmt.Sprintf("%s/ws/boards/%s?%s", c.serverURL, url.PathEscape(c.boardID), q.Encode())
}

// connect dials the coordinator and requests the board snapshot. The
// snapshot answer arrives on the read loop.
func (c *Client) connect(ctx context.Context) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint(), c.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to dial board %q: %w (status %d)", c.boardID, err, resp.StatusCode)
		}
		return fmt.Errorf("failed to dial board %q: %w", c.boardID, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	if err := c.write(conn, transport.SnapshotRequestEnvelope()); err != nil {
		return fmt.Errorf("failed to request snapshot: %w", err)
	}

	c.logger.Debug("connected", zap.String("board_id", c.boardID))
	return nil
}

func (c *Client) write(conn *websocket.Conn, env transport.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// run drives the session: read until the connection drops, then redial
// with exponential backoff until Close or context cancellation. Every
// successful reconnect repeats the full snapshot/resync sequence.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxReconnectInterval
	bo.MaxElapsedTime = 0

	for {
		err := c.readLoop()
		if c.isClosed() || ctx.Err() != nil {
			return
		}
		c.logger.Warn("connection lost",
			zap.String("board_id", c.boardID),
			zap.Error(err))

		for {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
			if err := c.connect(ctx); err != nil {
				c.logger.Warn("reconnect failed",
					zap.String("board_id", c.boardID),
					zap.Error(err))
				continue
			}
			bo.Reset()
			break
		}
	}
}

func (c *Client) readLoop() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			conn.Close()
			return err
		}
		c.handleFrame(conn, data)
	}
}

func (c *Client) handleFrame(conn *websocket.Conn, data []byte) {
	env, err := transport.DecodeEnvelope(data)
	if err != nil {
		c.logger.Debug("dropping malformed frame", zap.Error(err))
		return
	}

	switch env.Type {
	case transport.MessageOperation:
		if c.engine.ApplyRemote(*env.Op) {
			c.notify()
		}
	case transport.MessageSnapshot:
		c.resync(conn, env.Snapshot)
	case transport.MessageResyncBatch:
		if c.engine.ApplyOperations(env.Ops) > 0 {
			c.notify()
		}
	case transport.MessageResyncResult:
		total := 0
		if env.Total != nil {
			total = *env.Total
		}
		c.logger.Debug("resync acknowledged",
			zap.Int("applied", *env.Applied),
			zap.Int("total", total))
	default:
		c.logger.Debug("ignoring frame", zap.String("type", env.Type))
	}
}

// resync installs an authoritative snapshot and replays the journal over
// it, so locally authored edits that still win their merges survive the
// restore. The journal then goes back to the coordinator in one batch;
// resending already-applied operations is harmless because the merge is
// idempotent.
func (c *Client) resync(conn *websocket.Conn, snap *board.Snapshot) {
	c.mu.Lock()
	c.engine.Restore(snap)
	ops, err := c.journal.All()
	if err != nil {
		c.logger.Warn("journal replay failed", zap.Error(err))
		ops = nil
	}
	for _, op := range ops {
		c.engine.ApplyRemote(op)
	}
	c.mu.Unlock()

	if len(ops) > 0 {
		if err := c.write(conn, transport.ResyncBatchEnvelope(ops)); err != nil {
			c.logger.Warn("failed to send resync batch", zap.Error(err))
		}
	}

	c.readyOnce.Do(func() { close(c.ready) })
	c.notify()
	c.logger.Info("synchronized",
		zap.String("board_id", c.boardID),
		zap.Int("elements", c.engine.Len()),
		zap.Int("replayed", len(ops)))
}

// Insert authors a new element. The payload must carry the element kind
// under "kind"; it may pin the element id under "id", otherwise a random
// one is assigned. Returns the element id.
func (c *Client) Insert(payload board.Fields) (string, error) {
	fields := payload.Clone()
	if fields == nil {
		fields = board.Fields{}
	}

	elementID := uuid.New().String()
	if raw, ok := fields["id"]; ok {
		var explicit string
		if err := json.Unmarshal(raw, &explicit); err != nil || explicit == "" {
			return "", fmt.Errorf("element id must be a non-empty string")
		}
		elementID = explicit
		delete(fields, "id")
	}

	if kind, _ := board.SplitKind(fields); !kind.Valid() {
		return "", fmt.Errorf("insert payload must carry a valid %q", board.KindKey)
	}

	if err := c.apply(board.OpInsert, elementID, fields); err != nil {
		return "", err
	}
	return elementID, nil
}

// Update merges payload over an existing element's fields. The kind is
// fixed at insert and cannot appear here.
func (c *Client) Update(elementID string, payload board.Fields) error {
	if elementID == "" {
		return fmt.Errorf("element id is required")
	}
	if len(payload) == 0 {
		return fmt.Errorf("update payload is empty")
	}
	if _, ok := payload[board.KindKey]; ok {
		return fmt.Errorf("%q cannot change after insert", board.KindKey)
	}
	return c.apply(board.OpUpdate, elementID, payload.Clone())
}

// Delete tombstones an element.
func (c *Client) Delete(elementID string) error {
	if elementID == "" {
		return fmt.Errorf("element id is required")
	}
	return c.apply(board.OpDelete, elementID, nil)
}

// apply runs the optimistic local path: stamp and merge via the engine,
// journal for at-least-once delivery, push to the coordinator if a
// connection is up. An offline edit is not an error; it rides the next
// resync batch.
func (c *Client) apply(kind board.OpKind, elementID string, payload board.Fields) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	op := c.engine.ApplyLocal(kind, elementID, payload)
	if err := c.journal.Append(op); err != nil {
		c.logger.Warn("failed to journal operation",
			zap.String("op_id", op.ID),
			zap.Error(err))
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := c.write(conn, transport.OperationEnvelope(op)); err != nil {
			c.logger.Debug("send failed, operation stays journaled", zap.Error(err))
		}
	}
	c.notify()
	return nil
}

// Elements returns the live elements of the mirrored board.
func (c *Client) Elements() []board.Element {
	return c.engine.Elements()
}

// Get returns one live element by id.
func (c *Client) Get(elementID string) (board.Element, bool) {
	return c.engine.Get(elementID)
}

// BoardID returns the board this client mirrors.
func (c *Client) BoardID() string { return c.boardID }

// WriterID returns the id stamped on locally authored operations.
func (c *Client) WriterID() string { return c.writerID }

// ClockValue returns the mirror's logical clock reading.
func (c *Client) ClockValue() int64 { return c.engine.ClockValue() }

// Pending returns how many operations sit in the offline journal.
func (c *Client) Pending() int { return c.journal.Len() }

// Connected reports whether a websocket session is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) notify() {
	if c.onChange != nil {
		c.onChange()
	}
}

// Close hangs up, stops the reconnect loop, and releases the journal.
// Journaled operations survive for the next Dial when a journal path was
// configured.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	close(c.done)
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.wg.Wait()
	return c.journal.Close()
}
