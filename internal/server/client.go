package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/zjrosen/ralphd/internal/log"
	"github.com/zjrosen/ralphd/internal/orchestrator"
	"github.com/zjrosen/ralphd/internal/pubsub"
	"github.com/zjrosen/ralphd/internal/spawner"
)

// TerminalSpawner is the interactive subset of a spawner. The pty variant
// implements it; headless and container spawns are not attachable.
type TerminalSpawner interface {
	Subscribe(ctx context.Context, spawnID string) <-chan pubsub.Event[[]byte]
	WriteInput(spawnID string, data []byte) error
	Resize(spawnID string, cols, rows int) error
}

var _ TerminalSpawner = (*spawner.PTY)(nil)

const sendBuffer = 256

// client is one WebSocket consumer: a writer pump, event forwarders, and an
// optional attached terminal.
type client struct {
	orch *orchestrator.Orchestrator
	conn *websocket.Conn
	send chan outbound

	mu          sync.Mutex
	term        TerminalSpawner
	termSpawnID string
	termCancel  context.CancelFunc
}

func newClient(orch *orchestrator.Orchestrator, conn *websocket.Conn) *client {
	return &client{
		orch: orch,
		conn: conn,
		send: make(chan outbound, sendBuffer),
	}
}

// run pumps until the peer disconnects.
func (c *client) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer c.detachTerminal()
	defer func() { _ = c.conn.Close() }()

	log.SafeGo("ws-writer", func() { c.writePump(ctx) })
	log.SafeGo("ws-sessions", func() { c.forwardSessions(ctx) })
	log.SafeGo("ws-orphans", func() { c.forwardOrphans(ctx) })
	log.SafeGo("ws-snapshots", func() { c.forwardSnapshots(ctx) })

	// Initial snapshot so a new consumer converges immediately.
	if snapshot, err := c.orch.Snapshot(); err == nil {
		c.enqueue(outbound{Type: msgSnapshot, Payload: snapshot})
	}

	c.readPump(ctx)
}

// enqueue delivers without blocking; a saturated consumer drops frames.
func (c *client) enqueue(msg outbound) {
	select {
	case c.send <- msg:
	default:
		log.Warn(log.CatServer, "dropping frame for slow consumer", "type", msg.Type)
	}
}

func (c *client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

func (c *client) forwardSessions(ctx context.Context) {
	for ev := range c.orch.SubscribeSessions(ctx) {
		msgType := msgSessionUpdate
		switch ev.Type {
		case pubsub.CreatedEvent:
			msgType = msgSessionAdd
		case pubsub.DeletedEvent:
			msgType = msgSessionRemove
		}
		c.enqueue(outbound{Type: msgType, Payload: ev.Payload})
	}
}

func (c *client) forwardOrphans(ctx context.Context) {
	for ev := range c.orch.SubscribeOrphans(ctx) {
		c.enqueue(outbound{Type: msgOrphansDetected, Payload: ev.Payload})
	}
}

func (c *client) forwardSnapshots(ctx context.Context) {
	for ev := range c.orch.SubscribeSnapshots(ctx) {
		c.enqueue(outbound{Type: msgSnapshot, Payload: ev.Payload})
	}
}

// terminalConnect names the session whose pty to attach.
type terminalConnect struct {
	RepositoryID string `json:"repositoryId"`
	SessionID    string `json:"sessionId"`
}

// terminalInput carries base64 keystrokes.
type terminalInput struct {
	Data string `json:"data"`
}

type terminalResize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type terminalError struct {
	Error string `json:"error"`
}

func (c *client) readPump(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(outbound{Type: msgTerminalError, Payload: terminalError{Error: "malformed message"}})
			continue
		}

		switch msg.Type {
		case msgTerminalConnect:
			var req terminalConnect
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				c.terminalFail("malformed terminal:connect payload")
				continue
			}
			c.attachTerminal(ctx, req)

		case msgTerminalInput:
			var req terminalInput
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				c.terminalFail("malformed terminal:input payload")
				continue
			}
			c.terminalWrite(req.Data)

		case msgTerminalResize:
			var req terminalResize
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				c.terminalFail("malformed terminal:resize payload")
				continue
			}
			c.terminalResize(req.Cols, req.Rows)

		case msgTerminalDisconnect:
			c.detachTerminal()

		default:
			log.Debug(log.CatServer, "ignoring unknown message", "type", msg.Type)
		}
	}
}

func (c *client) terminalFail(reason string) {
	c.enqueue(outbound{Type: msgTerminalError, Payload: terminalError{Error: reason}})
}

// attachTerminal wires the session's pty output into the connection.
func (c *client) attachTerminal(ctx context.Context, req terminalConnect) {
	manager, err := c.orch.Manager(req.RepositoryID)
	if err != nil {
		c.terminalFail(err.Error())
		return
	}
	record, err := manager.Get(req.SessionID)
	if err != nil {
		c.terminalFail(err.Error())
		return
	}
	if record.SpawnID == "" {
		c.terminalFail("session has no running worker")
		return
	}

	sp, err := c.orch.Spawner(req.RepositoryID)
	if err != nil {
		c.terminalFail(err.Error())
		return
	}
	term, ok := sp.(TerminalSpawner)
	if !ok {
		c.terminalFail("session worker is not interactive")
		return
	}

	termCtx, cancel := context.WithCancel(ctx)
	stream := term.Subscribe(termCtx, record.SpawnID)
	if stream == nil {
		cancel()
		c.terminalFail("worker process is gone")
		return
	}

	c.detachTerminal()
	c.mu.Lock()
	c.term = term
	c.termSpawnID = record.SpawnID
	c.termCancel = cancel
	c.mu.Unlock()

	c.enqueue(outbound{Type: msgTerminalConnected, Payload: terminalConnect{
		RepositoryID: req.RepositoryID, SessionID: req.SessionID,
	}})

	log.SafeGo("ws-terminal-"+record.SpawnID, func() {
		for ev := range stream {
			c.enqueue(outbound{Type: msgTerminalData, Payload: terminalInput{
				Data: base64.StdEncoding.EncodeToString(ev.Payload),
			}})
		}
		c.enqueue(outbound{Type: msgTerminalExit})
	})
}

func (c *client) terminalWrite(encoded string) {
	c.mu.Lock()
	term, spawnID := c.term, c.termSpawnID
	c.mu.Unlock()
	if term == nil {
		c.terminalFail("no terminal attached")
		return
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		c.terminalFail("terminal input is not base64")
		return
	}
	if err := term.WriteInput(spawnID, data); err != nil {
		c.terminalFail(err.Error())
	}
}

func (c *client) terminalResize(cols, rows int) {
	c.mu.Lock()
	term, spawnID := c.term, c.termSpawnID
	c.mu.Unlock()
	if term == nil {
		c.terminalFail("no terminal attached")
		return
	}
	if err := term.Resize(spawnID, cols, rows); err != nil {
		c.terminalFail(err.Error())
	}
}

func (c *client) detachTerminal() {
	c.mu.Lock()
	cancel := c.termCancel
	c.term = nil
	c.termSpawnID = ""
	c.termCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
