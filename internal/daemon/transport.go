package daemon

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"terminal-host/internal/admission"
	"terminal-host/internal/protocol"
	"terminal-host/internal/session"
)

// maxLineSize bounds one NDJSON line, generalized from the teacher's 2MB
// bufio.Scanner.Buffer cap to cover larger write payloads this protocol
// allows.
const maxLineSize = 4 * 1024 * 1024

// clientConn is one connected client (spec.md §4.F), adapted from
// chriswa-spaceterm/pty-daemon/daemon.go's Client.
type clientConn struct {
	conn          net.Conn
	mu            sync.Mutex
	enc           *json.Encoder
	authenticated bool
	attached      map[string]bool
}

func (c *clientConn) sendResponse(resp protocol.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enc.Encode(resp)
}

func (c *clientConn) sendEvent(ev protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enc.Encode(ev)
}

// BroadcastData implements session.EventSink.
func (d *Daemon) BroadcastData(sessionID string, data []byte) {
	d.broadcast(sessionID, protocol.Event{
		Type:      protocol.EventEnvelopeType,
		Event:     protocol.EventData,
		SessionID: sessionID,
		Payload:   protocol.DataEventPayload{Type: "data", Data: string(data)},
	})
}

// BroadcastExit implements session.EventSink.
func (d *Daemon) BroadcastExit(sessionID string, exitCode, signal int, reason string) {
	d.broadcast(sessionID, protocol.Event{
		Type:      protocol.EventEnvelopeType,
		Event:     protocol.EventExit,
		SessionID: sessionID,
		Payload:   protocol.ExitEventPayload{Type: "exit", ExitCode: exitCode, Signal: signal, Reason: reason},
	})
}

// BroadcastTerminalError implements session.EventSink.
func (d *Daemon) BroadcastTerminalError(sessionID, code, message string) {
	d.broadcast(sessionID, protocol.Event{
		Type:      protocol.EventEnvelopeType,
		Event:     protocol.EventTerminalError,
		SessionID: sessionID,
		Payload:   protocol.TerminalErrorPayload{Code: code, Message: message},
	})
}

func (d *Daemon) broadcast(sessionID string, ev protocol.Event) {
	d.clientsMu.Lock()
	defer d.clientsMu.Unlock()
	for c := range d.clients {
		if c.attached[sessionID] {
			c.sendEvent(ev)
		}
	}
}

func (d *Daemon) handleConn(conn net.Conn) {
	c := &clientConn{
		conn:     conn,
		enc:      json.NewEncoder(conn),
		attached: make(map[string]bool),
	}
	d.clientsMu.Lock()
	d.clients[c] = true
	d.clientsMu.Unlock()

	defer func() {
		d.clientsMu.Lock()
		delete(d.clients, c)
		d.clientsMu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			c.sendResponse(errorResponse("", protocol.ErrUnknownRequest, "malformed JSON: "+err.Error()))
			continue
		}

		if !c.authenticated && req.Type != string(protocol.ReqHello) {
			c.sendResponse(errorResponse(req.ID, protocol.ErrNotAuthenticated, "hello required before any other request"))
			continue
		}

		d.dispatch(c, req, line)
	}
}

func errorResponse(id, code, message string) protocol.Response {
	return protocol.Response{ID: id, OK: false, Error: &protocol.IPCError{Code: code, Message: message}}
}

// dispatch implements the request table in spec.md §4.F. Grounded on
// chriswa-spaceterm/pty-daemon/daemon.go's handleClient switch, expanded
// for this protocol's additional request types and JSON-RPC-style
// id/ok/error envelope.
func (d *Daemon) dispatch(c *clientConn, req protocol.Request, rawLine []byte) {
	var envelope struct {
		Payload json.RawMessage `json:"payload"`
	}
	json.Unmarshal(rawLine, &envelope)

	switch protocol.RequestType(req.Type) {
	case protocol.ReqHello:
		var p protocol.HelloPayload
		json.Unmarshal(envelope.Payload, &p)
		if p.ProtocolVersion != protocol.ProtocolVersion {
			c.sendResponse(errorResponse(req.ID, protocol.ErrProtocolMismatch, "unsupported protocol version"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(p.Token), []byte(d.token)) != 1 {
			c.sendResponse(errorResponse(req.ID, protocol.ErrAuthFailed, "invalid token"))
			return
		}
		c.authenticated = true
		c.sendResponse(protocol.Response{ID: req.ID, OK: true, Payload: protocol.HelloResult{
			ProtocolVersion: protocol.ProtocolVersion,
			DaemonVersion:   DaemonVersion,
			DaemonPid:       d.pid,
		}})

	case protocol.ReqListSessions:
		c.sendResponse(protocol.Response{ID: req.ID, OK: true, Payload: protocol.ListSessionsResult{
			Sessions: d.registry.List(),
		}})

	case protocol.ReqCreateOrAttach:
		var p protocol.CreateOrAttachPayload
		json.Unmarshal(envelope.Payload, &p)
		if p.Cols <= 0 || p.Rows <= 0 {
			c.sendResponse(errorResponse(req.ID, protocol.ErrInvalidGeometry, "cols/rows must be positive"))
			return
		}
		priority := admission.PriorityLow
		result, err := d.registry.CreateOrAttach(context.Background(), p.PaneID, p.WorkspaceID, p.TabID, session.SpawnParams{
			Cwd: p.Cwd, Cols: p.Cols, Rows: p.Rows,
		}, p.Shell, p.Args, p.Env, priority)
		if err != nil {
			c.sendResponse(errorResponse(req.ID, protocol.ErrSubprocessError, err.Error()))
			return
		}
		c.mu.Lock()
		c.attached[result.SessionID] = true
		c.mu.Unlock()
		c.sendResponse(protocol.Response{ID: req.ID, OK: true, Payload: protocol.CreateOrAttachResult{
			SessionID: result.SessionID, IsNew: result.IsNew, WasRecovered: result.WasRecovered, Pid: result.Pid, Snapshot: result.Snapshot,
		}})

	case protocol.ReqWrite:
		var p protocol.WritePayload
		json.Unmarshal(envelope.Payload, &p)
		sess, ok := d.registry.Get(p.SessionID)
		if !ok {
			c.sendResponse(errorResponse(req.ID, protocol.ErrSessionNotFound, p.SessionID))
			return
		}
		if err := sess.Write([]byte(p.Data)); err != nil {
			c.sendResponse(errorResponse(req.ID, protocol.ErrWriteQueueFull, err.Error()))
			return
		}
		c.sendResponse(protocol.Response{ID: req.ID, OK: true})

	case protocol.ReqResize:
		var p protocol.ResizePayload
		json.Unmarshal(envelope.Payload, &p)
		sess, ok := d.registry.Get(p.SessionID)
		if !ok {
			c.sendResponse(errorResponse(req.ID, protocol.ErrSessionNotFound, p.SessionID))
			return
		}
		if p.Cols <= 0 || p.Rows <= 0 {
			c.sendResponse(errorResponse(req.ID, protocol.ErrInvalidGeometry, "cols/rows must be positive"))
			return
		}
		sess.Resize(p.Cols, p.Rows)
		c.sendResponse(protocol.Response{ID: req.ID, OK: true})

	case protocol.ReqSignal:
		var p protocol.SignalPayload
		json.Unmarshal(envelope.Payload, &p)
		sess, ok := d.registry.Get(p.SessionID)
		if !ok {
			c.sendResponse(errorResponse(req.ID, protocol.ErrSessionNotFound, p.SessionID))
			return
		}
		sess.SendSignal(p.Signal)
		c.sendResponse(protocol.Response{ID: req.ID, OK: true})

	case protocol.ReqDetach:
		var p protocol.SessionIDPayload
		json.Unmarshal(envelope.Payload, &p)
		c.mu.Lock()
		delete(c.attached, p.SessionID)
		c.mu.Unlock()
		d.registry.Detach(p.SessionID)
		c.sendResponse(protocol.Response{ID: req.ID, OK: true})

	case protocol.ReqKill:
		var p protocol.KillPayload
		json.Unmarshal(envelope.Payload, &p)
		if err := d.registry.Kill(p.SessionID, "SIGTERM", p.DeleteHistory); err != nil {
			c.sendResponse(errorResponse(req.ID, protocol.ErrSessionNotFound, err.Error()))
			return
		}
		c.sendResponse(protocol.Response{ID: req.ID, OK: true})

	case protocol.ReqKillAll:
		d.registry.KillAll()
		c.sendResponse(protocol.Response{ID: req.ID, OK: true})

	case protocol.ReqKillByWorkspace:
		var p protocol.WorkspaceIDPayload
		json.Unmarshal(envelope.Payload, &p)
		d.registry.KillByWorkspace(p.WorkspaceID)
		c.sendResponse(protocol.Response{ID: req.ID, OK: true})

	case protocol.ReqClearScrollback:
		var p protocol.SessionIDPayload
		json.Unmarshal(envelope.Payload, &p)
		sess, ok := d.registry.Get(p.SessionID)
		if !ok {
			c.sendResponse(errorResponse(req.ID, protocol.ErrSessionNotFound, p.SessionID))
			return
		}
		sess.ClearScrollback()
		c.sendResponse(protocol.Response{ID: req.ID, OK: true})

	case protocol.ReqShutdown:
		c.sendResponse(protocol.Response{ID: req.ID, OK: true})
		go d.Shutdown()

	default:
		c.sendResponse(errorResponse(req.ID, protocol.ErrUnknownRequest, fmt.Sprintf("unknown request type: %s", req.Type)))
	}
}
