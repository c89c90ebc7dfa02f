package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"terminal-host/internal/admission"
	"terminal-host/internal/protocol"
)

// reencode round-trips a decoded any (as produced by encoding/json when
// unmarshaling into an interface{} field) into a concrete struct. The
// Response/Event envelopes carry typed payloads only up to the daemon
// process boundary; once JSON-decoded into Go on the client side, the
// payload is a generic map and needs this second pass to recover its
// static type.
func reencode(src any, dst any) {
	data, err := json.Marshal(src)
	if err != nil {
		return
	}
	json.Unmarshal(data, dst)
}

// tombstoneCapacity bounds the client-side tombstone table so a workspace
// that churns through many panes over a long-lived process doesn't leak
// memory (spec.md §4.I).
const tombstoneCapacity = 128

// Manager is the host-side session manager (spec.md §4.I): it sits above
// a raw Client, re-keys events by paneId instead of sessionId, serializes
// concurrent createOrAttach calls for the same pane, and reconciles its
// local cache against the daemon's session list on startup.
type Manager struct {
	c *Client

	mu         sync.Mutex
	byPane     map[string]protocol.SessionInfo
	tombstones []string // paneIds, oldest first, bounded to tombstoneCapacity
	tombSet    map[string]bool
	inFlight   map[string]chan struct{}
	sem        *admission.Semaphore

	handlersMu sync.Mutex
	byPaneData map[string]EventHandler
	byPaneExit map[string]EventHandler
}

// NewManager wraps an already-connected Client and reconciles its local
// cache against the daemon's current session list. knownWorkspaceIDs is
// the set of workspaces the embedding application still considers live;
// any daemon session belonging to a workspace outside that set is killed
// during reconciliation rather than adopted (spec.md §4.I).
func NewManager(c *Client, maxConcurrent int, knownWorkspaceIDs []string) (*Manager, error) {
	m := &Manager{
		c:          c,
		byPane:     make(map[string]protocol.SessionInfo),
		tombSet:    make(map[string]bool),
		inFlight:   make(map[string]chan struct{}),
		sem:        admission.New(maxConcurrent),
		byPaneData: make(map[string]EventHandler),
		byPaneExit: make(map[string]EventHandler),
	}

	c.OnEvent(protocol.EventData, m.routeData)
	c.OnEvent(protocol.EventExit, m.routeExit)

	if err := m.reconcile(knownWorkspaceIDs); err != nil {
		return nil, err
	}
	return m, nil
}

// reconcile adopts every daemon-reported session whose workspaceId is
// still known, and kills every session whose workspaceId is not — the
// embedding application closed that workspace (or never re-registered it)
// since the daemon last saw it.
func (m *Manager) reconcile(knownWorkspaceIDs []string) error {
	resp, err := m.c.Request(protocol.ReqListSessions, nil)
	if err != nil {
		return err
	}
	if !resp.OK {
		return nil
	}
	var result protocol.ListSessionsResult
	reencode(resp.Payload, &result)

	known := make(map[string]bool, len(knownWorkspaceIDs))
	for _, w := range knownWorkspaceIDs {
		known[w] = true
	}

	m.mu.Lock()
	var stale []string
	for _, info := range result.Sessions {
		if info.WorkspaceID != "" && !known[info.WorkspaceID] {
			stale = append(stale, info.SessionID)
			continue
		}
		m.byPane[info.PaneID] = info
	}
	m.mu.Unlock()

	for _, sessionID := range stale {
		m.c.Request(protocol.ReqKill, protocol.KillPayload{SessionID: sessionID, DeleteHistory: true})
	}
	return nil
}

// CreateOrAttach ensures a session exists for paneID, applying
// priority-based admission control before sending the request (spec.md
// §4.E/§4.I, §9). Concurrent callers for the same pane are serialized, not
// merged: a caller that finds a request in flight waits for it to finish
// and then sends its own createOrAttach request, receiving its own result.
func (m *Manager) CreateOrAttach(ctx context.Context, paneID string, req protocol.CreateOrAttachPayload, priority int) (protocol.CreateOrAttachResult, error) {
	for {
		m.mu.Lock()
		if wait, busy := m.inFlight[paneID]; busy {
			m.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return protocol.CreateOrAttachResult{}, ctx.Err()
			}
		}
		done := make(chan struct{})
		m.inFlight[paneID] = done
		m.mu.Unlock()

		release, err := m.sem.Acquire(ctx, priority)
		if err != nil {
			m.mu.Lock()
			delete(m.inFlight, paneID)
			m.mu.Unlock()
			close(done)
			return protocol.CreateOrAttachResult{}, err
		}

		req.PaneID = paneID
		resp, reqErr := m.c.Request(protocol.ReqCreateOrAttach, req)
		release()

		m.mu.Lock()
		delete(m.inFlight, paneID)
		m.mu.Unlock()
		close(done)

		if reqErr != nil {
			return protocol.CreateOrAttachResult{}, reqErr
		}
		if !resp.OK {
			return protocol.CreateOrAttachResult{}, resp.Error
		}
		var result protocol.CreateOrAttachResult
		reencode(resp.Payload, &result)

		m.mu.Lock()
		m.byPane[paneID] = protocol.SessionInfo{
			SessionID: result.SessionID, PaneID: paneID, Pid: result.Pid,
			IsAlive: true, LastAttachedAt: time.Now().UnixMilli(),
		}
		m.mu.Unlock()
		return result, nil
	}
}

// Tombstone marks paneID as deliberately killed and drops it from the live
// cache (spec.md §4.I); IsTombstoned reports the mark. CreateOrAttach does
// not consult the tombstone table, so a later call for the same pane still
// reaches the daemon.
func (m *Manager) Tombstone(paneID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tombSet[paneID] {
		return
	}
	if len(m.tombstones) >= tombstoneCapacity {
		oldest := m.tombstones[0]
		m.tombstones = m.tombstones[1:]
		delete(m.tombSet, oldest)
	}
	m.tombstones = append(m.tombstones, paneID)
	m.tombSet[paneID] = true
	delete(m.byPane, paneID)
}

// IsTombstoned reports whether paneID was explicitly killed.
func (m *Manager) IsTombstoned(paneID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tombSet[paneID]
}

// OnPaneData registers a handler for data events on the session currently
// mapped to paneID.
func (m *Manager) OnPaneData(paneID string, h EventHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.byPaneData[paneID] = h
}

// OnPaneExit registers a handler for exit events on the session currently
// mapped to paneID.
func (m *Manager) OnPaneExit(paneID string, h EventHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.byPaneExit[paneID] = h
}

func (m *Manager) routeData(ev protocol.Event) {
	paneID := m.paneForSession(ev.SessionID)
	if paneID == "" {
		return
	}
	m.handlersMu.Lock()
	h := m.byPaneData[paneID]
	m.handlersMu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (m *Manager) routeExit(ev protocol.Event) {
	paneID := m.paneForSession(ev.SessionID)
	if paneID == "" {
		return
	}
	m.handlersMu.Lock()
	h := m.byPaneExit[paneID]
	m.handlersMu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (m *Manager) paneForSession(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pane, info := range m.byPane {
		if info.SessionID == sessionID {
			return pane
		}
	}
	return ""
}
