package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// Notifier pushes notifications to connected clients.
type Notifier interface {
	Notify(ctx context.Context, clientID string, payload map[string]any) error
}

// MCPNotifier implements Notifier using MCP server push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via MCP sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the client's session.
// Best-effort: returns nil if the client is not connected.
func (n *MCPNotifier) Notify(_ context.Context, clientID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(clientID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// lifecycle lists the run events forwarded to run owners.
var lifecycle = []string{
	schema.EventRunSucceeded,
	schema.EventRunFailed,
	schema.EventRunCanceled,
	schema.EventRunWaiting,
}

// Watch subscribes to lifecycle events of owned runs and forwards them to
// their clients in the background until ctx is done. It is a no-op when the
// server has no hub.
func (s *Server) Watch(ctx context.Context) error {
	if s.hub == nil {
		return nil
	}
	events, unsubscribe, err := s.hub.Subscribe(ctx, streaming.EventFilter{EventTypes: lifecycle})
	if err != nil {
		return err
	}

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.forward(ctx, ev)
			}
		}
	}()
	return nil
}

func (s *Server) forward(ctx context.Context, ev streaming.StreamEvent) {
	s.ownersMu.Lock()
	clientID, ok := s.owners[ev.RunID]
	if ok && ev.EventType != schema.EventRunWaiting {
		delete(s.owners, ev.RunID)
	}
	s.ownersMu.Unlock()
	if !ok {
		return
	}

	payload := map[string]any{
		"run_id":     ev.RunID,
		"event_type": ev.EventType,
		"timestamp":  ev.Timestamp,
	}
	if ev.Payload != nil {
		payload["payload"] = ev.Payload
	}
	if err := s.notifier.Notify(ctx, clientID, payload); err != nil {
		s.logger.Warn("notify client",
			slog.String("client_id", clientID),
			slog.String("run_id", ev.RunID),
			slog.String("error", err.Error()),
		)
	}
}
