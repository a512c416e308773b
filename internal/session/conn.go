package session

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MyAirVault/BruhMCP-sub018/internal/protocol"
)

// connHandler is the stock Handler: one pinned TCP connection to the worker's
// port, re-dialed transparently after an I/O failure. Requests on one session
// are serialized; the worker sees at most one in-flight message per session.
type connHandler struct {
	instanceID  string
	serviceType string
	addr        string
	dialTimeout time.Duration
	ioTimeout   time.Duration

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
}

// DialFactory builds connHandlers for the registry.
func DialFactory(instanceID, serviceType string, port int) (Handler, error) {
	h := &connHandler{
		instanceID:  instanceID,
		serviceType: serviceType,
		addr:        fmt.Sprintf("127.0.0.1:%d", port),
		dialTimeout: 2 * time.Second,
		ioTimeout:   10 * time.Second,
	}
	if err := h.connect(context.Background()); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *connHandler) connect(ctx context.Context) error {
	d := net.Dialer{Timeout: h.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", h.addr)
	if err != nil {
		return err
	}
	h.conn = conn
	h.rd = bufio.NewReader(conn)
	return nil
}

func (h *connHandler) dropLocked() {
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
		h.rd = nil
	}
}

// HandleMessage forwards one request to the worker and returns its reply.
// A broken connection is re-dialed once before the error is surfaced.
func (h *connHandler) HandleMessage(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	msg.Instance = h.instanceID
	msg.Service = h.serviceType
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	reply, err := h.roundTripLocked(ctx, msg)
	if err != nil {
		h.dropLocked()
		if err = h.connect(ctx); err != nil {
			return protocol.Message{}, fmt.Errorf("reconnect worker: %w", err)
		}
		reply, err = h.roundTripLocked(ctx, msg)
		if err != nil {
			h.dropLocked()
			return protocol.Message{}, err
		}
	}
	return reply, nil
}

func (h *connHandler) roundTripLocked(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	if h.conn == nil {
		if err := h.connect(ctx); err != nil {
			return protocol.Message{}, err
		}
	}
	deadline := time.Now().Add(h.ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := protocol.Write(h.conn, msg, deadline); err != nil {
		return protocol.Message{}, err
	}
	return protocol.Read(h.rd, h.conn, deadline)
}

// Shutdown closes the pinned connection.
func (h *connHandler) Shutdown(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked()
	return nil
}
