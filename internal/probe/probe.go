package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/MyAirVault/BruhMCP-sub018/internal/protocol"
)

// Prober performs liveness and readiness checks against a worker port.
// It is stateless and safe for concurrent use.
type Prober struct {
	DialTimeout time.Duration
	IOTimeout   time.Duration
}

func New() Prober {
	return Prober{DialTimeout: 2 * time.Second, IOTimeout: 3 * time.Second}
}

func (p Prober) dial(ctx context.Context, port int) (net.Conn, error) {
	d := net.Dialer{Timeout: p.DialTimeout}
	return d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
}

// Liveness checks that something accepts TCP connections on the port.
func (p Prober) Liveness(ctx context.Context, port int) error {
	conn, err := p.dial(ctx, port)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Readiness performs the protocol handshake: hello must be answered by ready.
func (p Prober) Readiness(ctx context.Context, port int) error {
	conn, err := p.dial(ctx, port)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	reply, err := protocol.RoundTrip(conn, protocol.Message{Type: protocol.TypeHello}, p.deadline(ctx))
	if err != nil {
		return err
	}
	if reply.Type != protocol.TypeReady {
		return fmt.Errorf("handshake: expected %q, got %q", protocol.TypeReady, reply.Type)
	}
	return nil
}

// Ping performs one liveness round-trip used by the continuous monitor.
func (p Prober) Ping(ctx context.Context, port int) error {
	conn, err := p.dial(ctx, port)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	reply, err := protocol.RoundTrip(conn, protocol.Message{Type: protocol.TypePing}, p.deadline(ctx))
	if err != nil {
		return err
	}
	if reply.Type != protocol.TypePong {
		return fmt.Errorf("ping: expected %q, got %q", protocol.TypePong, reply.Type)
	}
	return nil
}

func (p Prober) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(p.IOTimeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}
