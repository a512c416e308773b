package workerd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/MyAirVault/BruhMCP-sub018/internal/protocol"
)

// Config is the spawn contract: the orchestrator passes everything a worker
// needs through the environment.
type Config struct {
	InstanceID  string
	ServiceType string
	Port        int
	Credential  protocol.CredentialHandle
}

// ConfigFromEnv reads the spawn environment set by the orchestrator.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	cfg.InstanceID = os.Getenv(protocol.EnvInstanceID)
	if cfg.InstanceID == "" {
		return cfg, fmt.Errorf("%s not set", protocol.EnvInstanceID)
	}
	cfg.ServiceType = os.Getenv(protocol.EnvServiceType)
	if cfg.ServiceType == "" {
		return cfg, fmt.Errorf("%s not set", protocol.EnvServiceType)
	}
	port, err := strconv.Atoi(os.Getenv(protocol.EnvPort))
	if err != nil || port <= 0 {
		return cfg, fmt.Errorf("%s invalid: %q", protocol.EnvPort, os.Getenv(protocol.EnvPort))
	}
	cfg.Port = port
	if raw := os.Getenv(protocol.EnvCredential); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Credential); err != nil {
			return cfg, fmt.Errorf("%s invalid: %w", protocol.EnvCredential, err)
		}
	}
	return cfg, nil
}

// Dispatcher executes one request method against the fronted service.
type Dispatcher interface {
	Dispatch(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

// Worker is the long-running per-instance process body: it binds the assigned
// port and answers the supervision protocol (ping, hello) plus requests.
type Worker struct {
	cfg      Config
	dispatch Dispatcher
	log      *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

func New(cfg Config, d Dispatcher, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if d == nil {
		d = BuiltinDispatcher{Cfg: cfg}
	}
	return &Worker{cfg: cfg, dispatch: d, log: log}
}

// Run listens on the assigned port and serves until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", w.cfg.Port))
	if err != nil {
		return fmt.Errorf("bind assigned port %d: %w", w.cfg.Port, err)
	}
	w.mu.Lock()
	w.ln = ln
	w.mu.Unlock()
	w.log.Info("worker listening",
		"instance", w.cfg.InstanceID, "service", w.cfg.ServiceType, "port", w.cfg.Port)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.serveConn(ctx, conn)
		}()
	}
}

func (w *Worker) serveConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	rd := bufio.NewReader(conn)
	for {
		msg, err := protocol.Read(rd, conn, time.Now().Add(5*time.Minute))
		if err != nil {
			return
		}
		reply := w.handle(ctx, msg)
		if err := protocol.Write(conn, reply, time.Now().Add(10*time.Second)); err != nil {
			return
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg protocol.Message) protocol.Message {
	base := protocol.Message{
		Instance: w.cfg.InstanceID,
		Service:  w.cfg.ServiceType,
		ID:       msg.ID,
	}
	switch msg.Type {
	case protocol.TypePing:
		base.Type = protocol.TypePong
		return base
	case protocol.TypeHello:
		base.Type = protocol.TypeReady
		return base
	case protocol.TypeRequest:
		result, err := w.dispatch.Dispatch(ctx, msg.Method, msg.Params)
		if err != nil {
			base.Type = protocol.TypeError
			base.Error = err.Error()
			return base
		}
		base.Type = protocol.TypeResponse
		base.Result = result
		return base
	default:
		base.Type = protocol.TypeError
		base.Error = fmt.Sprintf("unsupported message type %q", msg.Type)
		return base
	}
}

// ErrUnknownMethod is returned by the builtin dispatcher for methods it does
// not implement.
var ErrUnknownMethod = errors.New("unknown method")

// BuiltinDispatcher serves the introspection methods every worker supports
// regardless of the fronted service.
type BuiltinDispatcher struct {
	Cfg Config
}

func (d BuiltinDispatcher) Dispatch(_ context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	switch method {
	case "echo":
		if len(params) == 0 {
			return json.RawMessage(`null`), nil
		}
		return params, nil
	case "whoami":
		return json.Marshal(map[string]any{
			"instance_id":  d.Cfg.InstanceID,
			"service_type": d.Cfg.ServiceType,
			"pid":          os.Getpid(),
		})
	case "capabilities":
		return json.Marshal(map[string]any{
			"service_type":     d.Cfg.ServiceType,
			"token_present":    d.Cfg.Credential.AccessToken != "",
			"token_expires_at": d.Cfg.Credential.ExpiresAt,
			"methods":          []string{"echo", "whoami", "capabilities"},
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
}
