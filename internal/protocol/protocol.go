package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Message types exchanged between the orchestrator/handlers and a worker over
// its TCP port. Wire format is newline-delimited JSON.
const (
	TypePing     = "ping"
	TypePong     = "pong"
	TypeHello    = "hello"
	TypeReady    = "ready"
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeError    = "error"
)

// Environment variables carrying the spawn parameters into a worker process.
const (
	EnvInstanceID  = "BRUHMCP_INSTANCE_ID"
	EnvServiceType = "BRUHMCP_SERVICE_TYPE"
	EnvPort        = "BRUHMCP_PORT"
	EnvCredential  = "BRUHMCP_CREDENTIAL"
)

// CredentialHandle is the JSON payload passed to a worker via EnvCredential.
// It is process-local: it never crosses the network.
type CredentialHandle struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Message is the single envelope for all worker traffic.
type Message struct {
	Type     string          `json:"type"`
	Instance string          `json:"instance,omitempty"`
	Service  string          `json:"service,omitempty"`
	ID       string          `json:"id,omitempty"`
	Method   string          `json:"method,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Write sends one message as a JSON line.
func Write(conn net.Conn, msg Message, deadline time.Time) error {
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = conn.Write(append(b, '\n'))
	return err
}

// Read receives one JSON line message.
func Read(r *bufio.Reader, conn net.Conn, deadline time.Time) (Message, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return Message{}, err
	}
	line, err := r.ReadBytes('\n')
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, fmt.Errorf("malformed protocol line: %w", err)
	}
	return msg, nil
}

// RoundTrip writes msg and reads one reply on a fresh buffered reader.
func RoundTrip(conn net.Conn, msg Message, deadline time.Time) (Message, error) {
	if err := Write(conn, msg, deadline); err != nil {
		return Message{}, err
	}
	return Read(bufio.NewReader(conn), conn, deadline)
}
