package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Load when no row exists for the instance.
var ErrNotFound = errors.New("store: not found")

// InstanceStatus is the durable lifecycle state of a tenant instance.
type InstanceStatus string

const (
	StatusPending  InstanceStatus = "pending"
	StatusActive   InstanceStatus = "active"
	StatusInactive InstanceStatus = "inactive"
	StatusExpired  InstanceStatus = "expired"
	StatusFailed   InstanceStatus = "failed"
)

// InstanceMeta is the durable record of one tenant's activated service.
// AssignedPort and ProcessID are zero when no worker is running.
// ExpiresAt is zero when the instance does not expire.
type InstanceMeta struct {
	ID          string         `json:"id"`
	ServiceType string         `json:"service_type"`
	OwnerID     string         `json:"owner_id"`
	Status      InstanceStatus `json:"status"`
	AssignedPort int           `json:"assigned_port"`
	ProcessID    int           `json:"process_id"`
	ExpiresAt    time.Time     `json:"expires_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Credential is the durable token material for one instance.
// ClientID/ClientSecret/TokenURL are the provider client credentials used for
// the direct token-endpoint refresh path.
type Credential struct {
	InstanceID   string    `json:"instance_id"`
	ServiceType  string    `json:"service_type"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	TokenURL     string    `json:"token_url"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CredentialStore is the durable record of tenant credentials.
// Implementations must be safe for concurrent use.
type CredentialStore interface {
	EnsureSchema(ctx context.Context) error
	Load(ctx context.Context, instanceID string) (Credential, error)
	Save(ctx context.Context, cred Credential) error
	Delete(ctx context.Context, instanceID string) error
}

// InstanceRegistry is the durable record of instance metadata.
// Implementations must be safe for concurrent use.
type InstanceRegistry interface {
	EnsureSchema(ctx context.Context) error
	Load(ctx context.Context, instanceID string) (InstanceMeta, error)
	Save(ctx context.Context, meta InstanceMeta) error
	UpdateStatus(ctx context.Context, instanceID string, status InstanceStatus) error
	UpdateProcess(ctx context.Context, instanceID string, port, pid int) error
	// ActivePorts returns ports recorded as assigned to active instances.
	// Used to seed the port allocator exclusion set on cold start.
	ActivePorts(ctx context.Context) ([]int, error)
	List(ctx context.Context) ([]InstanceMeta, error)
	Delete(ctx context.Context, instanceID string) error
}
