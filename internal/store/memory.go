package store

import (
	"context"
	"sync"
	"time"
)

// MemoryCredentialStore is an in-memory CredentialStore for tests and the
// default zero-config setup.
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{creds: make(map[string]Credential)}
}

func (m *MemoryCredentialStore) EnsureSchema(_ context.Context) error { return nil }

func (m *MemoryCredentialStore) Load(_ context.Context, instanceID string) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[instanceID]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryCredentialStore) Save(_ context.Context, cred Credential) error {
	m.mu.Lock()
	cred.UpdatedAt = time.Now().UTC()
	m.creds[cred.InstanceID] = cred
	m.mu.Unlock()
	return nil
}

func (m *MemoryCredentialStore) Delete(_ context.Context, instanceID string) error {
	m.mu.Lock()
	delete(m.creds, instanceID)
	m.mu.Unlock()
	return nil
}

// MemoryInstanceRegistry is an in-memory InstanceRegistry.
type MemoryInstanceRegistry struct {
	mu        sync.RWMutex
	instances map[string]InstanceMeta
}

func NewMemoryInstanceRegistry() *MemoryInstanceRegistry {
	return &MemoryInstanceRegistry{instances: make(map[string]InstanceMeta)}
}

func (m *MemoryInstanceRegistry) EnsureSchema(_ context.Context) error { return nil }

func (m *MemoryInstanceRegistry) Load(_ context.Context, instanceID string) (InstanceMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.instances[instanceID]
	if !ok {
		return InstanceMeta{}, ErrNotFound
	}
	return meta, nil
}

func (m *MemoryInstanceRegistry) Save(_ context.Context, meta InstanceMeta) error {
	m.mu.Lock()
	meta.UpdatedAt = time.Now().UTC()
	m.instances[meta.ID] = meta
	m.mu.Unlock()
	return nil
}

func (m *MemoryInstanceRegistry) UpdateStatus(_ context.Context, instanceID string, status InstanceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.instances[instanceID]
	if !ok {
		return ErrNotFound
	}
	meta.Status = status
	meta.UpdatedAt = time.Now().UTC()
	m.instances[instanceID] = meta
	return nil
}

func (m *MemoryInstanceRegistry) UpdateProcess(_ context.Context, instanceID string, port, pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.instances[instanceID]
	if !ok {
		return ErrNotFound
	}
	meta.AssignedPort = port
	meta.ProcessID = pid
	meta.UpdatedAt = time.Now().UTC()
	m.instances[instanceID] = meta
	return nil
}

func (m *MemoryInstanceRegistry) ActivePorts(_ context.Context) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ports := make([]int, 0, len(m.instances))
	for _, meta := range m.instances {
		if meta.Status == StatusActive && meta.AssignedPort != 0 {
			ports = append(ports, meta.AssignedPort)
		}
	}
	return ports, nil
}

func (m *MemoryInstanceRegistry) List(_ context.Context) ([]InstanceMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]InstanceMeta, 0, len(m.instances))
	for _, meta := range m.instances {
		out = append(out, meta)
	}
	return out, nil
}

func (m *MemoryInstanceRegistry) Delete(_ context.Context, instanceID string) error {
	m.mu.Lock()
	delete(m.instances, instanceID)
	m.mu.Unlock()
	return nil
}
