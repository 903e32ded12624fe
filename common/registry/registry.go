package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	redisw "github.com/lyzr/conductor/common/redis"
)

// RegistryKey is the hash holding one entry per live agent
const RegistryKey = "agents:registry"

// Entry describes a registered agent process
type Entry struct {
	AgentID       string    `json:"agent_id"`
	AgentType     string    `json:"agent_type"`
	Version       string    `json:"version"`
	Capabilities  []string  `json:"capabilities"`
	Status        string    `json:"status,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// AgentRegistry tracks which agent processes are alive and what they do
type AgentRegistry interface {
	Register(ctx context.Context, entry Entry) error
	Deregister(ctx context.Context, agentID string) error
	Get(ctx context.Context, agentID string) (Entry, error)
	List(ctx context.Context) ([]Entry, error)
	Types(ctx context.Context) ([]string, error)
}

// Logger is the subset of the logging API the registry uses
type Logger interface {
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// RedisRegistry stores entries in the agents:registry hash
type RedisRegistry struct {
	client *redisw.Client
	log    Logger
}

// NewRedisRegistry creates a registry over a Redis client
func NewRedisRegistry(client *redisw.Client, log Logger) *RedisRegistry {
	return &RedisRegistry{client: client, log: log}
}

func (r *RedisRegistry) Register(ctx context.Context, entry Entry) error {
	if entry.AgentID == "" {
		return fmt.Errorf("agent entry has no agent_id")
	}
	if entry.RegisteredAt.IsZero() {
		entry.RegisteredAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal registry entry: %w", err)
	}
	return r.client.SetHash(ctx, RegistryKey, entry.AgentID, string(data))
}

func (r *RedisRegistry) Deregister(ctx context.Context, agentID string) error {
	return r.client.DeleteHashField(ctx, RegistryKey, agentID)
}

func (r *RedisRegistry) Get(ctx context.Context, agentID string) (Entry, error) {
	raw, err := r.client.GetHash(ctx, RegistryKey, agentID)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, fmt.Errorf("corrupt registry entry for %s: %w", agentID, err)
	}
	return entry, nil
}

// List returns all registered agents. Read failures and corrupt entries
// degrade to an empty or partial list rather than an error, so callers
// on the dispatch path never fail on registry reads.
func (r *RedisRegistry) List(ctx context.Context) ([]Entry, error) {
	raw, err := r.client.GetAllHash(ctx, RegistryKey)
	if err != nil {
		r.log.Warn("registry read failed, returning empty list", "error", err)
		return []Entry{}, nil
	}

	entries := make([]Entry, 0, len(raw))
	for agentID, data := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			r.log.Warn("skipping corrupt registry entry", "agent_id", agentID, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].AgentID < entries[j].AgentID })
	return entries, nil
}

func (r *RedisRegistry) Types(ctx context.Context) ([]string, error) {
	entries, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	return agentTypes(entries), nil
}

// MemoryRegistry is an in-process registry for tests and single-node runs
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryRegistry creates an empty in-memory registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]Entry)}
}

func (m *MemoryRegistry) Register(ctx context.Context, entry Entry) error {
	if entry.AgentID == "" {
		return fmt.Errorf("agent entry has no agent_id")
	}
	if entry.RegisteredAt.IsZero() {
		entry.RegisteredAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.AgentID] = entry
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, agentID)
	return nil
}

func (m *MemoryRegistry) Get(ctx context.Context, agentID string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[agentID]
	if !ok {
		return Entry{}, fmt.Errorf("agent not registered: %s", agentID)
	}
	return entry, nil
}

func (m *MemoryRegistry) List(ctx context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].AgentID < entries[j].AgentID })
	return entries, nil
}

func (m *MemoryRegistry) Types(ctx context.Context) ([]string, error) {
	entries, _ := m.List(ctx)
	return agentTypes(entries), nil
}

func agentTypes(entries []Entry) []string {
	seen := make(map[string]bool, len(entries))
	var types []string
	for _, entry := range entries {
		if entry.AgentType == "" || seen[entry.AgentType] {
			continue
		}
		seen[entry.AgentType] = true
		types = append(types, entry.AgentType)
	}
	sort.Strings(types)
	return types
}
