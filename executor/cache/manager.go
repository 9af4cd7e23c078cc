// Package cache implements the node-result cache: a deterministic
// fingerprint over (flow id, tool identity, canonical inputs) indexed in
// an external key/value store. Participation is opt-in per node.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/lyzr/promptflow/common/kv"
	"github.com/lyzr/promptflow/common/logger"
	"github.com/lyzr/promptflow/connections"
	"github.com/lyzr/promptflow/contracts"
	"github.com/lyzr/promptflow/executor/tool"
)

// Info identifies one cacheable invocation.
type Info struct {
	HashID      string `json:"hash_id"`
	CacheString string `json:"cache_string"`
}

// Result is a cache lookup outcome.
type Result struct {
	HitCache        bool   `json:"hit_cache"`
	Result          any    `json:"result,omitempty"`
	CachedRunID     string `json:"cached_run_id,omitempty"`
	CachedFlowRunID string `json:"cached_flow_run_id,omitempty"`
}

type record struct {
	RunID     string `json:"run_id"`
	FlowRunID string `json:"flow_run_id"`
	Result    any    `json:"result"`
}

// Manager is the process-wide cache manager.
type Manager struct {
	store kv.Store
	ttl   time.Duration
	log   *logger.Logger
}

// New creates a cache manager over a key/value store. A zero TTL keeps
// entries until the store evicts them.
func New(store kv.Store, ttl time.Duration, log *logger.Logger) *Manager {
	return &Manager{store: store, ttl: ttl, log: log}
}

// CalculateCacheInfo fingerprints an invocation. It returns nil when the
// tool or its inputs are non-deterministic: a declared non-deterministic
// tool, a live connection handle or a lazy sequence among the arguments.
func (m *Manager) CalculateCacheInfo(flowID string, t *tool.Tool, args map[string]any) *Info {
	if m == nil || t == nil || t.NonDeterministic {
		return nil
	}
	for _, v := range args {
		if connections.IsConnectionValue(v) || contracts.IsStream(v) {
			return nil
		}
	}
	payload := map[string]any{
		"flow_id": flowID,
		"tool":    t.SourceIdentity,
		"inputs":  args,
	}
	// json.Marshal emits map keys in sorted order, giving a canonical form.
	cacheString, err := json.Marshal(payload)
	if err != nil {
		m.log.Warn("failed to canonicalize cache inputs", "tool", t.Name, "error", err)
		return nil
	}
	sum := sha256.Sum256(cacheString)
	return &Info{
		HashID:      hex.EncodeToString(sum[:]),
		CacheString: string(cacheString),
	}
}

// GetCacheResult checks the index. Missing or unreadable entries are
// misses; lookups never fail the node.
func (m *Manager) GetCacheResult(ctx context.Context, info *Info) *Result {
	miss := &Result{HitCache: false}
	if m == nil || info == nil {
		return miss
	}
	data, found, err := m.store.Get(ctx, info.HashID)
	if err != nil {
		m.log.Warn("cache lookup failed", "hash_id", info.HashID, "error", err)
		return miss
	}
	if !found {
		return miss
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		m.log.Warn("cache entry is corrupt, treating as miss", "hash_id", info.HashID, "error", err)
		return miss
	}
	return &Result{
		HitCache:        true,
		Result:          rec.Result,
		CachedRunID:     rec.RunID,
		CachedFlowRunID: rec.FlowRunID,
	}
}

// PersistResult records a completed node run under its fingerprint.
// Failures are non-fatal.
func (m *Manager) PersistResult(ctx context.Context, info *Info, runInfo *contracts.RunInfo) {
	if m == nil || info == nil || runInfo == nil || runInfo.Status != contracts.StatusCompleted {
		return
	}
	data, err := json.Marshal(record{
		RunID:     runInfo.RunID,
		FlowRunID: runInfo.FlowRunID,
		Result:    runInfo.Output,
	})
	if err != nil {
		m.log.Warn("failed to serialize cache record", "run_id", runInfo.RunID, "error", err)
		return
	}
	if err := m.store.Set(ctx, info.HashID, data, m.ttl); err != nil {
		m.log.Warn("failed to persist cache record", "hash_id", info.HashID, "error", err)
	}
}
