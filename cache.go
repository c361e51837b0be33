package mssql

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

// fingerprint identifies a command for cache purposes: text, parameter
// shape (names, declared types, sizes, scales), and the effective column-
// encryption setting (spec §4.3).
type fingerprint uint64

func computeFingerprint(cmd *Command) fingerprint {
	h := xxhash.New()
	_, _ = h.WriteString(cmd.text)
	_, _ = h.WriteString(cmd.parameters.shapeKey())
	_, _ = h.Write([]byte{byte(cmd.effectiveColumnEncryptionSetting())})
	return fingerprint(h.Sum64())
}

// cacheEntry is the cached per-parameter cipher metadata for one
// fingerprint, keyed by parameter name.
type cacheEntry struct {
	byParam map[string]*CipherMetadata
}

// QueryMetadataCache is the process-wide, synchronization-guarded cache
// named in spec §3 component 6 and §9 ("only the Query Metadata Cache and
// the default retry-policy provider are process-wide"). A
// golang.org/x/sync/singleflight group collapses concurrent
// describe-parameter-encryption round trips for the same fingerprint
// issued by distinct commands into one winner, so a cache stampede does
// not turn into N redundant RPCs.
type QueryMetadataCache struct {
	mu      sync.RWMutex
	entries map[fingerprint]*cacheEntry

	describeGroup singleflight.Group
}

// NewQueryMetadataCache constructs an empty cache. Applications normally
// hold one process-wide instance (spec §9).
func NewQueryMetadataCache() *QueryMetadataCache {
	return &QueryMetadataCache{entries: make(map[fingerprint]*cacheEntry)}
}

// GetIfExists stamps each parameter with its cached cipher metadata on a
// hit and reports whether the fingerprint was present (spec §6).
func (c *QueryMetadataCache) GetIfExists(cmd *Command) bool {
	fp := computeFingerprint(cmd)
	c.mu.RLock()
	entry, ok := c.entries[fp]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	for _, p := range cmd.parameters.All() {
		if cm, found := entry.byParam[p.Name]; found {
			p.Cipher = cm
			p.HasReceivedMetadata = true
		}
	}
	return true
}

// Add inserts the command's current per-parameter cipher metadata into the
// cache, keyed by its fingerprint. ignoreReturnValueParams mirrors spec
// §6's Add(command, ignore_return_value_params): return-value parameters
// never carry cipher metadata, so callers pass true to skip them.
func (c *QueryMetadataCache) Add(cmd *Command, ignoreReturnValueParams bool) {
	entry := &cacheEntry{byParam: make(map[string]*CipherMetadata)}
	for _, p := range cmd.parameters.All() {
		if ignoreReturnValueParams && p.Direction == DirectionReturnValue {
			continue
		}
		if p.Cipher != nil {
			entry.byParam[p.Name] = p.Cipher
		}
	}
	fp := computeFingerprint(cmd)
	c.mu.Lock()
	c.entries[fp] = entry
	c.mu.Unlock()
}

// Invalidate removes the command's fingerprint from the cache, used after
// a protocol-retryable failure (spec §4.3, §8 property 4).
func (c *QueryMetadataCache) Invalidate(cmd *Command) {
	fp := computeFingerprint(cmd)
	c.mu.Lock()
	delete(c.entries, fp)
	c.mu.Unlock()
}

// coalesceDescribe runs fn at most once per fingerprint concurrently in
// flight; concurrent callers for the same fingerprint block on the first
// caller's result instead of each issuing their own describe-parameter-
// encryption RPC.
func (c *QueryMetadataCache) coalesceDescribe(cmd *Command, fn func() (any, error)) (any, error, bool) {
	fp := computeFingerprint(cmd)
	key := formatFingerprint(fp)
	v, err, shared := c.describeGroup.Do(key, fn)
	return v, err, shared
}

func formatFingerprint(fp fingerprint) string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 16)
	v := uint64(fp)
	for i := 15; i >= 0; i-- {
		buf[i] = hex[v&0xf]
		v >>= 4
	}
	return string(buf)
}
