// Package dedup provides TTL-bounded deduplication for trigger firings and
// idempotent step replay. Entries live in process memory; the store's unique
// dedup index remains the durable backstop.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/weftwork/weft/pkg/schema"
)

// DefaultTTL bounds how long a dedup key suppresses duplicate firings.
const DefaultTTL = 24 * time.Hour

// Cache wraps an expiring in-memory cache with the two access patterns the
// coordinator needs: atomic first-writer-wins claims for run dedup keys, and
// get/put of cached step outputs keyed by input hash.
type Cache struct {
	runs  *gocache.Cache
	steps *gocache.Cache
}

// New creates a Cache with the given TTL. A non-positive TTL falls back to
// DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cleanup := ttl / 2
	if cleanup > 10*time.Minute {
		cleanup = 10 * time.Minute
	}
	return &Cache{
		runs:  gocache.New(ttl, cleanup),
		steps: gocache.New(ttl, cleanup),
	}
}

// ClaimRun atomically claims a dedup key for a run. It returns the run ID
// that owns the key and whether this call won the claim. A losing call
// returns the winner's run ID.
func (c *Cache) ClaimRun(tenantID, dedupKey, runID string) (string, bool) {
	key := tenantID + "|" + dedupKey
	if err := c.runs.Add(key, runID, gocache.DefaultExpiration); err != nil {
		if existing, ok := c.runs.Get(key); ok {
			return existing.(string), false
		}
		// Entry expired between Add and Get; retry once.
		if err := c.runs.Add(key, runID, gocache.DefaultExpiration); err == nil {
			return runID, true
		}
		if existing, ok := c.runs.Get(key); ok {
			return existing.(string), false
		}
		return runID, true
	}
	return runID, true
}

// ReleaseRun drops a claimed dedup key, re-admitting future firings.
func (c *Cache) ReleaseRun(tenantID, dedupKey string) {
	c.runs.Delete(tenantID + "|" + dedupKey)
}

// PutStep caches a step envelope under (run, node, input hash) for
// idempotent replay on retry after a crash.
func (c *Cache) PutStep(runID, nodeID, inputHash string, env *schema.Envelope) {
	c.steps.Set(stepKey(runID, nodeID, inputHash), env, gocache.DefaultExpiration)
}

// GetStep returns a previously cached envelope for the same input, if any.
func (c *Cache) GetStep(runID, nodeID, inputHash string) (*schema.Envelope, bool) {
	v, ok := c.steps.Get(stepKey(runID, nodeID, inputHash))
	if !ok {
		return nil, false
	}
	return v.(*schema.Envelope), true
}

func stepKey(runID, nodeID, inputHash string) string {
	return runID + "|" + nodeID + "|" + inputHash
}

// HashItems computes a stable SHA-256 over a sequence of JSON items. The
// items are hashed in order after compaction, so formatting differences do
// not change the hash but ordering does.
func HashItems(items []schema.Item) string {
	h := sha256.New()
	for _, it := range items {
		h.Write(compactJSON(it))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashInput computes the dedup input hash for a run: the trigger node ID
// plus the canonicalized input items.
func HashInput(triggerNodeID string, items []schema.Item) string {
	h := sha256.New()
	h.Write([]byte(triggerNodeID))
	h.Write([]byte{0})
	for _, it := range items {
		h.Write(compactJSON(it))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// compactJSON canonicalizes a JSON value: objects get sorted keys, all
// insignificant whitespace is dropped. Invalid JSON is hashed as-is.
func compactJSON(raw json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := marshalCanonical(v)
	if err != nil {
		return raw
	}
	return out
}

func marshalCanonical(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalCanonical(t[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		return append(buf, '}'), nil
	case []any:
		buf := []byte{'['}
		for i, e := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			eb, err := marshalCanonical(e)
			if err != nil {
				return nil, err
			}
			buf = append(buf, eb...)
		}
		return append(buf, ']'), nil
	default:
		return json.Marshal(v)
	}
}
