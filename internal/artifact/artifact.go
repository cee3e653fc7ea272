// Package artifact stores oversized step payloads outside the relational
// store. Large outputs are replaced by an object reference of the form
// weft://bucket/tenant/key so run and step rows stay small.
package artifact

import (
	"context"
	"fmt"
	"strings"

	"github.com/weftwork/weft/pkg/schema"
)

// Store reads and writes offloaded payloads. Keys are scoped per tenant; the
// same key under two tenants never collides.
type Store interface {
	Put(ctx context.Context, tenantID, key string, data []byte) (string, error)
	Get(ctx context.Context, tenantID, key string) ([]byte, error)
	Delete(ctx context.Context, tenantID, key string) error
}

const refScheme = "weft://"

// Ref builds the reference string stored in place of the payload.
func Ref(bucket, tenantID, key string) string {
	return refScheme + bucket + "/" + objectKey(tenantID, key)
}

// ParseRef splits a reference back into bucket, tenant, and key.
func ParseRef(ref string) (bucket, tenantID, key string, err error) {
	rest, ok := strings.CutPrefix(ref, refScheme)
	if !ok {
		return "", "", "", schema.NewErrorf(schema.ErrCodeValidation, "not an artifact reference: %q", ref)
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", schema.NewErrorf(schema.ErrCodeValidation, "malformed artifact reference: %q", ref)
	}
	return parts[0], parts[1], parts[2], nil
}

// IsRef reports whether s looks like an offloaded payload reference.
func IsRef(s string) bool {
	return strings.HasPrefix(s, refScheme)
}

func objectKey(tenantID, key string) string {
	return fmt.Sprintf("%s/%s", tenantID, strings.TrimPrefix(key, "/"))
}
