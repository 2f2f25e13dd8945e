package idempotency

import (
	"fmt"
	"strconv"
	"strings"
)

// KeyVersion prefixes every key this package produces, so a future format
// change can be detected by callers that persisted the old shape.
const KeyVersion = "v1"

// Scopes used by the ingestion pipeline. All three use the same key
// function; only the scope segment and the parts fed to it differ.
const (
	ScopeMessage    = "msg"
	ScopeAck        = "ack"
	ScopeAllocation = "alloc"
)

const unknownPlaceholder = "unknown"

// Key derives a stable, lower-cased key for (tenantId, instanceId, messageId,
// index). It never fails: empty fields are substituted with "unknown" rather
// than rejected, because the caller (C6/C7) must always be able to compute a
// dedupe key even for partially-resolved events.
//
// ACK callers pass index=0; allocation dedupe uses the same key shape with
// scope "alloc" (see AllocationKey).
func Key(tenantID, instanceID, messageID string, index int) string {
	return rawKey(ScopeMessage, tenantID, instanceID, messageID, index)
}

// AckKey is Key with the ack scope; index is always 0 for ACKs.
func AckKey(tenantID, instanceID, messageID string) string {
	return rawKey(ScopeAck, tenantID, instanceID, messageID, 0)
}

// AllocationKey is Key with the allocation scope and index 0. Its messageId
// slot holds campaignOrInstanceID and messageID joined by "|", which rawKey
// then rewrites to "_".
func AllocationKey(tenantID, instanceID, campaignOrInstanceID, messageID string) string {
	return rawKey(ScopeAllocation, tenantID, instanceID, fmt.Sprintf("%s|%s", campaignOrInstanceID, messageID), 0)
}

// rawKey implements C3 exactly: lower-cased concatenation with a separator
// that cannot appear in any field value, because every field is first
// stripped of the separator character itself.
func rawKey(scope, tenantID, instanceID, messageID string, index int) string {
	const sep = "|"
	fields := []string{
		orUnknown(tenantID),
		orUnknown(instanceID),
		orUnknown(messageID),
		strconv.Itoa(index),
	}
	for i, f := range fields {
		fields[i] = strings.ToLower(strings.ReplaceAll(f, sep, "_"))
	}
	return fmt.Sprintf("%s:%s:%s", KeyVersion, scope, strings.Join(fields, sep))
}

func orUnknown(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return unknownPlaceholder
	}
	return s
}
