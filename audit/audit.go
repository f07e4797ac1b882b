// Package audit records an audit trail of Mastodon login flows.
// Events are emitted by FlowWrapper around the login flow and written by an
// AuditLogger, such as ZapLogger.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"slices"
	"strings"
	"time"
)

// AuditLogger writes audit events somewhere durable. Implementations are
// called from concurrent requests. A logging failure never fails the audited
// login.
type AuditLogger interface {
	Log(ctx context.Context, event *AuditEvent) error
}

// NoOpAuditor discards every event. FlowWrapper falls back to it.
type NoOpAuditor struct{}

func (NoOpAuditor) Log(context.Context, *AuditEvent) error { return nil }

// EventType names a step of the login flow.
type EventType string

const (
	// Login flow events
	EventLoginStart    EventType = "login.start"
	EventLoginCallback EventType = "login.callback"
	EventLogout        EventType = "login.logout"

	// Callback steps
	EventTokenExchange EventType = "login.token_exchange"
	EventProfileFetch  EventType = "login.profile"
	EventProvision     EventType = "login.provision"

	// Session events
	EventSessionCreate EventType = "session.create"
	EventSessionDelete EventType = "session.delete"
)

// EventResult is how a step ended.
type EventResult string

const (
	EventResultSuccess EventResult = "success"
	EventResultFailure EventResult = "failure"

	// EventResultDenied means the user or the instance refused the login.
	EventResultDenied EventResult = "denied"
)

// AuditEvent is one entry of the login audit trail.
type AuditEvent struct {
	Timestamp   time.Time   `json:"timestamp"`
	EventType   EventType   `json:"event_type"`
	EventResult EventResult `json:"event_result"`

	// Actor is the Mastodon account, known only once the profile is fetched.
	Actor *Actor `json:"actor,omitempty"`

	// Resource is the federated identity or local user the event concerns.
	Resource *Resource `json:"resource,omitempty"`

	Source *Source `json:"source,omitempty"`

	// Error is the user-facing error category, never the raw provider error.
	Error string `json:"error,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// SessionID is the flow session the event belongs to.
	SessionID string `json:"session_id,omitempty"`

	TraceID string `json:"trace_id,omitempty"`
}

// Actor is the Mastodon account behind a login.
type Actor struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"` // user@instance, may be redacted
	Provider string `json:"provider,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// Resource is the object a login event is about.
type Resource struct {
	Type string `json:"type"` // "identity"
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`

	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Source describes the browser request that triggered an event.
type Source struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// RedactionConfig masks personal data before events are written.
type RedactionConfig struct {
	// RedactUsername masks the local part of usernames ("a***e@mastodon.social").
	RedactUsername bool

	// RedactIPAddress masks the host part of IP addresses.
	RedactIPAddress bool

	// RedactSessionID replaces the flow session id, which unlocks the stored
	// access token, with a short SHA-256 fingerprint. Events of one session
	// still share the same value.
	RedactSessionID bool

	// RedactMetadata replaces the values of MetadataRedactionKeys.
	RedactMetadata        bool
	MetadataRedactionKeys []string

	// CustomRedactor replaces the built-in rules when set.
	CustomRedactor func(*AuditEvent) *AuditEvent
}

// ApplyRedaction returns a redacted copy of event; event is not modified.
func (rc *RedactionConfig) ApplyRedaction(event *AuditEvent) *AuditEvent {
	if rc == nil {
		return event
	}

	out := *event
	if rc.CustomRedactor != nil {
		return rc.CustomRedactor(&out)
	}

	if out.Actor != nil {
		actor := *out.Actor
		if rc.RedactUsername && actor.Username != "" {
			actor.Username = redactAccount(actor.Username)
		}
		out.Actor = &actor
	}
	if out.Source != nil {
		src := *out.Source
		if rc.RedactIPAddress && src.IPAddress != "" {
			src.IPAddress = redactIPAddress(src.IPAddress)
		}
		out.Source = &src
	}
	if rc.RedactSessionID && out.SessionID != "" {
		out.SessionID = fingerprint(out.SessionID)
	}
	if rc.RedactMetadata {
		out.Metadata = rc.redactMetadata(out.Metadata)
	}
	return &out
}

// fingerprint returns "sha256:" and the first 16 hex digits of the digest.
func fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return "sha256:" + hex.EncodeToString(sum[:8])
}

func (rc *RedactionConfig) redactMetadata(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		if slices.Contains(rc.MetadataRedactionKeys, k) {
			v = "[REDACTED]"
		}
		out[k] = v
	}
	return out
}

// redactAccount masks the local part of a "user@instance" account and keeps
// the instance, which is not personal data.
func redactAccount(account string) string {
	local, instance, found := strings.Cut(strings.TrimPrefix(account, "@"), "@")
	if !found {
		return redactString(local)
	}
	return redactString(local) + "@" + instance
}

// redactString keeps the first and last byte: "alice" -> "a***e".
func redactString(s string) string {
	switch {
	case len(s) < 2:
		return "***"
	case len(s) == 2:
		return s[:1] + "*"
	default:
		return s[:1] + "***" + s[len(s)-1:]
	}
}

// redactIPAddress keeps the network part of an address:
// "192.168.1.1" -> "192.168.*.*", "2001:db8::1" -> "2001:db8::*".
func redactIPAddress(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "***"
	}
	if v4 := parsed.To4(); v4 != nil {
		parts := strings.Split(v4.String(), ".")
		return parts[0] + "." + parts[1] + ".*.*"
	}
	masked := parsed.Mask(net.CIDRMask(32, 128))
	return strings.TrimSuffix(masked.String(), "::") + "::*"
}
