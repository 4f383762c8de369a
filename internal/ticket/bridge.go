package ticket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/fedgate/fedgate/internal/common/errors"
	"github.com/fedgate/fedgate/internal/metrics"
)

// Kind discriminates the ticket families the bridge issues
type Kind string

const (
	KindArtifact       Kind = "artifact"
	KindAttributeQuery Kind = "attribute-query"
	KindSecurityToken  Kind = "security-token"
	KindRequestState   Kind = "request-state"
)

var kindPrefixes = map[Kind]string{
	KindArtifact:       "SAT-",
	KindAttributeQuery: "SAQ-",
	KindSecurityToken:  "SWT-",
	KindRequestState:   "SRS-",
}

// expiryGrace keeps consumed-but-expired tickets distinguishable from
// never-issued ones: the store TTL runs this much past the logical expiry,
// so a late resolve finds the envelope and reports expiry instead of a miss.
const expiryGrace = 5 * time.Minute

// envelope wraps the caller payload with the logical validity window
type envelope struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	IssuedAt  time.Time       `json:"issued_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Bridge issues and resolves one-time tickets over the registry
type Bridge struct {
	registry *Registry
	logger   *zap.Logger

	// now is swappable for expiry tests
	now func() time.Time
}

// NewBridge creates a ticket bridge
func NewBridge(registry *Registry, logger *zap.Logger) *Bridge {
	return &Bridge{
		registry: registry,
		logger:   logger.With(zap.String("component", "ticket_bridge")),
		now:      time.Now,
	}
}

// Issue stores payload as a new ticket of the given kind and lifetime,
// returning its identifier. Identifiers are unguessable and carry a
// kind-specific prefix.
func (b *Bridge) Issue(ctx context.Context, kind Kind, payload interface{}, lifetime time.Duration) (string, error) {
	prefix, ok := kindPrefixes[kind]
	if !ok {
		return "", apperrors.Internal(fmt.Sprintf("unknown ticket kind %q", kind), nil)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.Internal("failed to encode ticket payload", err)
	}

	now := b.now()
	env := envelope{
		ID:        prefix + uuid.New().String(),
		Kind:      kind,
		IssuedAt:  now,
		ExpiresAt: now.Add(lifetime),
		Payload:   raw,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", apperrors.Internal("failed to encode ticket", err)
	}

	if err := b.registry.Put(ctx, storeKey(env.ID), data, lifetime+expiryGrace); err != nil {
		metrics.TicketOperationsTotal.WithLabelValues(string(kind), "issue", "failure").Inc()
		return "", err
	}

	metrics.TicketOperationsTotal.WithLabelValues(string(kind), "issue", "success").Inc()
	return env.ID, nil
}

// IssueKeyed stores payload under a caller-chosen key instead of a random
// identifier, for ticket families addressed by subject rather than handle.
// Reissuing under the same key replaces the previous ticket.
func (b *Bridge) IssueKeyed(ctx context.Context, kind Kind, key string, payload interface{}, lifetime time.Duration) (string, error) {
	prefix, ok := kindPrefixes[kind]
	if !ok {
		return "", apperrors.Internal(fmt.Sprintf("unknown ticket kind %q", kind), nil)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.Internal("failed to encode ticket payload", err)
	}

	now := b.now()
	env := envelope{
		ID:        prefix + key,
		Kind:      kind,
		IssuedAt:  now,
		ExpiresAt: now.Add(lifetime),
		Payload:   raw,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", apperrors.Internal("failed to encode ticket", err)
	}

	if err := b.registry.Put(ctx, storeKey(env.ID), data, lifetime+expiryGrace); err != nil {
		metrics.TicketOperationsTotal.WithLabelValues(string(kind), "issue", "failure").Inc()
		return "", err
	}

	metrics.TicketOperationsTotal.WithLabelValues(string(kind), "issue", "success").Inc()
	return env.ID, nil
}

// Peek reads a ticket without consuming it, with the same outcome taxonomy
// as Resolve
func (b *Bridge) Peek(ctx context.Context, kind Kind, id string, out interface{}) error {
	data, found, err := b.registry.Get(ctx, storeKey(id))
	if err != nil {
		return err
	}
	if !found {
		return apperrors.TicketNotFound(id)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return apperrors.Internal("failed to decode ticket", err)
	}
	if env.Kind != kind {
		return apperrors.TicketNotFound(id)
	}
	if b.now().After(env.ExpiresAt) {
		return apperrors.TicketExpired(id)
	}
	if out != nil {
		if err := json.Unmarshal(env.Payload, out); err != nil {
			return apperrors.Internal("failed to decode ticket payload", err)
		}
	}
	return nil
}

// Resolve consumes the ticket identified by id and decodes its payload into
// out. Consumption is atomic: concurrent resolvers for the same id see at
// most one success. Unknown and already-consumed identifiers report
// TicketNotFound; identifiers past their validity window report TicketExpired.
func (b *Bridge) Resolve(ctx context.Context, kind Kind, id string, out interface{}) error {
	data, found, err := b.registry.GetDelete(ctx, storeKey(id))
	if err != nil {
		metrics.TicketOperationsTotal.WithLabelValues(string(kind), "resolve", "failure").Inc()
		return err
	}
	if !found {
		metrics.TicketOperationsTotal.WithLabelValues(string(kind), "resolve", "not_found").Inc()
		return apperrors.TicketNotFound(id)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		metrics.TicketOperationsTotal.WithLabelValues(string(kind), "resolve", "failure").Inc()
		return apperrors.Internal("failed to decode ticket", err)
	}

	if env.Kind != kind {
		// A ticket of one family must never resolve through another
		metrics.TicketOperationsTotal.WithLabelValues(string(kind), "resolve", "not_found").Inc()
		return apperrors.TicketNotFound(id)
	}

	if b.now().After(env.ExpiresAt) {
		metrics.TicketOperationsTotal.WithLabelValues(string(kind), "resolve", "expired").Inc()
		return apperrors.TicketExpired(id)
	}

	if out != nil {
		if err := json.Unmarshal(env.Payload, out); err != nil {
			metrics.TicketOperationsTotal.WithLabelValues(string(kind), "resolve", "failure").Inc()
			return apperrors.Internal("failed to decode ticket payload", err)
		}
	}

	metrics.TicketOperationsTotal.WithLabelValues(string(kind), "resolve", "success").Inc()
	return nil
}

func storeKey(id string) string {
	return "fedgate:ticket:" + id
}
