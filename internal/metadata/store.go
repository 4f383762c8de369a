// Package metadata resolves relying-party registrations with TTL-based caching
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	apperrors "github.com/fedgate/fedgate/internal/common/errors"
	"github.com/fedgate/fedgate/internal/common/database"
)

// RelyingParty is an immutable snapshot of a registered relying party.
// Snapshots are replaced wholesale on refresh and never mutated in place.
type RelyingParty struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	EntityID     string            `json:"entity_id"`
	Enabled      bool              `json:"enabled"`
	ACSURL       string            `json:"acs_url"`
	SLOURL       string            `json:"slo_url,omitempty"`
	SLOBinding   string            `json:"slo_binding,omitempty"`
	NameIDFormat string            `json:"name_id_format"`
	Certificate  string            `json:"certificate,omitempty"`

	// RequireSignedRequests forces inbound signature validation even on
	// bindings that do not mandate it
	RequireSignedRequests bool `json:"require_signed_requests"`

	// Per-relying-party algorithm overrides; the allow list, when non-empty,
	// wins over the block list
	SignatureAlgorithms        []string `json:"signature_algorithms,omitempty"`
	BlockedSignatureAlgorithms []string `json:"blocked_signature_algorithms,omitempty"`
	AllowedSignatureAlgorithms []string `json:"allowed_signature_algorithms,omitempty"`
	DigestMethods              []string `json:"digest_methods,omitempty"`

	// AttributeMappings renames released attributes per relying party
	AttributeMappings map[string]string `json:"attribute_mappings,omitempty"`

	// AssertionLifetimeSeconds overrides the system assertion lifetime when positive
	AssertionLifetimeSeconds int `json:"assertion_lifetime_seconds,omitempty"`

	// WS-Federation registration
	WSFedRealm    string `json:"wsfed_realm,omitempty"`
	WSFedReplyURL string `json:"wsfed_reply_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AssertionLifetime returns the relying-party lifetime override, or def
func (rp *RelyingParty) AssertionLifetime(def time.Duration) time.Duration {
	if rp.AssertionLifetimeSeconds > 0 {
		return time.Duration(rp.AssertionLifetimeSeconds) * time.Second
	}
	return def
}

// overrides is the JSONB column shape for algorithm and attribute settings
type overrides struct {
	SignatureAlgorithms        []string          `json:"signature_algorithms,omitempty"`
	BlockedSignatureAlgorithms []string          `json:"blocked_signature_algorithms,omitempty"`
	AllowedSignatureAlgorithms []string          `json:"allowed_signature_algorithms,omitempty"`
	DigestMethods              []string          `json:"digest_methods,omitempty"`
	AttributeMappings          map[string]string `json:"attribute_mappings,omitempty"`
	AssertionLifetimeSeconds   int               `json:"assertion_lifetime_seconds,omitempty"`
}

// Store fetches relying-party registrations from Postgres
type Store struct {
	db     *database.PostgresDB
	logger *zap.Logger
}

// NewStore creates a relying-party store
func NewStore(db *database.PostgresDB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger.With(zap.String("component", "metadata_store"))}
}

const relyingPartyColumns = `id, name, entity_id, enabled, acs_url, slo_url, slo_binding,
	name_id_format, certificate, require_signed_requests, overrides,
	wsfed_realm, wsfed_reply_url, created_at, updated_at`

// EnsureRelyingPartiesTable creates the relying_parties table if it doesn't exist
func (s *Store) EnsureRelyingPartiesTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS relying_parties (
			id UUID PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			entity_id VARCHAR(512) UNIQUE NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT true,
			acs_url TEXT NOT NULL,
			slo_url TEXT,
			slo_binding VARCHAR(128),
			name_id_format VARCHAR(128) NOT NULL DEFAULT 'urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress',
			certificate TEXT,
			require_signed_requests BOOLEAN NOT NULL DEFAULT false,
			overrides JSONB NOT NULL DEFAULT '{}',
			wsfed_realm VARCHAR(255),
			wsfed_reply_url TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_relying_parties_entity_id ON relying_parties(entity_id);
		CREATE INDEX IF NOT EXISTS idx_relying_parties_wsfed_realm ON relying_parties(wsfed_realm);
	`

	_, err := s.db.Pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create relying_parties table: %w", err)
	}
	return nil
}

// Fetch loads the relying party registered for entityID.
// Returns MetadataNotFound when no registration matches and
// MetadataUnavailable when the backing store cannot be reached.
func (s *Store) Fetch(ctx context.Context, entityID string) (*RelyingParty, error) {
	row := s.db.Pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM relying_parties WHERE entity_id = $1
	`, relyingPartyColumns), entityID)

	rp, err := scanRelyingParty(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.MetadataNotFound(entityID)
		}
		return nil, apperrors.MetadataUnavailable(err)
	}
	return rp, nil
}

// FetchByID loads a relying party by its registration ID
func (s *Store) FetchByID(ctx context.Context, id string) (*RelyingParty, error) {
	row := s.db.Pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM relying_parties WHERE id = $1
	`, relyingPartyColumns), id)

	rp, err := scanRelyingParty(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.MetadataNotFound(id)
		}
		return nil, apperrors.MetadataUnavailable(err)
	}
	return rp, nil
}

// FetchByRealm loads the relying party registered for a WS-Federation realm
func (s *Store) FetchByRealm(ctx context.Context, realm string) (*RelyingParty, error) {
	row := s.db.Pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM relying_parties WHERE wsfed_realm = $1
	`, relyingPartyColumns), realm)

	rp, err := scanRelyingParty(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.MetadataNotFound(realm)
		}
		return nil, apperrors.MetadataUnavailable(err)
	}
	return rp, nil
}

// List returns all registered relying parties ordered by name
func (s *Store) List(ctx context.Context) ([]RelyingParty, error) {
	rows, err := s.db.Pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM relying_parties ORDER BY name ASC
	`, relyingPartyColumns))
	if err != nil {
		return nil, apperrors.MetadataUnavailable(err)
	}
	defer rows.Close()

	parties := []RelyingParty{}
	for rows.Next() {
		rp, err := scanRelyingParty(rows)
		if err != nil {
			s.logger.Error("Failed to scan relying party", zap.Error(err))
			continue
		}
		parties = append(parties, *rp)
	}
	return parties, nil
}

// Create registers a new relying party
func (s *Store) Create(ctx context.Context, rp *RelyingParty) error {
	ovr, err := json.Marshal(overridesOf(rp))
	if err != nil {
		return apperrors.Internal("failed to encode overrides", err)
	}

	now := time.Now()
	rp.CreatedAt = now
	rp.UpdatedAt = now

	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO relying_parties (id, name, entity_id, enabled, acs_url, slo_url, slo_binding,
		                             name_id_format, certificate, require_signed_requests, overrides,
		                             wsfed_realm, wsfed_reply_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, rp.ID, rp.Name, rp.EntityID, rp.Enabled, rp.ACSURL, rp.SLOURL, rp.SLOBinding,
		rp.NameIDFormat, rp.Certificate, rp.RequireSignedRequests, ovr,
		rp.WSFedRealm, rp.WSFedReplyURL, rp.CreatedAt, rp.UpdatedAt)
	if err != nil {
		return apperrors.MetadataUnavailable(err)
	}
	return nil
}

// Update replaces a relying-party registration
func (s *Store) Update(ctx context.Context, rp *RelyingParty) error {
	ovr, err := json.Marshal(overridesOf(rp))
	if err != nil {
		return apperrors.Internal("failed to encode overrides", err)
	}

	result, err := s.db.Pool.Exec(ctx, `
		UPDATE relying_parties
		SET name = $2, entity_id = $3, enabled = $4, acs_url = $5, slo_url = $6,
		    slo_binding = $7, name_id_format = $8, certificate = $9,
		    require_signed_requests = $10, overrides = $11,
		    wsfed_realm = $12, wsfed_reply_url = $13, updated_at = NOW()
		WHERE id = $1
	`, rp.ID, rp.Name, rp.EntityID, rp.Enabled, rp.ACSURL, rp.SLOURL,
		rp.SLOBinding, rp.NameIDFormat, rp.Certificate,
		rp.RequireSignedRequests, ovr, rp.WSFedRealm, rp.WSFedReplyURL)
	if err != nil {
		return apperrors.MetadataUnavailable(err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.MetadataNotFound(rp.ID)
	}
	return nil
}

// Delete removes a relying-party registration by ID
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.Pool.Exec(ctx, "DELETE FROM relying_parties WHERE id = $1", id)
	if err != nil {
		return apperrors.MetadataUnavailable(err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.MetadataNotFound(id)
	}
	return nil
}

func overridesOf(rp *RelyingParty) overrides {
	return overrides{
		SignatureAlgorithms:        rp.SignatureAlgorithms,
		BlockedSignatureAlgorithms: rp.BlockedSignatureAlgorithms,
		AllowedSignatureAlgorithms: rp.AllowedSignatureAlgorithms,
		DigestMethods:              rp.DigestMethods,
		AttributeMappings:          rp.AttributeMappings,
		AssertionLifetimeSeconds:   rp.AssertionLifetimeSeconds,
	}
}

func scanRelyingParty(row pgx.Row) (*RelyingParty, error) {
	var rp RelyingParty
	var sloURL, sloBinding, certificate, wsfedRealm, wsfedReply *string
	var ovrJSON []byte

	err := row.Scan(&rp.ID, &rp.Name, &rp.EntityID, &rp.Enabled, &rp.ACSURL,
		&sloURL, &sloBinding, &rp.NameIDFormat, &certificate,
		&rp.RequireSignedRequests, &ovrJSON, &wsfedRealm, &wsfedReply,
		&rp.CreatedAt, &rp.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if sloURL != nil {
		rp.SLOURL = *sloURL
	}
	if sloBinding != nil {
		rp.SLOBinding = *sloBinding
	}
	if certificate != nil {
		rp.Certificate = *certificate
	}
	if wsfedRealm != nil {
		rp.WSFedRealm = *wsfedRealm
	}
	if wsfedReply != nil {
		rp.WSFedReplyURL = *wsfedReply
	}

	if len(ovrJSON) > 0 {
		var ovr overrides
		if err := json.Unmarshal(ovrJSON, &ovr); err == nil {
			rp.SignatureAlgorithms = ovr.SignatureAlgorithms
			rp.BlockedSignatureAlgorithms = ovr.BlockedSignatureAlgorithms
			rp.AllowedSignatureAlgorithms = ovr.AllowedSignatureAlgorithms
			rp.DigestMethods = ovr.DigestMethods
			rp.AttributeMappings = ovr.AttributeMappings
			rp.AssertionLifetimeSeconds = ovr.AssertionLifetimeSeconds
		}
	}

	return &rp, nil
}
