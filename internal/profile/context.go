// Package profile implements the federation profile handlers: Web SSO over
// the front-channel bindings, single logout, ECP, artifact resolution, and
// attribute query.
package profile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fedgate/fedgate/internal/common/config"
	"github.com/fedgate/fedgate/internal/metadata"
	"github.com/fedgate/fedgate/internal/response"
	"github.com/fedgate/fedgate/internal/signature"
	"github.com/fedgate/fedgate/internal/ticket"
)

// PasswordAuthenticator validates direct credentials for the back-channel
// profiles that authenticate with HTTP Basic
type PasswordAuthenticator interface {
	AuthenticateBasic(ctx context.Context, username, password string) (*ticket.Principal, error)
}

// HandlerContext carries the collaborators every profile handler needs.
// Construction validates completeness so a partially wired handler cannot
// reach request time.
type HandlerContext struct {
	cfg       *config.Config
	logger    *zap.Logger
	resolver  *metadata.Resolver
	validator *signature.Validator
	signer    *signature.Signer
	builder   *response.Builder
	bridge    *ticket.Bridge
	sessions  ticket.SessionValidator
	passwords PasswordAuthenticator
}

// NewHandlerContext assembles the profile handler context, rejecting any
// missing collaborator
func NewHandlerContext(
	cfg *config.Config,
	logger *zap.Logger,
	resolver *metadata.Resolver,
	validator *signature.Validator,
	signer *signature.Signer,
	builder *response.Builder,
	bridge *ticket.Bridge,
	sessions ticket.SessionValidator,
	passwords PasswordAuthenticator,
) (*HandlerContext, error) {
	for name, v := range map[string]interface{}{
		"config":                 cfg,
		"logger":                 logger,
		"metadata resolver":      resolver,
		"signature validator":    validator,
		"signer":                 signer,
		"response builder":       builder,
		"ticket bridge":          bridge,
		"session validator":      sessions,
		"password authenticator": passwords,
	} {
		if v == nil || isNilPointer(v) {
			return nil, fmt.Errorf("profile handler context is missing its %s", name)
		}
	}

	return &HandlerContext{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "profile")),
		resolver:  resolver,
		validator: validator,
		signer:    signer,
		builder:   builder,
		bridge:    bridge,
		sessions:  sessions,
		passwords: passwords,
	}, nil
}

func isNilPointer(v interface{}) bool {
	switch t := v.(type) {
	case *config.Config:
		return t == nil
	case *zap.Logger:
		return t == nil
	case *metadata.Resolver:
		return t == nil
	case *signature.Validator:
		return t == nil
	case *signature.Signer:
		return t == nil
	case *response.Builder:
		return t == nil
	case *ticket.Bridge:
		return t == nil
	case *ticket.JWTSessionValidator:
		return t == nil
	case *ticket.PasswordValidator:
		return t == nil
	}
	return false
}
