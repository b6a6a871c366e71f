package adapter

import (
	"context"
	"errors"
	"os"
	"strings"

	apperrors "github.com/brez-sync/internal/errors"
	"github.com/brez-sync/internal/models"
)

// TokenResolver turns a connection's credential reference into an access token
type TokenResolver interface {
	Token(ctx context.Context, conn *models.PlatformConnection) (string, error)
}

// EnvTokenResolver resolves "env:NAME" references from the environment and
// treats any other reference as the token itself.
type EnvTokenResolver struct{}

// Token implements TokenResolver
func (EnvTokenResolver) Token(ctx context.Context, conn *models.PlatformConnection) (string, error) {
	ref := conn.CredentialRef
	if ref == "" {
		return "", apperrors.NewPermanentError(apperrors.CodeCredentialsRevoked, "connection has no credentials", errors.New("empty credential reference"))
	}
	if name, ok := strings.CutPrefix(ref, "env:"); ok {
		token := os.Getenv(name)
		if token == "" {
			return "", apperrors.NewPermanentError(apperrors.CodeCredentialsRevoked, "credential variable is not set", errors.New(name))
		}
		return token, nil
	}
	return ref, nil
}
