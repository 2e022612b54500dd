package auth

import (
	"context"
	"errors"
	"strings"

	jwtlib "github.com/golang-jwt/jwt/v5"

	errs "github.com/slichti/studio-chat/tools/errs"
	"github.com/slichti/studio-chat/tools/security"
)

const (
	RoleStaff = "staff"
	RoleGuest = "guest"
)

// Identity is the authenticated principal behind one websocket. It never
// changes for the lifetime of a session.
type Identity struct {
	UserID      string
	DisplayName string
	Role        string
}

// Validator resolves handshake credentials into an Identity. The gateway
// depends only on this interface so the credential-delivery mechanism
// (query-string token today, pre-upgrade ticket exchange tomorrow) can be
// swapped without touching room code.
type Validator interface {
	Validate(ctx context.Context, token, tenantSlug string) (*Identity, error)
}

// JWTValidator verifies HMAC chat tokens issued by the main app (staff)
// or the public guest-ticket endpoint.
type JWTValidator struct {
	opts security.Options
}

func NewJWTValidator(secret []byte) *JWTValidator {
	return &JWTValidator{opts: security.DefaultOptions(secret)}
}

func (v *JWTValidator) Validate(_ context.Context, token, tenantSlug string) (*Identity, error) {
	token = strings.TrimSpace(token)
	tenantSlug = strings.TrimSpace(tenantSlug)
	if token == "" || tenantSlug == "" {
		return nil, errs.ErrTokenInvalid.WithDetail("missing token or tenant")
	}

	claims, err := security.Verify(v.opts, token)
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenExpired) {
			return nil, errs.ErrTokenExpired
		}
		return nil, errs.ErrTokenInvalid.WithDetail(err.Error())
	}

	if claims.Tenant != tenantSlug {
		return nil, errs.ErrTenantMismatch
	}
	if claims.Subject == "" {
		return nil, errs.ErrTokenInvalid.WithDetail("missing subject")
	}
	role := claims.Role
	if role != RoleStaff && role != RoleGuest {
		return nil, errs.ErrTokenInvalid.WithDetail("unknown role " + role)
	}

	name := claims.DisplayName
	if name == "" {
		name = claims.Subject
	}
	return &Identity{UserID: claims.Subject, DisplayName: name, Role: role}, nil
}
