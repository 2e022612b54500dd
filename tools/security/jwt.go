package security

import (
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Options controls signing and TTL.
type Options struct {
	Secret []byte        // HMAC key (from ENV/KMS in production)
	Alg    string        // HS256/HS384/HS512 (default HS256)
	TTL    time.Duration // token lifetime (default 2h)
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// ChatClaims is what a chat access token carries. Guest tokens are issued
// by the public ticket endpoint, staff tokens by the main app login.
type ChatClaims struct {
	DisplayName string `json:"name"`
	Role        string `json:"role"`
	Tenant      string `json:"tenant"`
	jwtlib.RegisteredClaims
}

// Generate signs a chat token for one identity within one tenant.
func Generate(opts Options, userID, displayName, role, tenant string) (string, time.Time, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)

	claims := ChatClaims{
		DisplayName: displayName,
		Role:        role,
		Tenant:      tenant,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(exp),
		},
	}

	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify parses and validates a chat token. Only the HMAC family is
// accepted; anything else is treated as forged.
func Verify(opts Options, token string) (*ChatClaims, error) {
	if _, err := signingMethod(opts.Alg); err != nil {
		return nil, err
	}
	claims := &ChatClaims{}
	parsed, err := jwtlib.ParseWithClaims(token, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return opts.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
