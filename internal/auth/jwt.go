package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/finvex/tradestream/common/errors"
)

// TokenClaims is the JWT claim set issued by the external token service.
// Only verification happens here; issuance is out of scope.
type TokenClaims struct {
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed access tokens against a shared secret.
// It holds only read-only key material; concurrent use is safe.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier creates a verifier for the given shared secret. The issuer
// check is skipped when issuer is empty.
func NewJWTVerifier(secret []byte, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: secret, issuer: issuer}
}

// VerifyToken parses and validates the token, mapping every failure mode to
// a distinguishable AuthFailure.
func (v *JWTVerifier) VerifyToken(ctx context.Context, tokenString string) (*Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, errors.NewAuthFailure(errors.ReasonExpired, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, errors.NewAuthFailure(errors.ReasonBadSignature, err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, errors.NewAuthFailure(errors.ReasonMalformed, err)
		default:
			return nil, errors.NewAuthFailure(errors.ReasonMalformed, err)
		}
	}
	if !token.Valid {
		return nil, errors.NewAuthFailure(errors.ReasonBadSignature, nil)
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || claims.UserID == uuid.Nil {
		return nil, errors.NewAuthFailure(errors.ReasonUnknownPrincipal, nil)
	}

	return &Identity{
		UserID:  claims.UserID,
		Subject: claims.UserID.String(),
		Email:   claims.Email,
	}, nil
}
