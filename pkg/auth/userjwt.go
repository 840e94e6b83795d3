package auth

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentgate/agentgate/pkg/apihttp"
)

// UserTokenValidator verifies dashboard bearer tokens minted by the
// identity collaborator. Tokens are HS256 with the user id in `sub`.
type UserTokenValidator struct {
	secret []byte
}

// NewUserTokenValidator creates a validator over a shared HMAC secret.
func NewUserTokenValidator(secret []byte) *UserTokenValidator {
	return &UserTokenValidator{secret: secret}
}

// Validate parses the token and returns the user id from its subject.
func (v *UserTokenValidator) Validate(tokenStr string) (int64, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return 0, fmt.Errorf("token validation failed: %w", err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return 0, fmt.Errorf("token subject is required")
	}
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("token subject is not a user id")
	}
	return userID, nil
}

// UserJWTMiddleware authenticates dashboard-facing routes and puts the
// user id on the request context.
func UserJWTMiddleware(validator *UserTokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apihttp.Write(w, apihttp.Unauthorized("missing Authorization header"))
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				apihttp.Write(w, apihttp.Unauthorized("expected 'Bearer <token>'"))
				return
			}

			userID, err := validator.Validate(parts[1])
			if err != nil {
				apihttp.Write(w, apihttp.Unauthorized("invalid or expired token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
