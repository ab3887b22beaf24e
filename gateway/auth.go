package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"galleria/config"
)

type contextKey string

const contextKeyCaller contextKey = "caller"

var errMissingBearer = errors.New("gateway: missing bearer token")

// authenticate verifies the HS256 bearer token and stores the caller address
// (the token subject) in the request context. Every state-changing endpoint
// sits behind this middleware; the subject is the sole source of actor
// identity.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.callerFromRequest(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyCaller, caller)))
	})
}

func (s *Server) callerFromRequest(r *http.Request) ([20]byte, error) {
	var caller [20]byte
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return caller, errMissingBearer
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return caller, fmt.Errorf("gateway: invalid token: %w", err)
	}
	if !token.Valid {
		return caller, errors.New("gateway: invalid token")
	}
	caller, err = config.ParseAddress(claims.Subject)
	if err != nil {
		return caller, fmt.Errorf("gateway: token subject: %w", err)
	}
	return caller, nil
}

func callerFromContext(ctx context.Context) ([20]byte, bool) {
	caller, ok := ctx.Value(contextKeyCaller).([20]byte)
	return caller, ok
}
