// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth validates bearer tokens on the external interface.
// Either a shared-secret JWT (HS256) or a JWKS endpoint can back the
// validator; when no auth is configured the middleware passes
// everything through.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Config configures token validation.
type Config struct {
	// Enabled switches auth on.
	Enabled bool `yaml:"enabled"`

	// SharedSecret validates HS256 tokens when set.
	SharedSecret string `yaml:"shared_secret"`

	// JWKSURL fetches the signing keys when set (takes precedence).
	JWKSURL string `yaml:"jwks_url"`

	// Issuer and Audience are verified when non-empty.
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// Claims is the subset of token claims the runtime cares about.
type Claims struct {
	Subject string
	Issuer  string
}

type claimsKey struct{}

// ClaimsFromContext returns claims stored by the middleware.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey{}).(*Claims)
	return claims
}

// Validator validates bearer tokens.
type Validator struct {
	config *Config
	keySet jwk.Set
}

// NewValidator builds a validator from config. Returns nil when auth
// is disabled.
func NewValidator(ctx context.Context, config *Config) (*Validator, error) {
	if config == nil || !config.Enabled {
		return nil, nil
	}
	v := &Validator{config: config}

	if config.JWKSURL != "" {
		cache := jwk.NewCache(ctx)
		if err := cache.Register(config.JWKSURL); err != nil {
			return nil, fmt.Errorf("failed to register JWKS url: %w", err)
		}
		keySet, err := cache.Get(ctx, config.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
		}
		v.keySet = keySet
	} else if config.SharedSecret == "" {
		return nil, fmt.Errorf("auth is enabled but neither shared_secret nor jwks_url is set")
	}
	return v, nil
}

// ValidateToken parses and verifies one bearer token.
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	opts := []jwt.ParseOption{jwt.WithValidate(true)}
	if v.keySet != nil {
		opts = append(opts, jwt.WithKeySet(v.keySet))
	} else {
		opts = append(opts, jwt.WithKey(jwa.HS256, []byte(v.config.SharedSecret)))
	}
	if v.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.config.Issuer))
	}
	if v.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.config.Audience))
	}

	token, err := jwt.ParseString(tokenString, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	return &Claims{Subject: token.Subject(), Issuer: token.Issuer()}, nil
}

// Middleware validates the Authorization header on every request.
// A nil validator disables auth entirely. Excluded paths (health,
// metrics) skip validation.
func Middleware(validator *Validator, excludedPaths ...string) func(http.Handler) http.Handler {
	excluded := make(map[string]bool, len(excludedPaths))
	for _, p := range excludedPaths {
		excluded[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if validator == nil || excluded[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, "missing Authorization header")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			tokenString = strings.TrimSpace(tokenString)
			if tokenString == "" {
				writeAuthError(w, "invalid Authorization format, expected: Bearer <token>")
				return
			}

			claims, err := validator.ValidateToken(r.Context(), tokenString)
			if err != nil {
				writeAuthError(w, err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":             "AUTHENTICATION_FAILED",
			"message":          message,
			"recoverable":      false,
			"suggested_action": "provide a valid bearer token",
		},
	})
}
