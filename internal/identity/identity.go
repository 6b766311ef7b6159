// Package identity maps opaque API credentials to agent ids.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jon-tompkins/clawstreet/internal/apperr"
	"github.com/jon-tompkins/clawstreet/internal/model"
	"github.com/jon-tompkins/clawstreet/internal/store"
)

// HeaderName carries the API key on every authenticated request.
const HeaderName = "X-API-Key"

// KeyPrefix marks keys issued by this service.
const KeyPrefix = "cs_"

// Gateway resolves a credential to an agent id.
type Gateway interface {
	Authenticate(ctx context.Context, credential string) (string, error)
}

// KeyStore is the subset of store.Store the gateway reads and writes.
type KeyStore interface {
	LookupAPIKey(ctx context.Context, hash string) (*model.APIKey, error)
	PutAPIKey(ctx context.Context, key *model.APIKey) error
}

// HashKey returns the hex SHA-256 digest under which a key is stored.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NewKey generates a fresh API key.
func NewKey() string {
	return KeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "") +
		strings.ReplaceAll(uuid.NewString(), "-", "")
}

// StoreGateway authenticates against hashed keys in a KeyStore.
type StoreGateway struct {
	keys KeyStore
	now  func() time.Time
}

// NewStoreGateway creates a gateway over keys.
func NewStoreGateway(keys KeyStore) *StoreGateway {
	return &StoreGateway{keys: keys, now: time.Now}
}

func (g *StoreGateway) Authenticate(ctx context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", apperr.Authentication("missing " + HeaderName + " header")
	}
	k, err := g.keys.LookupAPIKey(ctx, HashKey(credential))
	if errors.Is(err, store.ErrNotFound) {
		return "", apperr.Authentication("invalid API key")
	}
	if err != nil {
		return "", apperr.Dependency(err, "credential store unavailable")
	}
	if k.Revoked {
		return "", apperr.Authentication("API key revoked")
	}
	return k.AgentID, nil
}

// Issue stores key for agentID. An empty key generates one. The plaintext key
// is returned once and never persisted.
func (g *StoreGateway) Issue(ctx context.Context, agentID, key string) (string, error) {
	if key == "" {
		key = NewKey()
	}
	err := g.keys.PutAPIKey(ctx, &model.APIKey{
		Hash:      HashKey(key),
		AgentID:   agentID,
		CreatedAt: g.now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// Revoke disables key.
func (g *StoreGateway) Revoke(ctx context.Context, key string) error {
	k, err := g.keys.LookupAPIKey(ctx, HashKey(key))
	if err != nil {
		return err
	}
	k.Revoked = true
	return g.keys.PutAPIKey(ctx, k)
}

type ctxKey struct{}

// WithAgent returns ctx carrying the authenticated agent id.
func WithAgent(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, agentID)
}

// AgentID returns the authenticated agent id from ctx.
func AgentID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Middleware rejects requests without a valid API key and stores the agent id
// in the request context.
func Middleware(gw Gateway) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agentID, err := gw.Authenticate(r.Context(), r.Header.Get(HeaderName))
			if err != nil {
				apperr.Write(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), agentID)))
		})
	}
}
