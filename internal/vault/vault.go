package vault

// Package vault implements the token remapper: an encrypted, expiring store
// that replaces sensitive spans with opaque placeholders and restores them
// later under policy.
//
// Plaintext never leaves the vault: records hold an AES-GCM ciphertext plus a
// keyed hash used only for deduplication. Placeholders of the form
// ‹KIND_n› are the sole cross-component representation of redacted values.

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/airmslabs/airms-gateway/internal/metrics"
)

// Errors surfaced to callers. The orchestrator maps ErrUnavailable to the
// plain-redaction fallback plus an escalate mitigation.
var (
	ErrUnavailable  = errors.New("vault_unavailable")
	ErrKindMismatch = errors.New("vault_kind_mismatch")
	ErrNotFound     = errors.New("token not found")
	ErrRevoked      = errors.New("token revoked")
	ErrExpired      = errors.New("token expired")
)

// DefaultTTL applies when mint is called with a zero TTL.
const DefaultTTL = 24 * time.Hour

// TokenRecord is one stored mapping. The original value exists only as
// ciphertext.
type TokenRecord struct {
	Placeholder    string    `json:"placeholder"`
	Ciphertext     []byte    `json:"-"`
	ValueHash      string    `json:"value_hash"`
	Kind           string    `json:"kind"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Revoked        bool      `json:"revoked"`
	AccessCount    int64     `json:"access_count"`
	OwnerRequestID string    `json:"owner_request_id"`
}

// Live reports whether the record is usable at the given instant.
func (r *TokenRecord) Live(now time.Time) bool {
	return !r.Revoked && now.Before(r.ExpiresAt)
}

// NewRecord is the insert payload handed to a Store; the store assigns the
// placeholder from its per-kind sequence.
type NewRecord struct {
	Kind           string
	ValueHash      string
	Ciphertext     []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
	OwnerRequestID string
}

// Store is the durable record store. The single contract the remapper relies
// on is that InsertOrGet is atomic with respect to the hash index: concurrent
// mints of the same (kind, value) observe one record.
type Store interface {
	// InsertOrGet returns the live record matching rec.ValueHash, or inserts
	// rec with a freshly assigned placeholder. created reports which happened.
	InsertOrGet(ctx context.Context, rec NewRecord) (*TokenRecord, bool, error)

	// Get returns the record for a placeholder regardless of liveness.
	Get(ctx context.Context, placeholder string) (*TokenRecord, error)

	// Touch increments the access counter for a placeholder.
	Touch(ctx context.Context, placeholder string) error

	// Revoke marks a record revoked.
	Revoke(ctx context.Context, placeholder string) error

	// DeleteDead removes expired or revoked records, returning how many.
	DeleteDead(ctx context.Context, now time.Time) (int, error)

	// Close releases store resources.
	Close() error
}

// Remapper is the public token remapping service.
type Remapper struct {
	store  Store
	cipher *Cipher
	hasher *KeyedHasher
	logger *zap.Logger

	sweepEvery time.Duration
	stopCh     chan struct{}

	mintCount atomic.Int64
}

// mintsPerSweep bounds how often the opportunistic mint-path sweep runs.
const mintsPerSweep = 64

// Option configures a Remapper.
type Option func(*Remapper)

// WithSweepInterval overrides the background sweep period.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Remapper) { r.sweepEvery = d }
}

// NewRemapper builds a remapper over the given store, keyed from the process
// secret. The secret feeds both the cipher and the dedup hash through
// independent derivations.
func NewRemapper(store Store, secret []byte, logger *zap.Logger, opts ...Option) (*Remapper, error) {
	cipher, err := NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("vault cipher: %w", err)
	}
	r := &Remapper{
		store:      store,
		cipher:     cipher,
		hasher:     NewKeyedHasher(secret),
		logger:     logger,
		sweepEvery: 5 * time.Minute,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start launches the background sweep timer.
func (r *Remapper) Start() {
	go func() {
		ticker := time.NewTicker(r.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := r.Sweep(context.Background()); err != nil {
					r.logger.Warn("vault sweep failed", zap.Error(err))
				}
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweeper.
func (r *Remapper) Stop() {
	close(r.stopCh)
}

// Mint returns a placeholder for (original, kind). Identical (kind, original)
// pairs within an unexpired window return the same placeholder. ttl<=0 uses
// DefaultTTL.
func (r *Remapper) Mint(ctx context.Context, original, kind string, ttl time.Duration, ownerRequestID string) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	kind = normalizeKind(kind)

	// Opportunistic sweep on the mint path, amortized.
	if r.mintCount.Add(1)%mintsPerSweep == 0 {
		_, _ = r.Sweep(ctx)
	}

	ciphertext, err := r.cipher.Seal([]byte(original))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	now := time.Now().UTC()
	rec, created, err := r.store.InsertOrGet(ctx, NewRecord{
		Kind:           kind,
		ValueHash:      r.hasher.Sum(kind, original),
		Ciphertext:     ciphertext,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		OwnerRequestID: ownerRequestID,
	})
	if err != nil {
		metrics.VaultMints.WithLabelValues(kind, "error").Inc()
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if created {
		metrics.VaultMints.WithLabelValues(kind, "created").Inc()
	} else {
		metrics.VaultMints.WithLabelValues(kind, "deduped").Inc()
		_ = r.store.Touch(ctx, rec.Placeholder)
	}
	return rec.Placeholder, nil
}

// Resolve returns the original value behind a placeholder. The supplied kind
// must match the stored kind.
func (r *Remapper) Resolve(ctx context.Context, placeholder, kind string) (string, error) {
	rec, err := r.store.Get(ctx, placeholder)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if rec == nil {
		return "", ErrNotFound
	}
	if rec.Revoked {
		return "", ErrRevoked
	}
	if !time.Now().UTC().Before(rec.ExpiresAt) {
		return "", ErrExpired
	}
	if rec.Kind != normalizeKind(kind) {
		return "", ErrKindMismatch
	}

	plain, err := r.cipher.Open(rec.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	_ = r.store.Touch(ctx, placeholder)
	return string(plain), nil
}

// Revoke invalidates a placeholder immediately.
func (r *Remapper) Revoke(ctx context.Context, placeholder string) error {
	return r.store.Revoke(ctx, placeholder)
}

// Sweep removes expired and revoked records.
func (r *Remapper) Sweep(ctx context.Context) (int, error) {
	return r.store.DeleteDead(ctx, time.Now().UTC())
}

func normalizeKind(kind string) string {
	return strings.ToUpper(strings.TrimSpace(kind))
}

// Placeholder formats the opaque token for a kind and sequence number.
func Placeholder(kind string, seq int64) string {
	return fmt.Sprintf("‹%s_%d›", normalizeKind(kind), seq)
}
