// Package credential hashes and verifies account secrets. New digests use
// argon2id in PHC string format; bcrypt digests written by earlier versions of
// the application still verify and are reported as needing a rehash.
package credential

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/upb/authz-core/services"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

const (
	saltLength = 16
	keyLength  = 32

	// maxCostFactor bounds the costs accepted from a stored digest, relative
	// to the larger of the configured and default parameters.
	maxCostFactor = 4
	maxKeyLength  = 128
)

// Params are the argon2id cost parameters.
type Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
}

// DefaultParams follow the OWASP argon2id baseline.
var DefaultParams = Params{Memory: 64 * 1024, Iterations: 3, Parallelism: 2}

// ErrMalformedDigest is returned when a stored digest cannot be parsed.
var ErrMalformedDigest = errors.New("malformed password digest")

// Store hashes and verifies secrets. It is safe for concurrent use; at most
// maxConcurrent KDF evaluations run at a time.
type Store struct {
	params Params
	limits Params
	sem    *semaphore.Weighted
	logger *zap.Logger
}

// NewStore creates a credential store
func NewStore(params Params, maxConcurrent int, logger *zap.Logger) *Store {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Store{
		params: params,
		limits: costLimits(params),
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		logger: logger,
	}
}

// Hash derives a new digest with a fresh random salt.
func (s *Store) Hash(ctx context.Context, secret string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", services.WrapInternal("failed to generate salt", err)
	}

	key, err := s.derive(ctx, secret, salt, s.params, keyLength)
	if err != nil {
		return "", err
	}
	return encode(s.params, salt, key), nil
}

// Verify reports whether secret matches digest. A mismatch is (false, nil).
func (s *Store) Verify(ctx context.Context, secret, digest string) (bool, error) {
	if isBcrypt(digest) {
		return s.verifyBcrypt(ctx, secret, digest)
	}

	params, salt, want, err := decode(digest, s.limits)
	if err != nil {
		return false, err
	}
	got, err := s.derive(ctx, secret, salt, params, uint32(len(want)))
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// NeedsRehash reports whether digest was produced by a legacy scheme or with
// weaker parameters than the store is configured for.
func (s *Store) NeedsRehash(digest string) bool {
	if isBcrypt(digest) {
		return true
	}
	params, _, _, err := decode(digest, s.limits)
	if err != nil {
		return true
	}
	return params.Memory < s.params.Memory ||
		params.Iterations < s.params.Iterations ||
		params.Parallelism < s.params.Parallelism
}

// derive runs argon2id once a semaphore slot is free. Waiting honors ctx, and
// a deadline that passes while the KDF runs still fails the call.
func (s *Store) derive(ctx context.Context, secret string, salt []byte, p Params, keyLen uint32) ([]byte, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, services.WrapBackend("credential hashing", err, nil)
	}
	defer s.sem.Release(1)

	key := argon2.IDKey([]byte(secret), salt, p.Iterations, p.Memory, p.Parallelism, keyLen)
	if err := ctx.Err(); err != nil {
		return nil, services.WrapBackend("credential hashing", err, nil)
	}
	return key, nil
}

func (s *Store) verifyBcrypt(ctx context.Context, secret, digest string) (bool, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return false, services.WrapBackend("credential hashing", err, nil)
	}
	defer s.sem.Release(1)

	err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(secret))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		s.logger.Warn("unreadable bcrypt digest", zap.Error(err))
		return false, fmt.Errorf("%w: %v", ErrMalformedDigest, err)
	}
}

func isBcrypt(digest string) bool {
	return strings.HasPrefix(digest, "$2a$") || strings.HasPrefix(digest, "$2b$") || strings.HasPrefix(digest, "$2y$")
}

var b64 = base64.RawStdEncoding

// encode renders $argon2id$v=19$m=..,t=..,p=..$salt$key
func encode(p Params, salt, key []byte) string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Iterations, p.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key))
}

// costLimits returns the highest parameters a stored digest may carry.
func costLimits(configured Params) Params {
	base := DefaultParams
	if configured.Memory > base.Memory {
		base.Memory = configured.Memory
	}
	if configured.Iterations > base.Iterations {
		base.Iterations = configured.Iterations
	}
	if configured.Parallelism > base.Parallelism {
		base.Parallelism = configured.Parallelism
	}
	return Params{
		Memory:      saturate32(uint64(base.Memory) * maxCostFactor),
		Iterations:  saturate32(uint64(base.Iterations) * maxCostFactor),
		Parallelism: uint8(min(uint64(base.Parallelism)*maxCostFactor, 255)),
	}
}

func saturate32(v uint64) uint32 {
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}

func decode(digest string, limits Params) (Params, []byte, []byte, error) {
	var p Params
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, nil, nil, ErrMalformedDigest
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, ErrMalformedDigest
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return p, nil, nil, ErrMalformedDigest
	}
	if p.Iterations == 0 || p.Parallelism == 0 {
		return p, nil, nil, ErrMalformedDigest
	}
	if p.Memory > limits.Memory || p.Iterations > limits.Iterations || p.Parallelism > limits.Parallelism {
		return p, nil, nil, ErrMalformedDigest
	}

	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, ErrMalformedDigest
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil || len(key) == 0 || len(key) > maxKeyLength {
		return p, nil, nil, ErrMalformedDigest
	}
	return p, salt, key, nil
}
