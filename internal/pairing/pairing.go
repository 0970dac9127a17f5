package pairing

import (
	crand "crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPairExpired = errors.New("pairing: pair expired")
	ErrInvalidCode = errors.New("pairing: invalid code")
)

func GeneratePairCode() (string, error) {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0 O I 1
	const length = 8

	b := make([]byte, length)
	if _, err := crand.Read(b); err != nil {
		return "", err
	}

	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}

	return string(b), nil
}

func HashCode(code string) []byte {
	h := sha256.Sum256([]byte(code))
	return h[:]
}

// NewToken returns 32 random bytes, base64 encoded without padding.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := crand.Read(b); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(b), nil
}

type Pairing struct {
	CodeHash  []byte
	ExpiresAt time.Time
	Token     string
	Used      bool
}

// Offer is what the user carries to the extension: an id and a short code.
type Offer struct {
	PairID    string
	Code      string
	ExpiresAt time.Time
}

// Registry holds pending pair offers. Each offer can be exchanged once,
// before it expires.
type Registry struct {
	mu       sync.Mutex
	pairings map[string]*Pairing
	ttl      time.Duration
	now      func() time.Time
}

func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		pairings: make(map[string]*Pairing),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Create registers a new offer that hands out token when exchanged.
func (r *Registry) Create(token string) (Offer, error) {
	code, err := GeneratePairCode()
	if err != nil {
		return Offer{}, err
	}
	id := uuid.NewString()
	expires := r.now().Add(r.ttl)

	r.mu.Lock()
	r.pairings[id] = &Pairing{
		CodeHash:  HashCode(code),
		ExpiresAt: expires,
		Token:     token,
	}
	r.mu.Unlock()

	return Offer{PairID: id, Code: code, ExpiresAt: expires}, nil
}

// Exchange trades a pair id and code for the offer's token. A wrong code
// does not consume the offer.
func (r *Registry) Exchange(pairID, code string) (string, error) {
	pairID = strings.TrimSpace(pairID)
	code = strings.TrimSpace(code)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked(now)

	p, ok := r.pairings[pairID]
	if !ok || p == nil || p.Used || now.After(p.ExpiresAt) {
		return "", ErrPairExpired
	}

	got := sha256.Sum256([]byte(code))
	if len(p.CodeHash) != sha256.Size || subtle.ConstantTimeCompare(p.CodeHash, got[:]) != 1 {
		return "", ErrInvalidCode
	}

	p.Used = true
	return p.Token, nil
}

// Pending reports the offers that can still be exchanged.
func (r *Registry) Pending() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(now)

	n := 0
	for _, p := range r.pairings {
		if !p.Used {
			n++
		}
	}
	return n
}

func (r *Registry) sweepLocked(now time.Time) {
	for id, p := range r.pairings {
		if p == nil || now.After(p.ExpiresAt) {
			delete(r.pairings, id)
		}
	}
}
