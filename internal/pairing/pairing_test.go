package pairing

import (
	"context"
	"testing"
	"time"

	"github.com/quantumauth-io/quantum-wallet-agent/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestGeneratePairCodeAlphabet(t *testing.T) {
	code, err := GeneratePairCode()
	require.NoError(t, err)
	require.Len(t, code, 8)
	require.NotContainsf(t, code, "0", "ambiguous glyph in %s", code)
	require.NotContains(t, code, "O")
	require.NotContains(t, code, "I")
	require.NotContains(t, code, "1")
}

func TestExchangeIsOneShot(t *testing.T) {
	r := NewRegistry(time.Minute)
	offer, err := r.Create("tok")
	require.NoError(t, err)
	require.Equal(t, 1, r.Pending())

	_, err = r.Exchange(offer.PairID, "WRONGCOD")
	require.ErrorIs(t, err, ErrInvalidCode)

	// a wrong guess leaves the offer usable
	token, err := r.Exchange(offer.PairID, " "+offer.Code+" ")
	require.NoError(t, err)
	require.Equal(t, "tok", token)

	_, err = r.Exchange(offer.PairID, offer.Code)
	require.ErrorIs(t, err, ErrPairExpired)
	require.Zero(t, r.Pending())
}

func TestExchangeAfterTTL(t *testing.T) {
	r := NewRegistry(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }

	offer, err := r.Create("tok")
	require.NoError(t, err)

	now = now.Add(61 * time.Second)
	_, err = r.Exchange(offer.PairID, offer.Code)
	require.ErrorIs(t, err, ErrPairExpired)
	require.Zero(t, r.Pending())
}

func TestExchangeUnknownPair(t *testing.T) {
	r := NewRegistry(time.Minute)
	_, err := r.Exchange("nope", "ABCDEFGH")
	require.ErrorIs(t, err, ErrPairExpired)
}

func TestTokenPersistence(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()

	_, err := LoadToken(ctx, mem)
	require.ErrorIs(t, err, ErrNotPaired)

	tok, err := NewToken()
	require.NoError(t, err)
	require.NoError(t, SaveToken(ctx, mem, tok))

	got, err := LoadToken(ctx, mem)
	require.NoError(t, err)
	require.Equal(t, tok, got)

	require.NoError(t, Unpair(ctx, mem))
	_, err = LoadToken(ctx, mem)
	require.ErrorIs(t, err, ErrNotPaired)
}
