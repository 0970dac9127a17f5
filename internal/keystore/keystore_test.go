package keystore

import (
	"context"
	"crypto/sha256"
	"strings"
	"testing"
	"time"

	"github.com/quantumauth-io/quantum-wallet-agent/internal/constants"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/stellar"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/storage"
	"github.com/stretchr/testify/require"
)

var testKDF = KDFParams{Time: 1, MemoryKiB: 64, Threads: 1, KeyLen: 32}

func TestLockUnlockRoundTrip(t *testing.T) {
	plaintexts := []string{"", "S", strings.Repeat("x", 17), strings.Repeat("long-secret-", 300)}
	passwords := []string{"", "test", "pässwörd with spaces"}

	for _, pt := range plaintexts {
		for _, pw := range passwords {
			dk, err := DeriveKeyWithParams([]byte(pw), testKDF)
			require.NoError(t, err)
			require.Len(t, dk.Salt, saltSize)
			require.Len(t, dk.IV, 24)

			rec, err := LockToStorage("key-1", []byte(pt), dk)
			require.NoError(t, err)
			require.Len(t, rec.EncryptedPrivateKey, len(pt)+16)

			got, err := Unlock([]byte(pw), rec)
			require.NoError(t, err)
			require.Equal(t, pt, string(got))
		}
	}
}

func TestDefaultKDFRoundTrip(t *testing.T) {
	dk, err := DeriveKey([]byte("test"))
	require.NoError(t, err)
	require.Equal(t, DefaultKDF, dk.KDF)

	rec, err := LockToStorage("key-1", []byte("secret"), dk)
	require.NoError(t, err)

	got, err := Unlock([]byte("test"), rec)
	require.NoError(t, err)
	require.Equal(t, "secret", string(got))
}

func TestUnlockWrongPassword(t *testing.T) {
	dk, err := DeriveKeyWithParams([]byte("right"), testKDF)
	require.NoError(t, err)
	rec, err := LockToStorage("key-1", []byte("secret"), dk)
	require.NoError(t, err)

	_, err = Unlock([]byte("wrong"), rec)
	require.ErrorIs(t, err, ErrWrongPassword)

	// record moved to another key id fails the AAD check
	moved := rec
	moved.KeyID = "key-2"
	_, err = Unlock([]byte("right"), moved)
	require.ErrorIs(t, err, ErrWrongPassword)

	// corrupt fields all collapse to the same error
	bad := rec
	bad.IV = bad.IV[:5]
	_, err = Unlock([]byte("right"), bad)
	require.ErrorIs(t, err, ErrWrongPassword)

	bad = rec
	bad.Version = 99
	_, err = Unlock([]byte("right"), bad)
	require.ErrorIs(t, err, ErrWrongPassword)
}

func TestDeriveKeyWithSaltIsDeterministic(t *testing.T) {
	dk, err := DeriveKeyWithParams([]byte("pw"), testKDF)
	require.NoError(t, err)
	require.Equal(t, dk.Key, DeriveKeyWithSalt([]byte("pw"), dk.Salt, testKDF))
	require.NotEqual(t, dk.Key, DeriveKeyWithSalt([]byte("pw2"), dk.Salt, testKDF))
}

func TestIdleWindowTouchExtends(t *testing.T) {
	const (
		window = 200 * time.Millisecond
		slack  = 40 * time.Millisecond
	)

	s := NewSession(window)
	start := time.Now()
	s.Open("acct", []byte("secret"))

	time.Sleep(window / 2)
	s.Touch()
	touched := time.Now()

	// past the original deadline but inside the touched one; Status does
	// not touch the window
	time.Sleep(time.Until(start.Add(window + slack)))
	st := s.Status()
	require.True(t, st.Unlocked)
	require.True(t, st.HasKey)
	require.Equal(t, "acct", st.ActiveKeyID)

	// cleared once the touched window passes untouched
	require.Eventually(t, func() bool {
		return !s.Status().HasKey
	}, time.Until(touched.Add(window+slack)), 5*time.Millisecond)
	require.False(t, s.Status().Unlocked)

	_, id, err := s.Key()
	require.ErrorIs(t, err, ErrSessionExpired)
	require.Equal(t, "acct", id)
}

func TestIdleWindowExpiresWithoutTouch(t *testing.T) {
	const window = 100 * time.Millisecond

	s := NewSession(window)
	events, cancel := s.Subscribe()
	defer cancel()

	s.Open("acct", []byte("secret"))

	select {
	case ev := <-events:
		require.Equal(t, EndTimeout, ev.Reason)
		require.Equal(t, "acct", ev.KeyID)
	case <-time.After(5 * window):
		t.Fatal("session did not expire")
	}

	st := s.Status()
	require.False(t, st.Unlocked)
	require.False(t, st.HasKey)
	require.True(t, st.UnlockedAt.IsZero())
	require.Equal(t, "acct", st.ActiveKeyID)
}

func TestTouchWhileLockedIsNoop(t *testing.T) {
	s := NewSession(50 * time.Millisecond)
	s.Touch()
	require.False(t, s.Status().Unlocked)
}

func TestStartIdleWindowKeepsLockedSessionLocked(t *testing.T) {
	s := NewSession(time.Hour)
	s.StartIdleWindow(time.Minute)
	require.False(t, s.Status().Unlocked)

	s.Open("acct", []byte("secret"))
	s.LockNow()
	s.StartIdleWindow(time.Minute)

	st := s.Status()
	require.False(t, st.Unlocked)
	require.False(t, st.HasKey)
	_, _, err := s.Key()
	require.ErrorIs(t, err, ErrSessionExpired)

	// the new window applies to the next unlock
	s.Open("acct", []byte("secret"))
	require.True(t, s.Status().Unlocked)
	s.mu.Lock()
	require.Equal(t, time.Minute, s.window)
	s.mu.Unlock()
	s.LockNow()
}

func TestKeyCopySurvivesLock(t *testing.T) {
	s := NewSession(time.Hour)
	s.Open("acct", []byte("secret"))

	key, _, err := s.Key()
	require.NoError(t, err)

	s.LockNow()
	require.Equal(t, "secret", string(key))

	_, _, err = s.Key()
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestLockNowNotifiesSubscribers(t *testing.T) {
	s := NewSession(time.Hour)
	events, cancel := s.Subscribe()
	defer cancel()

	s.Open("a", []byte("k"))
	s.SetMnemonic([]byte("words"))
	s.LockNow()

	ev := <-events
	require.Equal(t, EndLocked, ev.Reason)
	_, ok := s.Mnemonic()
	require.False(t, ok)

	s.Open("a", []byte("k"))
	s.Open("b", []byte("k2"))
	ev = <-events
	require.Equal(t, EndSwitched, ev.Reason)
	require.Equal(t, "a", ev.KeyID)
}

func TestSetActiveDropsKey(t *testing.T) {
	s := NewSession(time.Hour)
	s.Open("a", []byte("k"))
	s.SetActive("b")

	st := s.Status()
	require.Equal(t, "b", st.ActiveKeyID)
	require.False(t, st.HasKey)
	require.False(t, st.Unlocked)
}

func newTestKeystore() *Keystore {
	return New(storage.NewMemory(), WithKDF(testKDF))
}

func TestKeystoreCreateUnlockSign(t *testing.T) {
	ctx := context.Background()
	ks := newTestKeystore()

	kp, err := stellar.Random()
	require.NoError(t, err)
	id := "acct-1"

	require.NoError(t, ks.PutRecord(ctx, id, []byte("test"), []byte(kp.Secret())))

	ok, err := ks.HasRecord(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = ks.SignPayload([]byte("payload"))
	require.ErrorIs(t, err, ErrSessionExpired)

	require.ErrorIs(t, ks.UnlockAccount(ctx, id, []byte("nope")), ErrWrongPassword)
	require.NoError(t, ks.UnlockAccount(ctx, id, []byte("test")))

	sig, err := ks.SignPayload([]byte("payload"))
	require.NoError(t, err)
	require.Equal(t, kp.Address(), sig.PublicKey)
	require.Equal(t, kp.Hint(), sig.Hint)
	require.True(t, stellar.Verify(kp.Address(), sha256Of("payload"), sig.Signature))

	blob, err := ks.SignBlob([]byte("blob"))
	require.NoError(t, err)
	require.True(t, stellar.Verify(kp.Address(), []byte("blob"), blob.Signature))

	require.NoError(t, ks.VerifyPassword(ctx, []byte("test")))
	require.ErrorIs(t, ks.VerifyPassword(ctx, []byte("bad")), ErrWrongPassword)

	ks.Lock()
	_, err = ks.SignAuthEntry([]byte("entry"))
	require.ErrorIs(t, err, ErrSessionExpired)
	require.Equal(t, id, ks.Status().ActiveKeyID)

	require.NoError(t, ks.RemoveRecord(ctx, id))
	ok, err = ks.HasRecord(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKeystoreStoresOnlyCiphertext(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	ks := New(mem, WithKDF(testKDF))

	require.NoError(t, ks.PutRecord(ctx, "k", []byte("pw"), []byte("SPLAINTEXTSECRET")))
	raw, err := mem.GetItem(ctx, constants.StorageKeyRecordPrefix+"k")
	require.NoError(t, err)
	require.NotContains(t, string(raw), "SPLAINTEXTSECRET")
	require.Contains(t, string(raw), `"keyId":"k"`)
}

func TestKeystoreMnemonic(t *testing.T) {
	ctx := context.Background()
	ks := newTestKeystore()

	require.ErrorIs(t, ks.VerifyPassword(ctx, []byte("pw")), ErrRecordNotFound)

	require.NoError(t, ks.SealMnemonic(ctx, []byte("pw"), []byte("one two three")))
	got, err := ks.OpenMnemonic(ctx, []byte("pw"))
	require.NoError(t, err)
	require.Equal(t, "one two three", string(got))

	_, err = ks.OpenMnemonic(ctx, []byte("other"))
	require.ErrorIs(t, err, ErrWrongPassword)

	// hardware-active session verifies against the phrase record
	ks.OpenKeyless("hw-1")
	require.NoError(t, ks.VerifyPassword(ctx, []byte("pw")))
	require.True(t, ks.Status().Unlocked)
	require.False(t, ks.Status().HasKey)
}

func TestWithIdleTimeout(t *testing.T) {
	ks := New(storage.NewMemory(), WithIdleTimeout(time.Minute))
	require.Equal(t, time.Minute, ks.IdleTimeout())
	require.Equal(t, constants.DefaultIdleTimeout, New(storage.NewMemory()).IdleTimeout())
}

func sha256Of(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:]
}
