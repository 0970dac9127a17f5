package stellar

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	sep5Mnemonic = "illness spike retreat truth genius clock brain pass fit cave bargain toe"
	sep5Address0 = "GDRXE2BQUC3AZNPVFSCEZ76NJ3WWL25FYFK6RGZGIEKWE4SOOHSUJUJ6"
	sep5Secret0  = "SBGWSG6BTNCKCOB3DIFBGCVMUPQFYPA2G4O34RMTB343OYPXU5DJDVMN"
)

func TestStrkeyRoundTrip(t *testing.T) {
	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	s, err := Encode(VersionAccountID, payload)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(s, "G"))

	got, err := Decode(VersionAccountID, s)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	_, err = Decode(VersionSeed, s)
	require.ErrorIs(t, err, ErrInvalidVersion)
}

func TestStrkeyDetectsCorruption(t *testing.T) {
	// flip one character in a valid address
	bad := []byte(sep5Address0)
	if bad[10] == 'A' {
		bad[10] = 'B'
	} else {
		bad[10] = 'A'
	}
	_, err := Decode(VersionAccountID, string(bad))
	require.Error(t, err)

	require.False(t, IsValidAccountID("not-an-address"))
	require.True(t, IsValidAccountID(sep5Address0))
}

func TestDeriveAccountSEP5Vector(t *testing.T) {
	kp, err := DeriveAccount(sep5Mnemonic, 0)
	require.NoError(t, err)
	defer kp.Zero()

	require.Equal(t, sep5Address0, kp.Address())
	require.Equal(t, sep5Secret0, kp.Secret())
	require.Equal(t, "44'/148'/0'", BIPPath(0))
}

func TestDeriveAccountRejectsBadPhrase(t *testing.T) {
	_, err := DeriveAccount("illness spike retreat truth genius clock brain pass fit cave bargain bargain", 0)
	require.ErrorIs(t, err, ErrInvalidMnemonic)
}

func TestNewMnemonicIsValid(t *testing.T) {
	m, err := NewMnemonic()
	require.NoError(t, err)
	require.Len(t, strings.Fields(m), 12)
	require.True(t, ValidMnemonic("  "+strings.ToUpper(m)+"  "))
}

func TestSecretRoundTripAndSigning(t *testing.T) {
	kp, err := Random()
	require.NoError(t, err)

	parsed, err := ParseSecret(kp.Secret())
	require.NoError(t, err)
	require.Equal(t, kp.Address(), parsed.Address())

	msg := []byte("hello stellar")
	sig := parsed.Sign(msg)
	require.True(t, Verify(kp.Address(), msg, sig))
	require.False(t, Verify(kp.Address(), []byte("tampered"), sig))

	h := sha256.Sum256(msg)
	require.True(t, Verify(kp.Address(), h[:], parsed.SignHashed(msg)))
}

func TestTxBodyBuilder(t *testing.T) {
	body := []byte{0, 0, 0, 1, 0, 0, 0, 2}
	xdr := base64.StdEncoding.EncodeToString(body)

	var b TxBodyBuilder
	payload, err := b.SignaturePayload(xdr, TestNetworkPassphrase)
	require.NoError(t, err)

	networkID := sha256.Sum256([]byte(TestNetworkPassphrase))
	require.Equal(t, networkID[:], payload[:32])
	require.Equal(t, uint32(envelopeTypeTx), binary.BigEndian.Uint32(payload[32:36]))
	require.Equal(t, body, payload[36:])

	sig := make([]byte, 64)
	signed, err := b.AttachSignature(xdr, [4]byte{1, 2, 3, 4}, sig)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(signed)
	require.NoError(t, err)
	require.Len(t, raw, 4+len(body)+4+4+4+64)

	_, err = b.SignaturePayload("%%%", TestNetworkPassphrase)
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = b.SignaturePayload(xdr, "")
	require.ErrorIs(t, err, ErrInvalidPayload)
}
