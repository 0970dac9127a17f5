package background

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quantumauth-io/quantum-wallet-agent/internal/account"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/constants"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/hardware"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/keystore"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/queue"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/router"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/stellar"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/storage"
	"github.com/stretchr/testify/require"
)

const (
	testOrigin = "https://dapp.example"
	hwPath     = "44'/148'/0'"
)

var (
	testKDF = keystore.KDFParams{Time: 1, MemoryKiB: 64, Threads: 1, KeyLen: 32}
	testTx  = base64.StdEncoding.EncodeToString([]byte("unsigned transaction body......."))
)

type fakeSigner struct {
	mu     sync.Mutex
	kp     *stellar.KeyPair
	reject bool
	calls  int
	// when set, Sign blocks until it is closed
	gate chan struct{}
}

func (f *fakeSigner) Connect(context.Context) (hardware.DeviceInfo, error) {
	return hardware.DeviceInfo{Family: hardware.WalletLedger, AppVersion: "5.0.0"}, nil
}

func (f *fakeSigner) GetPublicKey(context.Context, string) (string, error) {
	return f.kp.Address(), nil
}

func (f *fakeSigner) Sign(ctx context.Context, _ string, payload []byte, _ bool) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	gate, reject := f.gate, f.reject
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if reject {
		return nil, &hardware.DeviceError{Kind: hardware.ErrUserRejected, Family: hardware.WalletLedger, StatusWord: 0x6985}
	}
	return f.kp.SignHashed(payload), nil
}

func (f *fakeSigner) signCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSigner) SignAuthorizationPayload(_ context.Context, _ string, payload []byte) ([]byte, error) {
	return f.kp.SignHashed(payload), nil
}

type fakeFunder struct {
	url, addr string
}

func (f *fakeFunder) Fund(_ context.Context, url, addr string) error {
	f.url, f.addr = url, addr
	return nil
}

type harness struct {
	t      *testing.T
	mem    *storage.Memory
	ks     *keystore.Keystore
	svc    *Service
	d      *router.Dispatcher
	mu     sync.Mutex
	nextID int64
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	mem := storage.NewMemory()
	ks := keystore.New(mem, keystore.WithKDF(testKDF))
	svc := New(mem, opts)
	require.NoError(t, svc.Init(context.Background()))

	d, err := router.NewDispatcher(svc.Table(), mem, ks)
	require.NoError(t, err)
	return &harness{t: t, mem: mem, ks: ks, svc: svc, d: d}
}

func (h *harness) call(kind router.RequestKind, payload any) router.Response {
	h.t.Helper()
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()

	req, err := router.NewRequest(id, kind, payload)
	require.NoError(h.t, err)
	resp := h.d.Dispatch(context.Background(), req)
	require.Equal(h.t, id, resp.MessageID)
	require.Equal(h.t, router.SourceResponse, resp.Source)
	return resp
}

func (h *harness) ok(kind router.RequestKind, payload any, dst any) {
	h.t.Helper()
	resp := h.call(kind, payload)
	require.Empty(h.t, resp.Error, "%s failed", kind)
	if dst != nil {
		require.NoError(h.t, resp.Decode(dst))
	}
}

func (h *harness) fails(kind router.RequestKind, payload any) string {
	h.t.Helper()
	resp := h.call(kind, payload)
	require.NotEmpty(h.t, resp.Error, "%s should fail", kind)
	return resp.Error
}

func (h *harness) keyRecordCount() int {
	n := 0
	for _, k := range h.mem.Keys() {
		if strings.HasPrefix(k, constants.StorageKeyRecordPrefix) {
			n++
		}
	}
	return n
}

type accountsResp struct {
	PublicKey   string            `json:"publicKey"`
	AllAccounts []account.Account `json:"allAccounts"`
}

func TestCreateImportHardwareThenSignWhileLocked(t *testing.T) {
	hwKey, err := stellar.Random()
	require.NoError(t, err)
	h := newHarness(t, Options{Registry: hardware.NewRegistry(&fakeSigner{kp: hwKey}, nil)})

	var created accountsResp
	h.ok(router.CreateAccount, map[string]any{"password": "test"}, &created)
	require.True(t, stellar.IsValidAccountID(created.PublicKey))
	require.Len(t, created.AllAccounts, 1)
	require.Equal(t, 1, h.keyRecordCount())

	st := h.ks.Status()
	require.Equal(t, created.AllAccounts[0].ID, st.ActiveKeyID)
	require.True(t, st.HasKey)
	activeBefore := st.ActiveKeyID

	var imported accountsResp
	h.ok(router.ImportHardwareWallet, map[string]any{
		"publicKey":  hwKey.Address(),
		"bipPath":    hwPath,
		"walletType": "ledger",
	}, &imported)
	require.Len(t, imported.AllAccounts, 2)
	require.Equal(t, 1, h.keyRecordCount())
	require.Equal(t, activeBefore, h.ks.Status().ActiveKeyID)

	h.ok(router.GrantAccess, map[string]any{"origin": testOrigin}, nil)
	h.ok(router.SignOut, nil, nil)

	msg := h.fails(router.SignTransaction, map[string]any{"origin": testOrigin, "transactionXdr": testTx})
	require.Equal(t, "SessionExpired", msg)
}

func TestLocalSigning(t *testing.T) {
	h := newHarness(t, Options{})

	var created accountsResp
	h.ok(router.CreateAccount, map[string]any{"password": "pw"}, &created)

	require.Equal(t, "ApprovalRequired",
		h.fails(router.SignTransaction, map[string]any{"origin": testOrigin, "transactionXdr": testTx}))
	h.ok(router.GrantAccess, map[string]any{"origin": testOrigin}, nil)

	var signed struct {
		SignedTransaction string `json:"signedTransaction"`
		Signature         string `json:"signature"`
		SignerPublicKey   string `json:"signerPublicKey"`
	}
	h.ok(router.SignTransaction, map[string]any{
		"origin":            testOrigin,
		"transactionXdr":    testTx,
		"networkPassphrase": stellar.TestNetworkPassphrase,
	}, &signed)
	require.Equal(t, created.PublicKey, signed.SignerPublicKey)
	require.NotEmpty(t, signed.SignedTransaction)

	payload, err := stellar.TxBodyBuilder{}.SignaturePayload(testTx, stellar.TestNetworkPassphrase)
	require.NoError(t, err)
	sig, err := base64.StdEncoding.DecodeString(signed.Signature)
	require.NoError(t, err)
	sum := sha256.Sum256(payload)
	require.True(t, stellar.Verify(created.PublicKey, sum[:], sig))

	blob := []byte("sign me as-is")
	var blobRes struct {
		SignedBlob string `json:"signedBlob"`
	}
	h.ok(router.SignBlob, map[string]any{"origin": testOrigin, "blob": base64.StdEncoding.EncodeToString(blob)}, &blobRes)
	sig, err = base64.StdEncoding.DecodeString(blobRes.SignedBlob)
	require.NoError(t, err)
	require.True(t, stellar.Verify(created.PublicKey, blob, sig))

	require.Contains(t, h.fails(router.SignAuthEntry, map[string]any{"origin": testOrigin, "entryXdr": "%%%"}), "ValidationError")
}

func TestLoginAndLoadAccount(t *testing.T) {
	h := newHarness(t, Options{})

	var loaded struct {
		ApplicationState string `json:"applicationState"`
		IsLocked         bool   `json:"isLocked"`
		HasPrivateKey    bool   `json:"hasPrivateKey"`
		PublicKey        string `json:"publicKey"`
	}
	h.ok(router.LoadAccount, nil, &loaded)
	require.Equal(t, StateApplicationStarted, loaded.ApplicationState)
	require.True(t, loaded.IsLocked)

	var created accountsResp
	h.ok(router.CreateAccount, map[string]any{"password": "pw"}, &created)
	require.Contains(t, h.fails(router.CreateAccount, map[string]any{"password": "pw"}), "ValidationError")
	h.ok(router.SignOut, nil, nil)

	h.ok(router.LoadAccount, nil, &loaded)
	require.Equal(t, StatePasswordCreated, loaded.ApplicationState)
	require.True(t, loaded.IsLocked)
	require.Equal(t, created.PublicKey, loaded.PublicKey)

	require.Equal(t, "WrongPassword", h.fails(router.Login, map[string]any{"password": "nope"}))
	require.Contains(t, h.fails(router.Login, map[string]any{}), "missing password")

	var login struct {
		PublicKey     string `json:"publicKey"`
		HasPrivateKey bool   `json:"hasPrivateKey"`
	}
	h.ok(router.Login, map[string]any{"password": "pw"}, &login)
	require.Equal(t, created.PublicKey, login.PublicKey)
	require.True(t, login.HasPrivateKey)

	h.ok(router.LoadAccount, nil, &loaded)
	require.False(t, loaded.IsLocked)
	require.True(t, loaded.HasPrivateKey)
}

func TestUnlockAtStartup(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.svc.Unlock(ctx, h.ks, []byte("pw"))
	require.ErrorIs(t, err, account.ErrNotFound)

	var created accountsResp
	h.ok(router.CreateAccount, map[string]any{"password": "pw"}, &created)
	h.ok(router.SignOut, nil, nil)

	_, err = h.svc.Unlock(ctx, h.ks, []byte("nope"))
	require.ErrorIs(t, err, keystore.ErrWrongPassword)
	require.False(t, h.ks.Status().Unlocked)

	a, err := h.svc.Unlock(ctx, h.ks, []byte("pw"))
	require.NoError(t, err)
	require.Equal(t, created.PublicKey, a.PublicKey)
	require.True(t, h.ks.Status().HasKey)
}

func TestEmptyPasswordIsAPassword(t *testing.T) {
	h := newHarness(t, Options{})
	h.ok(router.CreateAccount, map[string]any{"password": ""}, nil)
	h.ok(router.SignOut, nil, nil)
	require.Equal(t, "WrongPassword", h.fails(router.Login, map[string]any{"password": "x"}))
	h.ok(router.Login, map[string]any{"password": ""}, nil)
}

func TestMnemonicLifecycle(t *testing.T) {
	h := newHarness(t, Options{})
	h.ok(router.CreateAccount, map[string]any{"password": "pw"}, nil)

	var phrase struct {
		MnemonicPhrase string `json:"mnemonicPhrase"`
	}
	h.ok(router.GetMnemonic, nil, &phrase)
	require.True(t, stellar.ValidMnemonic(phrase.MnemonicPhrase))

	var confirm struct {
		IsCorrectPhrase  bool   `json:"isCorrectPhrase"`
		ApplicationState string `json:"applicationState"`
	}
	h.ok(router.ConfirmMnemonic, map[string]any{"mnemonicPhraseToConfirm": "wrong words"}, &confirm)
	require.False(t, confirm.IsCorrectPhrase)
	require.Equal(t, StatePasswordCreated, confirm.ApplicationState)

	h.ok(router.ConfirmMnemonic, map[string]any{"mnemonicPhraseToConfirm": "  " + strings.ToUpper(phrase.MnemonicPhrase)}, &confirm)
	require.True(t, confirm.IsCorrectPhrase)
	require.Equal(t, StateMnemonicConfirmed, confirm.ApplicationState)

	// the phrase is gone from memory once confirmed
	require.Contains(t, h.fails(router.GetMnemonic, nil), "ValidationError")

	var added accountsResp
	h.ok(router.AddAccount, map[string]any{"password": "pw"}, &added)
	require.Len(t, added.AllAccounts, 2)
	want, err := stellar.DeriveAccount(phrase.MnemonicPhrase, 1)
	require.NoError(t, err)
	require.Equal(t, want.Address(), added.PublicKey)
	require.Equal(t, 2, h.keyRecordCount())

	require.Equal(t, "WrongPassword", h.fails(router.ShowBackupPhrase, map[string]any{"password": "nope"}))
	var backup struct {
		MnemonicPhrase string `json:"mnemonicPhrase"`
	}
	h.ok(router.ShowBackupPhrase, map[string]any{"password": "pw"}, &backup)
	require.Equal(t, phrase.MnemonicPhrase, backup.MnemonicPhrase)
}

func TestImportAndRecover(t *testing.T) {
	h := newHarness(t, Options{})
	h.ok(router.CreateAccount, map[string]any{"password": "pw"}, nil)

	kp, err := stellar.Random()
	require.NoError(t, err)
	require.Equal(t, "WrongPassword",
		h.fails(router.ImportAccount, map[string]any{"password": "bad", "privateKey": kp.Secret()}))

	var imported accountsResp
	h.ok(router.ImportAccount, map[string]any{"password": "pw", "privateKey": kp.Secret()}, &imported)
	require.Equal(t, kp.Address(), imported.PublicKey)
	require.True(t, imported.AllAccounts[1].Imported)
	require.Equal(t, 2, h.keyRecordCount())

	phrase, err := stellar.NewMnemonic()
	require.NoError(t, err)
	want, err := stellar.DeriveAccount(phrase, 0)
	require.NoError(t, err)

	require.Contains(t, h.fails(router.RecoverAccount, map[string]any{"password": "new", "recoverMnemonic": "not a phrase"}), "ValidationError")

	var recovered accountsResp
	h.ok(router.RecoverAccount, map[string]any{"password": "new", "recoverMnemonic": phrase}, &recovered)
	require.Equal(t, want.Address(), recovered.PublicKey)
	require.Len(t, recovered.AllAccounts, 1)
	require.Equal(t, 1, h.keyRecordCount())

	h.ok(router.SignOut, nil, nil)
	require.Equal(t, "WrongPassword", h.fails(router.Login, map[string]any{"password": "pw"}))
	h.ok(router.Login, map[string]any{"password": "new"}, nil)
}

func TestAccessAndSettings(t *testing.T) {
	funder := &fakeFunder{}
	h := newHarness(t, Options{Funder: funder})

	var created accountsResp
	h.ok(router.CreateAccount, map[string]any{"password": "pw"}, &created)

	require.Equal(t, "ApprovalRequired", h.fails(router.RequestAccess, map[string]any{"origin": testOrigin}))
	h.ok(router.GrantAccess, map[string]any{"origin": "HTTPS://DApp.Example/path"}, nil)

	var access struct {
		PublicKey string `json:"publicKey"`
	}
	h.ok(router.RequestAccess, map[string]any{"origin": testOrigin}, &access)
	require.Equal(t, created.PublicKey, access.PublicKey)

	h.ok(router.RejectAccess, map[string]any{"origin": testOrigin}, nil)
	require.Equal(t, "ApprovalRequired", h.fails(router.RequestAccess, map[string]any{"origin": testOrigin}))
	require.Contains(t, h.fails(router.GrantAccess, map[string]any{"origin": "nope"}), "ValidationError")

	var settings struct {
		NetworkDetails account.Network   `json:"networkDetails"`
		NetworksList   []account.Network `json:"networksList"`
		AllowedOrigins map[string]bool   `json:"allowedOrigins"`
	}
	h.ok(router.LoadSettings, nil, &settings)
	require.Equal(t, "public", settings.NetworkDetails.Name)
	require.Len(t, settings.NetworksList, 3)
	require.Equal(t, map[string]bool{testOrigin: false}, settings.AllowedOrigins)

	require.Contains(t, h.fails(router.FundAccount, map[string]any{"publicKey": created.PublicKey}), "no friendbot")

	h.ok(router.ChangeNetwork, map[string]any{"networkName": "testnet"}, nil)
	h.ok(router.FundAccount, map[string]any{"publicKey": created.PublicKey}, nil)
	require.Equal(t, "https://friendbot.stellar.org", funder.url)
	require.Equal(t, created.PublicKey, funder.addr)

	require.Contains(t, h.fails(router.ChangeNetwork, map[string]any{"networkName": "mainnet-2"}), "ValidationError")
}

// hwHarness is a wallet whose active account is a ledger account, unlocked
// and allowed to sign for testOrigin.
func hwHarness(t *testing.T, signer *fakeSigner, q *queue.Queue) (*harness, string) {
	t.Helper()
	h := newHarness(t, Options{Registry: hardware.NewRegistry(signer, nil), Queue: q})
	h.ok(router.CreateAccount, map[string]any{"password": "pw"}, nil)
	h.ok(router.ImportHardwareWallet, map[string]any{
		"publicKey":  signer.kp.Address(),
		"bipPath":    hwPath,
		"walletType": "ledger",
	}, nil)

	var active struct {
		HasPrivateKey bool `json:"hasPrivateKey"`
	}
	h.ok(router.MakeAccountActive, map[string]any{"publicKey": signer.kp.Address(), "password": "pw"}, &active)
	require.False(t, active.HasPrivateKey)
	h.ok(router.GrantAccess, map[string]any{"origin": testOrigin}, nil)
	return h, signer.kp.Address()
}

func signAsync(h *harness, kind router.RequestKind, payload any) <-chan router.Response {
	out := make(chan router.Response, 1)
	go func() { out <- h.call(kind, payload) }()
	return out
}

func waitQueued(t *testing.T, q *queue.Queue) queue.Entry {
	t.Helper()
	var e queue.Entry
	require.Eventually(t, func() bool {
		list := q.List()
		if len(list) == 0 {
			return false
		}
		e = list[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return e
}

func TestHardwareSigningThroughQueue(t *testing.T) {
	hwKey, err := stellar.Random()
	require.NoError(t, err)
	signer := &fakeSigner{kp: hwKey}
	q := queue.New(time.Minute, queue.WithOnExpire(ReleaseExpired))
	h, hwAddr := hwHarness(t, signer, q)

	done := signAsync(h, router.SignTransaction, map[string]any{
		"origin":            testOrigin,
		"transactionXdr":    testTx,
		"networkPassphrase": stellar.TestNetworkPassphrase,
	})
	e := waitQueued(t, q)
	require.Equal(t, queue.KindSignTx, e.Kind)

	var snapshot struct {
		UUID   string        `json:"uuid"`
		State  queue.State   `json:"state"`
		Detail SigningDetail `json:"detail"`
	}
	h.ok(router.GetSigningRequest, map[string]any{"uuid": e.UUID}, &snapshot)
	require.Equal(t, queue.StatePending, snapshot.State)
	require.Equal(t, hardware.WalletLedger, snapshot.Detail.WalletType)
	require.Equal(t, hwPath, snapshot.Detail.BIPPath)
	require.Equal(t, testOrigin, snapshot.Detail.Origin)

	var state queueStateResult
	h.ok(router.MarkQueueActive, map[string]any{"uuid": e.UUID, "active": true}, &state)
	require.Equal(t, queue.StateActive, state.State)

	h.ok(router.ApproveSigning, map[string]any{"uuid": e.UUID}, &state)
	require.Equal(t, queue.StateDone, state.State)

	var resp router.Response
	select {
	case resp = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sign request not answered")
	}
	require.Empty(t, resp.Error)

	var signed struct {
		Signature       string `json:"signature"`
		SignerPublicKey string `json:"signerPublicKey"`
	}
	require.NoError(t, resp.Decode(&signed))
	require.Equal(t, hwAddr, signed.SignerPublicKey)

	payload, err := stellar.TxBodyBuilder{}.SignaturePayload(testTx, stellar.TestNetworkPassphrase)
	require.NoError(t, err)
	sig, err := base64.StdEncoding.DecodeString(signed.Signature)
	require.NoError(t, err)
	sum := sha256.Sum256(payload)
	require.True(t, stellar.Verify(hwAddr, sum[:], sig))

	// a second decision for the same request is refused
	require.Equal(t, router.GenericErrorMessage, h.fails(router.RejectSigning, map[string]any{"uuid": e.UUID}))
	require.Equal(t, router.GenericErrorMessage, h.fails(router.ApproveSigning, map[string]any{"uuid": e.UUID}))
	require.Equal(t, 1, signer.signCalls())

	require.Equal(t, "UnsupportedOperation", h.fails(router.SignBlob, map[string]any{"origin": testOrigin, "blob": "AAAA"}))
}

func TestConcurrentApprovalsSignOnce(t *testing.T) {
	hwKey, err := stellar.Random()
	require.NoError(t, err)
	signer := &fakeSigner{kp: hwKey, gate: make(chan struct{})}
	q := queue.New(time.Minute)
	h, _ := hwHarness(t, signer, q)

	done := signAsync(h, router.SignTransaction, map[string]any{"origin": testOrigin, "transactionXdr": testTx})
	e := waitQueued(t, q)

	first := signAsync(h, router.ApproveSigning, map[string]any{"uuid": e.UUID})
	require.Eventually(t, func() bool { return signer.signCalls() == 1 }, 2*time.Second, 5*time.Millisecond)

	// the device is busy with the first approval
	require.Equal(t, router.GenericErrorMessage, h.fails(router.ApproveSigning, map[string]any{"uuid": e.UUID}))
	require.Equal(t, router.GenericErrorMessage, h.fails(router.RejectSigning, map[string]any{"uuid": e.UUID}))

	// a claimed entry cannot be sent back to PENDING
	var state queueStateResult
	h.ok(router.MarkQueueActive, map[string]any{"uuid": e.UUID, "active": false}, &state)
	require.Equal(t, queue.StateActive, state.State)

	close(signer.gate)
	require.Empty(t, (<-first).Error)
	require.Empty(t, (<-done).Error)
	require.Equal(t, 1, signer.signCalls())
}

func TestHardwareSigningKeepsKeylessSessionOpen(t *testing.T) {
	const window = 300 * time.Millisecond

	hwKey, err := stellar.Random()
	require.NoError(t, err)
	q := queue.New(time.Minute)
	h, _ := hwHarness(t, &fakeSigner{kp: hwKey}, q)

	h.ks.Session().StartIdleWindow(window)
	start := time.Now()
	require.False(t, h.ks.Status().HasKey)

	done := signAsync(h, router.SignTransaction, map[string]any{"origin": testOrigin, "transactionXdr": testTx})
	e := waitQueued(t, q)

	time.Sleep(time.Until(start.Add(window * 2 / 3)))
	h.ok(router.ApproveSigning, map[string]any{"uuid": e.UUID}, nil)
	require.Empty(t, (<-done).Error)

	// past the window opened at start, inside the one the approval renewed
	time.Sleep(time.Until(start.Add(window + 50*time.Millisecond)))
	require.True(t, h.ks.Status().Unlocked)

	require.Eventually(t, func() bool {
		return !h.ks.Status().Unlocked
	}, 2*window, 10*time.Millisecond)
}

func TestHardwareSigningRejected(t *testing.T) {
	hwKey, err := stellar.Random()
	require.NoError(t, err)
	signer := &fakeSigner{kp: hwKey, reject: true}
	q := queue.New(time.Minute)
	h, _ := hwHarness(t, signer, q)

	done := signAsync(h, router.SignTransaction, map[string]any{"origin": testOrigin, "transactionXdr": testTx})
	e := waitQueued(t, q)

	require.Equal(t, "UserRejected", h.fails(router.ApproveSigning, map[string]any{"uuid": e.UUID}))
	require.Equal(t, "UserRejected", (<-done).Error)

	// rejecting from the approval surface without touching the device
	done = signAsync(h, router.SignAuthEntry, map[string]any{"origin": testOrigin, "entryXdr": "AAAAAQ=="})
	e = waitQueued(t, q)
	require.Equal(t, queue.KindSignAuthEntry, e.Kind)
	h.ok(router.RejectSigning, map[string]any{"uuid": e.UUID}, nil)
	require.Equal(t, "UserRejected", (<-done).Error)
}

func TestHardwareSigningExpires(t *testing.T) {
	hwKey, err := stellar.Random()
	require.NoError(t, err)
	q := queue.New(30*time.Millisecond, queue.WithOnExpire(ReleaseExpired))
	h, _ := hwHarness(t, &fakeSigner{kp: hwKey}, q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, 5*time.Millisecond)

	resp := h.call(router.SignTransaction, map[string]any{"origin": testOrigin, "transactionXdr": testTx})
	require.Equal(t, "RequestExpired", resp.Error)
}

func TestHardwareSigningNeedsUnlockedSession(t *testing.T) {
	hwKey, err := stellar.Random()
	require.NoError(t, err)
	q := queue.New(time.Minute)
	h, _ := hwHarness(t, &fakeSigner{kp: hwKey}, q)

	h.ok(router.SignOut, nil, nil)
	require.Equal(t, "SessionExpired", h.fails(router.SignTransaction, map[string]any{"origin": testOrigin, "transactionXdr": testTx}))
	require.Empty(t, q.List())
}

func TestImportHardwareValidation(t *testing.T) {
	hwKey, err := stellar.Random()
	require.NoError(t, err)
	h := newHarness(t, Options{})

	payload := map[string]any{"publicKey": hwKey.Address(), "bipPath": hwPath, "walletType": "ledger"}
	require.Contains(t, h.fails(router.ImportHardwareWallet, payload), "ValidationError")

	h.ok(router.CreateAccount, map[string]any{"password": "pw"}, nil)
	require.Equal(t, "UnsupportedOperation", h.fails(router.ImportHardwareWallet, map[string]any{
		"publicKey": hwKey.Address(), "bipPath": hwPath, "walletType": "trezor",
	}))
	require.Contains(t, h.fails(router.ImportHardwareWallet, map[string]any{
		"publicKey": hwKey.Address(), "bipPath": "44'/60'/0'", "walletType": "ledger",
	}), "ValidationError")

	h.ok(router.ImportHardwareWallet, payload, nil)
	require.Equal(t, "ValidationError", h.fails(router.ImportHardwareWallet, payload))

	var renamed struct {
		AllAccounts []account.Account `json:"allAccounts"`
	}
	h.ok(router.UpdateAccountName, map[string]any{"publicKey": hwKey.Address(), "name": "Cold"}, &renamed)
	require.Equal(t, "Cold", renamed.AllAccounts[1].Name)
}
