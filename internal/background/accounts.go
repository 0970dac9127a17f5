package background

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/account"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/hardware"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/keystore"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/router"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/stellar"
)

type passwordPayload struct {
	Password *string `json:"password"`
}

type accountsResult struct {
	PublicKey   string            `json:"publicKey"`
	AllAccounts []account.Account `json:"allAccounts"`
}

type loadAccountResult struct {
	PublicKey        string            `json:"publicKey"`
	AllAccounts      []account.Account `json:"allAccounts"`
	HasPrivateKey    bool              `json:"hasPrivateKey"`
	ApplicationState string            `json:"applicationState"`
	IsLocked         bool              `json:"isLocked"`
}

type loginResult struct {
	PublicKey     string            `json:"publicKey"`
	AllAccounts   []account.Account `json:"allAccounts"`
	HasPrivateKey bool              `json:"hasPrivateKey"`
}

// createAccount starts a new wallet: a fresh recovery phrase, its first
// derived account, and an unlocked session holding that account's key.
func (s *Service) createAccount(ctx context.Context, p passwordPayload, ks *keystore.Keystore) (any, error) {
	pw, err := password(p.Password)
	if err != nil {
		return nil, err
	}
	defer zero(pw)

	list, err := s.accounts.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(list) > 0 {
		return nil, router.Validation("a wallet already exists")
	}

	phrase, err := stellar.NewMnemonic()
	if err != nil {
		return nil, err
	}
	phraseBytes := []byte(phrase)
	defer zero(phraseBytes)

	res, err := s.startWallet(ctx, ks, pw, phraseBytes, false)
	if err != nil {
		return nil, err
	}
	ks.Session().SetMnemonic(phraseBytes)
	return res, nil
}

// recoverAccount replaces the wallet with the one of the given phrase. The
// old key records go first, then the metadata, then the new wallet is
// written; a partial run is repaired by running it again.
func (s *Service) recoverAccount(ctx context.Context, p struct {
	Password        *string `json:"password"`
	RecoverMnemonic string  `json:"recoverMnemonic"`
}, ks *keystore.Keystore) (any, error) {
	pw, err := password(p.Password)
	if err != nil {
		return nil, err
	}
	defer zero(pw)

	phrase := stellar.NormalizeMnemonic(p.RecoverMnemonic)
	if !stellar.ValidMnemonic(phrase) {
		return nil, stellar.ErrInvalidMnemonic
	}
	phraseBytes := []byte(phrase)
	defer zero(phraseBytes)

	ks.Lock()

	list, err := s.accounts.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range list {
		if a.IsHardware() {
			continue
		}
		if err := ks.RemoveRecord(ctx, a.ID); err != nil {
			return nil, err
		}
	}
	if err := s.accounts.Reset(ctx); err != nil {
		return nil, err
	}

	res, err := s.startWallet(ctx, ks, pw, phraseBytes, true)
	if err != nil {
		return nil, err
	}
	log.Info("wallet recovered from phrase", "public_key", res.PublicKey, "replaced_accounts", len(list))
	return res, nil
}

func (s *Service) startWallet(ctx context.Context, ks *keystore.Keystore, pw, phrase []byte, confirmed bool) (accountsResult, error) {
	kp, err := stellar.DeriveAccount(string(phrase), 0)
	if err != nil {
		return accountsResult{}, err
	}
	defer kp.Zero()

	if err := ks.SealMnemonic(ctx, pw, phrase); err != nil {
		return accountsResult{}, err
	}
	if err := s.accounts.SetDerivationCount(ctx, 1); err != nil {
		return accountsResult{}, err
	}
	if err := s.accounts.SetMnemonicConfirmed(ctx, confirmed); err != nil {
		return accountsResult{}, err
	}
	return s.addLocal(ctx, ks, pw, kp, s.accounts.NewLocal(kp.Address(), 0, false))
}

// addLocal persists the key record before the account so an interrupted
// write never leaves an account without its key.
func (s *Service) addLocal(ctx context.Context, ks *keystore.Keystore, pw []byte, kp *stellar.KeyPair, a account.Account) (accountsResult, error) {
	secret := []byte(kp.Secret())
	defer zero(secret)

	if err := ks.PutRecord(ctx, a.ID, pw, secret); err != nil {
		return accountsResult{}, err
	}
	added, list, err := s.accounts.Add(ctx, a)
	if err != nil {
		_ = ks.RemoveRecord(ctx, a.ID)
		return accountsResult{}, err
	}
	if err := s.accounts.SetActive(ctx, added.ID); err != nil {
		return accountsResult{}, err
	}
	ks.OpenWithKey(added.ID, secret)

	log.Info("local account added", "public_key", added.PublicKey, "imported", added.Imported)
	return accountsResult{PublicKey: added.PublicKey, AllAccounts: list}, nil
}

func (s *Service) importAccount(ctx context.Context, p struct {
	Password   *string `json:"password"`
	PrivateKey string  `json:"privateKey"`
}, ks *keystore.Keystore) (any, error) {
	pw, err := password(p.Password)
	if err != nil {
		return nil, err
	}
	defer zero(pw)

	if err := s.verifyWalletPassword(ctx, ks, pw); err != nil {
		return nil, err
	}

	kp, err := stellar.ParseSecret(trimmed(p.PrivateKey))
	if err != nil {
		return nil, err
	}
	defer kp.Zero()

	return s.addLocal(ctx, ks, pw, kp, s.accounts.NewLocal(kp.Address(), 0, true))
}

func (s *Service) addAccount(ctx context.Context, p passwordPayload, ks *keystore.Keystore) (any, error) {
	pw, err := password(p.Password)
	if err != nil {
		return nil, err
	}
	defer zero(pw)

	phrase, err := ks.OpenMnemonic(ctx, pw)
	if errors.Is(err, keystore.ErrRecordNotFound) {
		return nil, router.Validation("wallet has no recovery phrase")
	}
	if err != nil {
		return nil, err
	}
	defer zero(phrase)

	index, err := s.accounts.NextDerivationIndex(ctx)
	if err != nil {
		return nil, err
	}
	kp, err := stellar.DeriveAccount(string(phrase), index)
	if err != nil {
		return nil, err
	}
	defer kp.Zero()

	return s.addLocal(ctx, ks, pw, kp, s.accounts.NewLocal(kp.Address(), index, false))
}

// importHardwareWallet records a device-backed account. No key record is
// written and the active account does not change unless there is none.
func (s *Service) importHardwareWallet(ctx context.Context, p struct {
	PublicKey  string `json:"publicKey"`
	BIPPath    string `json:"bipPath"`
	WalletType string `json:"walletType"`
}, ks *keystore.Keystore) (any, error) {
	wt, err := hardware.ParseWalletType(p.WalletType)
	if err != nil {
		return nil, err
	}
	if err := hardware.ValidateStellarPath(p.BIPPath); err != nil {
		return nil, router.Validation("%v", err)
	}

	existing, err := s.accounts.List(ctx)
	if err != nil {
		return nil, err
	}
	hasLocal := false
	for _, a := range existing {
		hasLocal = hasLocal || !a.IsHardware()
	}
	if !hasLocal {
		// the wallet password lives in local key records
		return nil, router.Validation("create or import a wallet before adding a hardware account")
	}

	added, list, err := s.accounts.Add(ctx, s.accounts.NewHardware(trimmed(p.PublicKey), hardware.DeviceBinding{
		WalletType: wt,
		BIPPath:    trimmed(p.BIPPath),
	}))
	if err != nil {
		return nil, err
	}

	activeID, err := s.accounts.ActiveID(ctx)
	if err != nil {
		return nil, err
	}
	if activeID == "" {
		if err := s.accounts.SetActive(ctx, added.ID); err != nil {
			return nil, err
		}
		ks.Activate(added.ID)
	}

	log.Info("hardware account imported", "public_key", added.PublicKey, "wallet_type", string(wt), "bip_path", added.Device.BIPPath)
	return accountsResult{PublicKey: added.PublicKey, AllAccounts: list}, nil
}

func (s *Service) loadAccount(ctx context.Context, _ empty, ks *keystore.Keystore) (any, error) {
	list, err := s.accounts.List(ctx)
	if err != nil {
		return nil, err
	}
	state, err := s.applicationState(ctx)
	if err != nil {
		return nil, err
	}

	res := loadAccountResult{AllAccounts: list, ApplicationState: state}
	active, err := s.accounts.Active(ctx)
	switch {
	case err == nil:
		res.PublicKey = active.PublicKey
		// keep the session pointed at the persisted account after a restart
		if ks.Status().ActiveKeyID == "" {
			ks.Activate(active.ID)
		}
	case !errors.Is(err, account.ErrNotFound):
		return nil, err
	}

	st := ks.Status()
	res.HasPrivateKey = st.HasKey && st.ActiveKeyID == active.ID
	res.IsLocked = !st.Unlocked
	return res, nil
}

func (s *Service) login(ctx context.Context, p struct {
	Password  *string `json:"password"`
	PublicKey string  `json:"publicKey"`
}, ks *keystore.Keystore) (any, error) {
	pw, err := password(p.Password)
	if err != nil {
		return nil, err
	}
	defer zero(pw)

	target, err := s.loginTarget(ctx, trimmed(p.PublicKey))
	if err != nil {
		return nil, err
	}
	if err := s.unlock(ctx, ks, target, pw); err != nil {
		return nil, err
	}

	list, err := s.accounts.List(ctx)
	if err != nil {
		return nil, err
	}
	return loginResult{PublicKey: target.PublicKey, AllAccounts: list, HasPrivateKey: ks.Status().HasKey}, nil
}

// loginTarget is the named account, else the active one, else the first.
func (s *Service) loginTarget(ctx context.Context, publicKey string) (account.Account, error) {
	if publicKey != "" {
		return s.accounts.ByPublicKey(ctx, publicKey)
	}
	a, err := s.accounts.Active(ctx)
	if !errors.Is(err, account.ErrNotFound) {
		return a, err
	}
	list, err := s.accounts.List(ctx)
	if err != nil {
		return account.Account{}, err
	}
	if len(list) == 0 {
		return account.Account{}, account.ErrNotFound
	}
	return list[0], nil
}

// Unlock opens the session for the active account with password, as LOGIN
// does without a public key. It returns the unlocked account.
func (s *Service) Unlock(ctx context.Context, ks *keystore.Keystore, password []byte) (account.Account, error) {
	target, err := s.loginTarget(ctx, "")
	if err != nil {
		return account.Account{}, err
	}
	if err := s.unlock(ctx, ks, target, password); err != nil {
		return account.Account{}, err
	}
	return target, nil
}

// unlock opens the session for a: with its decrypted key when local, keyless
// after a password check when hardware. a becomes the active account.
func (s *Service) unlock(ctx context.Context, ks *keystore.Keystore, a account.Account, pw []byte) error {
	if a.IsHardware() {
		if err := s.verifyWalletPassword(ctx, ks, pw); err != nil {
			return err
		}
		ks.OpenKeyless(a.ID)
	} else if err := ks.UnlockAccount(ctx, a.ID, pw); err != nil {
		return err
	}
	return s.accounts.SetActive(ctx, a.ID)
}

func (s *Service) signOut(ctx context.Context, _ empty, ks *keystore.Keystore) (any, error) {
	ks.Lock()

	res := struct {
		PublicKey string `json:"publicKey"`
	}{}
	a, err := s.accounts.Active(ctx)
	switch {
	case err == nil:
		res.PublicKey = a.PublicKey
	case !errors.Is(err, account.ErrNotFound):
		return nil, err
	}
	return res, nil
}

func (s *Service) makeAccountActive(ctx context.Context, p struct {
	PublicKey string  `json:"publicKey"`
	Password  *string `json:"password"`
}, ks *keystore.Keystore) (any, error) {
	a, err := s.accounts.ByPublicKey(ctx, trimmed(p.PublicKey))
	if err != nil {
		return nil, err
	}

	if p.Password != nil {
		pw := []byte(*p.Password)
		defer zero(pw)
		if err := s.unlock(ctx, ks, a, pw); err != nil {
			return nil, err
		}
	} else {
		if err := s.accounts.SetActive(ctx, a.ID); err != nil {
			return nil, err
		}
		ks.Activate(a.ID)
	}

	return struct {
		PublicKey     string `json:"publicKey"`
		HasPrivateKey bool   `json:"hasPrivateKey"`
	}{a.PublicKey, ks.Status().HasKey}, nil
}

func (s *Service) updateAccountName(ctx context.Context, p struct {
	PublicKey string `json:"publicKey"`
	Name      string `json:"name"`
}, _ *keystore.Keystore) (any, error) {
	list, err := s.accounts.Rename(ctx, trimmed(p.PublicKey), p.Name)
	if err != nil {
		return nil, err
	}
	return struct {
		AllAccounts []account.Account `json:"allAccounts"`
	}{list}, nil
}

func (s *Service) getMnemonic(_ context.Context, _ empty, ks *keystore.Keystore) (any, error) {
	phrase, ok := ks.Session().Mnemonic()
	if !ok {
		if !ks.Status().Unlocked {
			return nil, keystore.ErrSessionExpired
		}
		return nil, router.Validation("no recovery phrase is waiting for confirmation")
	}
	defer zero(phrase)

	return struct {
		MnemonicPhrase string `json:"mnemonicPhrase"`
	}{string(phrase)}, nil
}

func (s *Service) confirmMnemonic(ctx context.Context, p struct {
	MnemonicPhraseToConfirm string `json:"mnemonicPhraseToConfirm"`
}, ks *keystore.Keystore) (any, error) {
	phrase, ok := ks.Session().Mnemonic()
	if !ok {
		return nil, keystore.ErrSessionExpired
	}
	defer zero(phrase)

	given := []byte(stellar.NormalizeMnemonic(p.MnemonicPhraseToConfirm))
	defer zero(given)
	correct := subtle.ConstantTimeCompare(given, phrase) == 1

	if correct {
		if err := s.accounts.SetMnemonicConfirmed(ctx, true); err != nil {
			return nil, err
		}
		ks.Session().ClearMnemonic()
	}
	state, err := s.applicationState(ctx)
	if err != nil {
		return nil, err
	}
	return struct {
		IsCorrectPhrase  bool   `json:"isCorrectPhrase"`
		ApplicationState string `json:"applicationState"`
	}{correct, state}, nil
}

func (s *Service) showBackupPhrase(ctx context.Context, p passwordPayload, ks *keystore.Keystore) (any, error) {
	pw, err := password(p.Password)
	if err != nil {
		return nil, err
	}
	defer zero(pw)

	phrase, err := ks.OpenMnemonic(ctx, pw)
	if err != nil {
		return nil, err
	}
	defer zero(phrase)

	return struct {
		MnemonicPhrase string `json:"mnemonicPhrase"`
	}{string(phrase)}, nil
}
