// Package background holds the request handlers of the wallet agent: one
// handler per router.RequestKind, closed over the account metadata, the
// signing queue and the hardware signers.
package background

import (
	"context"
	"errors"
	"strings"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/account"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/constants"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/funding"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/hardware"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/keystore"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/queue"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/router"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/stellar"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/storage"
)

// Application states reported to the onboarding UI.
const (
	StateApplicationStarted = "APPLICATION_STARTED"
	StatePasswordCreated    = "PASSWORD_CREATED"
	StateMnemonicConfirmed  = "MNEMONIC_PHRASE_CONFIRMED"
)

type Options struct {
	Registry           *hardware.Registry
	Builder            stellar.PayloadBuilder
	Funder             funding.Funder
	Queue              *queue.Queue
	Networks           []account.Network
	HashSigningAllowed bool
}

type Service struct {
	store       storage.Store
	accounts    *account.Manager
	networks    *account.NetworkManager
	permissions *account.PermissionStore

	registry    *hardware.Registry
	builder     stellar.PayloadBuilder
	funder      funding.Funder
	queue       *queue.Queue
	defaults    []account.Network
	hashSigning bool
}

// New builds the handler service over store. The dispatcher must be given
// the same store.
func New(store storage.Store, opts Options) *Service {
	s := &Service{
		store:       store,
		accounts:    account.NewManager(store),
		networks:    account.NewNetworkManager(store),
		permissions: account.NewPermissionStore(store),
		registry:    opts.Registry,
		builder:     opts.Builder,
		funder:      opts.Funder,
		queue:       opts.Queue,
		defaults:    opts.Networks,
		hashSigning: opts.HashSigningAllowed,
	}
	if s.registry == nil {
		s.registry = hardware.NewRegistry(nil, nil)
	}
	if s.builder == nil {
		s.builder = stellar.TxBodyBuilder{}
	}
	if s.queue == nil {
		s.queue = queue.New(0, queue.WithOnExpire(ReleaseExpired))
	}
	if len(s.defaults) == 0 {
		s.defaults = account.DefaultNetworks()
	}
	return s
}

// Init runs the idempotent settings migration.
func (s *Service) Init(ctx context.Context) error {
	if err := s.networks.EnsureDefaults(ctx, s.defaults); err != nil {
		return err
	}
	return s.permissions.Load(ctx)
}

func (s *Service) Queue() *queue.Queue { return s.queue }

// ReleaseExpired is the queue's expiry hook: it wipes the payload held for
// the approval surface.
func ReleaseExpired(e queue.Entry) {
	if d, ok := e.Detail.(*SigningDetail); ok {
		zero(d.payload)
		log.Info("released expired signing request", "uuid", e.UUID, "wallet_type", string(d.WalletType))
	}
}

// Table is the complete handler table for router.NewDispatcher.
func (s *Service) Table() router.Table {
	return router.Table{
		router.CreateAccount:        handle(s.createAccount),
		router.ImportAccount:        handle(s.importAccount),
		router.ImportHardwareWallet: handle(s.importHardwareWallet),
		router.AddAccount:           handle(s.addAccount),
		router.LoadAccount:          handle(s.loadAccount),
		router.Login:                handle(s.login),
		router.SignOut:              handle(s.signOut),
		router.MakeAccountActive:    handle(s.makeAccountActive),
		router.UpdateAccountName:    handle(s.updateAccountName),
		router.GetMnemonic:          handle(s.getMnemonic),
		router.ConfirmMnemonic:      handle(s.confirmMnemonic),
		router.ShowBackupPhrase:     handle(s.showBackupPhrase),
		router.RecoverAccount:       handle(s.recoverAccount),
		router.FundAccount:          handle(s.fundAccount),
		router.ChangeNetwork:        handle(s.changeNetwork),
		router.LoadSettings:         handle(s.loadSettings),
		router.RequestAccess:        handle(s.requestAccess),
		router.GrantAccess:          handle(s.grantAccess),
		router.RejectAccess:         handle(s.rejectAccess),
		router.SignTransaction:      handle(s.signTransaction),
		router.SignAuthEntry:        handle(s.signAuthEntry),
		router.SignBlob:             handle(s.signBlob),
		router.MarkQueueActive:      handle(s.markQueueActive),
		router.ApproveSigning:       handle(s.approveSigning),
		router.RejectSigning:        handle(s.rejectSigning),
		router.GetSigningRequest:    handle(s.getSigningRequest),
	}
}

// handle decodes the flattened payload into P before calling fn.
func handle[P any](fn func(ctx context.Context, p P, ks *keystore.Keystore) (any, error)) router.HandlerFunc {
	return func(ctx context.Context, req router.Request, _ storage.Store, ks *keystore.Keystore) (any, error) {
		var p P
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return fn(ctx, p, ks)
	}
}

type empty struct{}

func (s *Service) applicationState(ctx context.Context) (string, error) {
	list, err := s.accounts.List(ctx)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return StateApplicationStarted, nil
	}
	confirmed, err := s.accounts.MnemonicConfirmed(ctx)
	if err != nil {
		return "", err
	}
	_, hasMnemonic, err := storage.GetJSON[keystore.KeyRecord](ctx, s.store, constants.StorageKeyEncryptedMnemonic)
	if err != nil {
		return "", err
	}
	if confirmed || !hasMnemonic {
		return StateMnemonicConfirmed, nil
	}
	return StatePasswordCreated, nil
}

// verifyWalletPassword checks password against the wallet. An empty wallet
// accepts any password since the first account sets it.
func (s *Service) verifyWalletPassword(ctx context.Context, ks *keystore.Keystore, password []byte) error {
	err := ks.VerifyPassword(ctx, password)
	if !errors.Is(err, keystore.ErrRecordNotFound) {
		return err
	}

	list, err := s.accounts.List(ctx)
	if err != nil {
		return err
	}
	for _, a := range list {
		if a.IsHardware() {
			continue
		}
		rec, err := ks.Record(ctx, a.ID)
		if errors.Is(err, keystore.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		plain, err := keystore.Unlock(password, rec)
		zero(plain)
		return err
	}
	return nil
}

// requireOrigin returns the normalized origin when it is allow-listed.
func (s *Service) requireOrigin(ctx context.Context, origin string) (string, error) {
	norm := account.NormalizeOrigin(origin)
	if norm == "" {
		return "", router.Validation("missing or malformed origin")
	}
	ok, err := s.permissions.IsAllowed(ctx, norm)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", router.ErrApprovalRequired
	}
	return norm, nil
}

// password copies a required password field. The empty string is a valid
// password; a missing field is not.
func password(pw *string) ([]byte, error) {
	if pw == nil {
		return nil, router.Validation("missing password")
	}
	return []byte(*pw), nil
}

func trimmed(s string) string { return strings.TrimSpace(s) }

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
