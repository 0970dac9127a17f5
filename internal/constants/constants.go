package constants

import "time"

const (
	AppName      = "quantum-wallet-agent"
	DatabaseFile = "wallet.db"
	EnvPrefix    = "QWA"

	SchemaV1      = 1
	FilePerm      = 0o600
	DirectoryPerm = 0o700

	// AAD prefix for encrypted key records; the key id is appended.
	KeyRecordAAD = "quantumwallet:keyrecord:v1:"

	// MnemonicRecordID is the key id under which the recovery phrase is sealed.
	MnemonicRecordID = "mnemonic"
)

// Storage keys used by the background handlers.
const (
	StorageKeyAccounts          = "accounts"
	StorageKeyActiveAccount     = "activeAccountId"
	StorageKeyAllowedOrigins    = "allowedOrigins"
	StorageKeyNetworkDetails    = "networkDetails"
	StorageKeyEncryptedMnemonic = "encryptedMnemonic"
	StorageKeyDerivationCount   = "mnemonicDerivationCount"
	StorageKeyMnemonicConfirmed = "mnemonicConfirmed"
	StorageKeyRecordPrefix      = "keyRecord:"
	StorageKeyExtensionToken    = "extensionPairingToken"
)

const (
	DefaultIdleTimeout        = 24 * time.Hour
	DefaultQueueTTL           = 5 * time.Minute
	DefaultQueueSweepInterval = 30 * time.Second
	PairingExchangeTTL        = 60 * time.Second
)

// StellarBIP44Prefix is the SLIP-0044 path prefix for Stellar accounts.
const StellarBIP44Prefix = "44'/148'"
