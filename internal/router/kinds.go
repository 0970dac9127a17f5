package router

// RequestKind is the closed set of operations the background understands.
type RequestKind string

const (
	CreateAccount        RequestKind = "CREATE_ACCOUNT"
	ImportAccount        RequestKind = "IMPORT_ACCOUNT"
	ImportHardwareWallet RequestKind = "IMPORT_HARDWARE_WALLET"
	AddAccount           RequestKind = "ADD_ACCOUNT"
	LoadAccount          RequestKind = "LOAD_ACCOUNT"
	Login                RequestKind = "LOGIN"
	SignOut              RequestKind = "SIGN_OUT"
	MakeAccountActive    RequestKind = "MAKE_ACCOUNT_ACTIVE"
	UpdateAccountName    RequestKind = "UPDATE_ACCOUNT_NAME"
	GetMnemonic          RequestKind = "GET_MNEMONIC"
	ConfirmMnemonic      RequestKind = "CONFIRM_MNEMONIC"
	ShowBackupPhrase     RequestKind = "SHOW_BACKUP_PHRASE"
	RecoverAccount       RequestKind = "RECOVER_ACCOUNT"
	FundAccount          RequestKind = "FUND_ACCOUNT"
	ChangeNetwork        RequestKind = "CHANGE_NETWORK"
	LoadSettings         RequestKind = "LOAD_SETTINGS"
	RequestAccess        RequestKind = "REQUEST_ACCESS"
	GrantAccess          RequestKind = "GRANT_ACCESS"
	RejectAccess         RequestKind = "REJECT_ACCESS"
	SignTransaction      RequestKind = "SIGN_TRANSACTION"
	SignAuthEntry        RequestKind = "SIGN_AUTH_ENTRY"
	SignBlob             RequestKind = "SIGN_BLOB"
	MarkQueueActive      RequestKind = "MARK_QUEUE_ACTIVE"
	ApproveSigning       RequestKind = "APPROVE_SIGNING"
	RejectSigning        RequestKind = "REJECT_SIGNING"
	GetSigningRequest    RequestKind = "GET_SIGNING_REQUEST"
)

var allRequestKinds = []RequestKind{
	CreateAccount,
	ImportAccount,
	ImportHardwareWallet,
	AddAccount,
	LoadAccount,
	Login,
	SignOut,
	MakeAccountActive,
	UpdateAccountName,
	GetMnemonic,
	ConfirmMnemonic,
	ShowBackupPhrase,
	RecoverAccount,
	FundAccount,
	ChangeNetwork,
	LoadSettings,
	RequestAccess,
	GrantAccess,
	RejectAccess,
	SignTransaction,
	SignAuthEntry,
	SignBlob,
	MarkQueueActive,
	ApproveSigning,
	RejectSigning,
	GetSigningRequest,
}

// AllRequestKinds returns every kind; a dispatcher table must cover all of them.
func AllRequestKinds() []RequestKind {
	out := make([]RequestKind, len(allRequestKinds))
	copy(out, allRequestKinds)
	return out
}

func (k RequestKind) Valid() bool {
	for _, kk := range allRequestKinds {
		if kk == k {
			return true
		}
	}
	return false
}
