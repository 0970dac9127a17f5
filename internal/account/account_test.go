package account

import (
	"context"
	"testing"

	"github.com/quantumauth-io/quantum-wallet-agent/internal/constants"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/hardware"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/stellar"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/storage"
	"github.com/stretchr/testify/require"
)

func randomAddress(t *testing.T) string {
	t.Helper()
	kp, err := stellar.Random()
	require.NoError(t, err)
	return kp.Address()
}

func TestAccountListLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storage.NewMemory())

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Empty(t, list)

	local, list, err := m.Add(ctx, m.NewLocal(randomAddress(t), 0, false))
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "Account 1", local.Name)

	hwAddr := randomAddress(t)
	hw, list, err := m.Add(ctx, m.NewHardware(hwAddr, hardware.DeviceBinding{
		WalletType: hardware.WalletLedger,
		BIPPath:    "44'/148'/0'",
	}))
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "Ledger 1", hw.Name)
	require.True(t, hw.IsHardware())

	_, _, err = m.Add(ctx, m.NewHardware(hwAddr, *hw.Device))
	require.ErrorIs(t, err, ErrDuplicate)

	_, _, err = m.Add(ctx, m.NewLocal("GBAD", 0, false))
	require.ErrorIs(t, err, ErrInvalid)

	list, err = m.Rename(ctx, hwAddr, "  Cold storage ")
	require.NoError(t, err)
	require.Equal(t, "Cold storage", list[1].Name)

	_, err = m.Rename(ctx, randomAddress(t), "x")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.SetActive(ctx, local.ID))
	active, err := m.Active(ctx)
	require.NoError(t, err)
	require.Equal(t, local.ID, active.ID)

	got, err := m.ByPublicKey(ctx, hwAddr)
	require.NoError(t, err)
	require.Equal(t, hw.ID, got.ID)
	require.Equal(t, "44'/148'/0'", got.Device.BIPPath)
}

func TestDerivationIndexAndReset(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	m := NewManager(mem)

	for want := uint32(0); want < 3; want++ {
		got, err := m.NextDerivationIndex(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, _, err := m.Add(ctx, m.NewLocal(randomAddress(t), 0, false))
	require.NoError(t, err)
	require.NoError(t, m.SetMnemonicConfirmed(ctx, true))

	require.NoError(t, m.Reset(ctx))
	// re-running a reset is harmless
	require.NoError(t, m.Reset(ctx))

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Empty(t, list)

	ok, err := m.MnemonicConfirmed(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = mem.GetItem(ctx, constants.StorageKeyDerivationCount)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPermissionStore(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()

	ps := NewPermissionStore(mem)
	ok, err := ps.IsAllowed(ctx, "https://dapp.example")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, ps.Set(ctx, "HTTPS://Dapp.Example/some/path", true))
	require.NoError(t, ps.Set(ctx, "https://evil.example", false))

	// a fresh store sees the persisted allowlist
	ps2 := NewPermissionStore(mem)
	ok, err = ps2.IsAllowed(ctx, "https://dapp.example")
	require.NoError(t, err)
	require.True(t, ok)

	all, err := ps2.List(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"https://dapp.example": true, "https://evil.example": false}, all)

	require.ErrorIs(t, ps.Set(ctx, "not an origin", true), ErrInvalid)
}

func TestEnsureDefaultsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	m := NewNetworkManager(mem)

	require.NoError(t, m.EnsureDefaults(ctx, DefaultNetworks()))
	first, err := mem.GetItem(ctx, constants.StorageKeyNetworkDetails)
	require.NoError(t, err)

	require.NoError(t, m.EnsureDefaults(ctx, DefaultNetworks()))
	second, err := mem.GetItem(ctx, constants.StorageKeyNetworkDetails)
	require.NoError(t, err)
	require.Equal(t, first, second)

	cur, err := m.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, "public", cur.Name)

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
}

func TestEnsureDefaultsFillsBlanksOnly(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	m := NewNetworkManager(mem)

	// user renamed testnet and set their own horizon; friendbot missing
	require.NoError(t, storage.SetJSON(ctx, mem, constants.StorageKeyNetworkDetails, NetworkSettings{
		Schema:   constants.SchemaV1,
		Selected: "my-test",
		Networks: map[string]Network{
			"my-test": {
				Name:              "my-test",
				NetworkPassphrase: stellar.TestNetworkPassphrase,
				HorizonURL:        "http://localhost:8000",
			},
		},
	}))

	require.NoError(t, m.EnsureDefaults(ctx, DefaultNetworks()))

	cur, err := m.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, "my-test", cur.Name)
	require.Equal(t, "http://localhost:8000", cur.HorizonURL)
	require.Equal(t, "https://friendbot.stellar.org", cur.FriendbotURL)

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3) // public, futurenet added; testnet matched by passphrase

	sel, err := m.Select(ctx, "FUTURENET")
	require.NoError(t, err)
	require.Equal(t, stellar.FuturenetPassphrase, sel.NetworkPassphrase)

	_, err = m.Select(ctx, "nope")
	require.ErrorIs(t, err, ErrUnknownNetwork)
}
