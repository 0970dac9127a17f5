package account

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/quantumauth-io/quantum-wallet-agent/internal/constants"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/stellar"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/storage"
)

var ErrUnknownNetwork = errors.New("unknown network")

type Network struct {
	Name              string `json:"name" mapstructure:"name"`
	NetworkPassphrase string `json:"networkPassphrase" mapstructure:"passphrase"`
	HorizonURL        string `json:"horizonUrl,omitempty" mapstructure:"horizon_url"`
	FriendbotURL      string `json:"friendbotUrl,omitempty" mapstructure:"friendbot_url"`
	Explorer          string `json:"explorer,omitempty" mapstructure:"explorer"`
}

// NetworkSettings is the persisted networkDetails value.
type NetworkSettings struct {
	Schema   int                `json:"schema"`
	Selected string             `json:"selected"`
	Networks map[string]Network `json:"networks"` // key = normalized name
}

func newNetworkSettings() NetworkSettings {
	return NetworkSettings{
		Schema:   constants.SchemaV1,
		Networks: map[string]Network{},
	}
}

// DefaultNetworks are used when the configuration carries none.
func DefaultNetworks() []Network {
	return []Network{
		{
			Name:              "public",
			NetworkPassphrase: stellar.PublicNetworkPassphrase,
			HorizonURL:        "https://horizon.stellar.org",
			Explorer:          "https://stellar.expert/explorer/public",
		},
		{
			Name:              "testnet",
			NetworkPassphrase: stellar.TestNetworkPassphrase,
			HorizonURL:        "https://horizon-testnet.stellar.org",
			FriendbotURL:      "https://friendbot.stellar.org",
			Explorer:          "https://stellar.expert/explorer/testnet",
		},
		{
			Name:              "futurenet",
			NetworkPassphrase: stellar.FuturenetPassphrase,
			HorizonURL:        "https://horizon-futurenet.stellar.org",
			FriendbotURL:      "https://friendbot-futurenet.stellar.org",
		},
	}
}

type NetworkManager struct {
	mu    sync.Mutex
	store storage.Store
}

func NewNetworkManager(store storage.Store) *NetworkManager {
	return &NetworkManager{store: store}
}

func (m *NetworkManager) load(ctx context.Context) (NetworkSettings, bool, error) {
	s, ok, err := storage.GetJSON[NetworkSettings](ctx, m.store, constants.StorageKeyNetworkDetails)
	if err != nil {
		return NetworkSettings{}, false, err
	}
	if !ok {
		return newNetworkSettings(), false, nil
	}
	if s.Schema == 0 {
		s.Schema = constants.SchemaV1
	}

	// normalize keys, drop unusable entries
	norm := newNetworkSettings()
	norm.Schema = s.Schema
	norm.Selected = normalizeNetworkKey(s.Selected)
	for k, n := range s.Networks {
		name := normalizeNetworkKey(n.Name)
		if name == "" {
			name = normalizeNetworkKey(k)
		}
		n = normalizeNetwork(n)
		n.Name = name
		if name == "" || n.NetworkPassphrase == "" {
			continue
		}
		norm.Networks[name] = n
	}
	return norm, true, nil
}

// EnsureDefaults merges defaults into the stored settings:
// - first run: creates the settings and selects the first default
// - later runs: adds only missing networks (by name, then by passphrase)
// - fills empty URL fields without overwriting user values
// Running it again on its own output is a no-op.
func (m *NetworkManager) EnsureDefaults(ctx context.Context, defaults []Network) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, existed, err := m.load(ctx)
	if err != nil {
		return err
	}
	changed := !existed

	byPassphrase := map[string]string{}
	for key, n := range s.Networks {
		byPassphrase[n.NetworkPassphrase] = key
	}

	for _, dn := range defaults {
		dn = normalizeNetwork(dn)
		if dn.Name == "" || dn.NetworkPassphrase == "" {
			continue
		}

		key, ok := dn.Name, false
		if _, ok = s.Networks[key]; !ok {
			key, ok = byPassphrase[dn.NetworkPassphrase]
		}
		if ok {
			updated, filled := fillBlanks(s.Networks[key], dn)
			if filled {
				s.Networks[key] = updated
				changed = true
			}
			continue
		}

		s.Networks[dn.Name] = dn
		byPassphrase[dn.NetworkPassphrase] = dn.Name
		changed = true
	}

	if _, ok := s.Networks[s.Selected]; !ok {
		if sel := firstValid(defaults, s.Networks); sel != "" {
			s.Selected = sel
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return storage.SetJSON(ctx, m.store, constants.StorageKeyNetworkDetails, s)
}

// Current is the selected network.
func (m *NetworkManager) Current(ctx context.Context) (Network, error) {
	s, _, err := m.load(ctx)
	if err != nil {
		return Network{}, err
	}
	n, ok := s.Networks[s.Selected]
	if !ok {
		return Network{}, fmt.Errorf("%w: %q", ErrUnknownNetwork, s.Selected)
	}
	return n, nil
}

func (m *NetworkManager) Select(ctx context.Context, name string) (Network, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, _, err := m.load(ctx)
	if err != nil {
		return Network{}, err
	}
	key := normalizeNetworkKey(name)
	n, ok := s.Networks[key]
	if !ok {
		return Network{}, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
	}
	s.Selected = key
	if err := storage.SetJSON(ctx, m.store, constants.StorageKeyNetworkDetails, s); err != nil {
		return Network{}, err
	}
	return n, nil
}

// List returns the known networks sorted by name.
func (m *NetworkManager) List(ctx context.Context) ([]Network, error) {
	s, _, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Network, 0, len(s.Networks))
	for _, n := range s.Networks {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func fillBlanks(have, want Network) (Network, bool) {
	changed := false
	if have.HorizonURL == "" && want.HorizonURL != "" {
		have.HorizonURL = want.HorizonURL
		changed = true
	}
	if have.FriendbotURL == "" && want.FriendbotURL != "" {
		have.FriendbotURL = want.FriendbotURL
		changed = true
	}
	if have.Explorer == "" && want.Explorer != "" {
		have.Explorer = want.Explorer
		changed = true
	}
	return have, changed
}

func firstValid(defaults []Network, known map[string]Network) string {
	for _, d := range defaults {
		if _, ok := known[normalizeNetworkKey(d.Name)]; ok {
			return normalizeNetworkKey(d.Name)
		}
	}
	names := make([]string, 0, len(known))
	for k := range known {
		names = append(names, k)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func normalizeNetwork(n Network) Network {
	n.Name = normalizeNetworkKey(n.Name)
	n.NetworkPassphrase = strings.TrimSpace(n.NetworkPassphrase)
	n.HorizonURL = strings.TrimSpace(n.HorizonURL)
	n.FriendbotURL = strings.TrimSpace(n.FriendbotURL)
	n.Explorer = strings.TrimSpace(n.Explorer)
	return n
}

func normalizeNetworkKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
