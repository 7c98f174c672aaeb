package cmdutil

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"drydock/cmd/drydock/ui"
	"drydock/config"
	"drydock/internal/adapter/sqlite"
	"drydock/internal/ipam"
	"drydock/internal/logging"
)

// Globals holds the root persistent flags and the config they resolve to.
type Globals struct {
	ConfigPath    string
	Debug         bool
	NoInteraction bool

	cfg *config.Config
}

func (g *Globals) Bind(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&g.ConfigPath, "config", "", "Config file (default "+config.Path()+")")
	cmd.PersistentFlags().BoolVar(&g.Debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(&g.NoInteraction, "no-interaction", false, "Disable interactive output")
}

// Load reads the config and installs the logger. --debug wins over the
// configured level.
func (g *Globals) Load() error {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return err
	}
	level := cfg.Log.Level
	if g.Debug {
		level = logging.LevelDebug
	}
	if err := logging.Configure(level, cfg.Log.Format); err != nil {
		return err
	}
	ui.ConfigureInteraction(g.NoInteraction)
	g.cfg = cfg
	return nil
}

func (g *Globals) Config() *config.Config {
	if g.cfg == nil {
		return config.Default()
	}
	return g.cfg
}

func OpenStore(cfg *config.Config) (*sqlite.Store, error) {
	store, err := sqlite.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open director database: %w", err)
	}
	return store.WithLogger(slog.Default()), nil
}

// AddressProvider builds the allocator over the shared address table.
func AddressProvider(cfg *config.Config, store *sqlite.Store) (*ipam.Provider, []*ipam.Network, error) {
	networks, err := cfg.BuildNetworks()
	if err != nil {
		return nil, nil, err
	}
	provider := ipam.NewProvider(store.IPRepo(), nil, networks,
		ipam.WithAllocationRetries(cfg.IPAM.AllocationRetries),
		ipam.WithLogger(slog.Default()),
	)
	return provider, networks, nil
}
