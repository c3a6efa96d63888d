package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Policy is the tunable reconciliation policy. It can be adjusted without a
// restart via the membersync.yml config file.
type Policy struct {
	Storage StoragePolicy `mapstructure:"storage"`
	Cycles  CyclePolicy   `mapstructure:"cycles"`
	Actions ActionPolicy  `mapstructure:"actions"`
}

// StoragePolicy bounds the on-disk footprint of artifacts plus ledger.
type StoragePolicy struct {
	MaxStorageMB       float64 `mapstructure:"maxStorageMB"`
	ReservedMB         float64 `mapstructure:"reservedMB"`
	HardFloorMB        float64 `mapstructure:"hardFloorMB"`
	MaxArtifactsToKeep int     `mapstructure:"maxArtifactsToKeep"`
}

// CyclePolicy controls the four periodic cycle intervals.
type CyclePolicy struct {
	IngestInterval    time.Duration `mapstructure:"ingestInterval"`
	ReconcileInterval time.Duration `mapstructure:"reconcileInterval"`
	NoticeInterval    time.Duration `mapstructure:"noticeInterval"`
	NoticeWindow      time.Duration `mapstructure:"noticeWindow"`
	SweepInterval     time.Duration `mapstructure:"sweepInterval"`
	ErrorBackoff      time.Duration `mapstructure:"errorBackoff"`
}

// ActionPolicy controls external membership mutations.
type ActionPolicy struct {
	InterActionDelay time.Duration `mapstructure:"interActionDelay"`
}

func DefaultPolicy() Policy {
	return Policy{
		Storage: StoragePolicy{
			MaxStorageMB:       300,
			ReservedMB:         50,
			HardFloorMB:        10,
			MaxArtifactsToKeep: 2,
		},
		Cycles: CyclePolicy{
			IngestInterval:    3 * time.Hour,
			ReconcileInterval: 3 * time.Hour,
			NoticeInterval:    24 * time.Hour,
			NoticeWindow:      72 * time.Hour,
			SweepInterval:     12 * time.Hour,
			ErrorBackoff:      5 * time.Minute,
		},
		Actions: ActionPolicy{
			InterActionDelay: time.Second,
		},
	}
}

// PolicyHolder exposes the current Policy and hot-reloads it on file change.
type PolicyHolder struct {
	current atomic.Value // holds Policy
}

func NewPolicyHolder() (*PolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("membersync")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/membersync")
	v.AddConfigPath(".")

	v.SetEnvPrefix("MEMBERSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setPolicyDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg, err := unmarshalPolicy(v)
	if err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := unmarshalPolicy(v)
		if err != nil {
			log.Printf("[policy] reload failed: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticPolicyHolder wraps a fixed Policy, for tests.
func NewStaticPolicyHolder(p Policy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(p)
	return holder
}

func (h *PolicyHolder) Get() Policy {
	return h.current.Load().(Policy)
}

func setPolicyDefaults(v *viper.Viper) {
	defaults := DefaultPolicy()
	v.SetDefault("policy.storage.maxStorageMB", defaults.Storage.MaxStorageMB)
	v.SetDefault("policy.storage.reservedMB", defaults.Storage.ReservedMB)
	v.SetDefault("policy.storage.hardFloorMB", defaults.Storage.HardFloorMB)
	v.SetDefault("policy.storage.maxArtifactsToKeep", defaults.Storage.MaxArtifactsToKeep)
	v.SetDefault("policy.cycles.ingestInterval", defaults.Cycles.IngestInterval)
	v.SetDefault("policy.cycles.reconcileInterval", defaults.Cycles.ReconcileInterval)
	v.SetDefault("policy.cycles.noticeInterval", defaults.Cycles.NoticeInterval)
	v.SetDefault("policy.cycles.noticeWindow", defaults.Cycles.NoticeWindow)
	v.SetDefault("policy.cycles.sweepInterval", defaults.Cycles.SweepInterval)
	v.SetDefault("policy.cycles.errorBackoff", defaults.Cycles.ErrorBackoff)
	v.SetDefault("policy.actions.interActionDelay", defaults.Actions.InterActionDelay)
}

func unmarshalPolicy(v *viper.Viper) (Policy, error) {
	var cfg Policy
	if err := v.UnmarshalKey("policy", &cfg); err != nil {
		return Policy{}, err
	}
	if err := validatePolicy(cfg); err != nil {
		return Policy{}, err
	}
	return cfg, nil
}

func validatePolicy(cfg Policy) error {
	if cfg.Storage.MaxStorageMB <= 0 {
		return errors.New("policy.storage.maxStorageMB must be positive")
	}
	if cfg.Storage.ReservedMB < 0 || cfg.Storage.ReservedMB >= cfg.Storage.MaxStorageMB {
		return errors.New("policy.storage.reservedMB must fit under maxStorageMB")
	}
	if cfg.Cycles.IngestInterval <= 0 || cfg.Cycles.ReconcileInterval <= 0 ||
		cfg.Cycles.NoticeInterval <= 0 || cfg.Cycles.SweepInterval <= 0 {
		return errors.New("policy.cycles intervals must be positive")
	}
	if cfg.Actions.InterActionDelay < 0 {
		return errors.New("policy.actions.interActionDelay cannot be negative")
	}
	return nil
}
