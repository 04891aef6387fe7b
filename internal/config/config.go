// Package config loads the YAML-driven tuning knobs for the storage
// engine: PMM resource-group limits and zone bit widths, fragment
// free-space-class thresholds, aggregation batch-size ceilings, and the
// UNDO replay pending-queue bound.
//
// Grounded on tinySQL's internal/testhelper/examples_test.go, which
// unmarshals a YAML fixture into a nested struct via gopkg.in/yaml.v3 —
// the same "struct tags + yaml.Unmarshal" shape, applied here to runtime
// configuration instead of test fixtures.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ResourceGroupConfig mirrors one PMM resource group (spec §4.1
// "ResourceLimit").
type ResourceGroupConfig struct {
	Name        string `yaml:"name"`
	Min         uint32 `yaml:"min"`
	Max         uint32 `yaml:"max"`
	HighPrioMax uint32 `yaml:"high_prio_max"`
	Prio        string `yaml:"prio"` // "low" | "high" | "ultra"
}

// PMMConfig configures the Page Memory Manager.
type PMMConfig struct {
	ZonePages      [4]uint32             `yaml:"zone_pages"`
	ResourceGroups []ResourceGroupConfig `yaml:"resource_groups"`
}

// ExtentConfig configures the extent/free-space catalog (spec §4.2).
type ExtentConfig struct {
	// FreeBitsThresholds holds three free-byte cutoffs for the page
	// free-bits classes, in which class 0 is the most free and class 3 the
	// fullest (spec §4.2 "CalcPageFreeBits"). Nothing in the module reads
	// this field; the extent catalog takes its thresholds from
	// extent.DefaultConfig.
	FreeBitsThresholds [3]uint32 `yaml:"free_bits_thresholds"`
}

// AggConfig configures the aggregation interpreter's batch sizing
// (spec §4.5).
type AggConfig struct {
	DefResultBatchBytes int `yaml:"def_result_batch_bytes"`
	MaxResultBatchBytes int `yaml:"max_result_batch_bytes"`
}

// UndoConfig configures UNDO replay (spec §4.4).
type UndoConfig struct {
	MaxPendingUndoRecords int `yaml:"max_pending_undo_records"`
}

// Config is the full engine configuration tree.
type Config struct {
	PMM    PMMConfig    `yaml:"pmm"`
	Extent ExtentConfig `yaml:"extent"`
	Agg    AggConfig    `yaml:"agg"`
	Undo   UndoConfig   `yaml:"undo"`
}

// Default returns the built-in configuration matching the spec's own
// constants, used whenever no YAML file overrides them.
func Default() Config {
	return Config{
		PMM: PMMConfig{
			// Zone i ends at page id 2^pmm.ZoneBits[i] (19, 27, 30, 32).
			ZonePages: [4]uint32{1 << 19, 1<<27 - 1<<19, 1<<30 - 1<<27, 1<<32 - 1<<30},
			ResourceGroups: []ResourceGroupConfig{
				{Name: "default", Min: 0, Max: 1 << 20, HighPrioMax: 1 << 19, Prio: "low"},
			},
		},
		Extent: ExtentConfig{FreeBitsThresholds: [3]uint32{1024, 4096, 12288}},
		Agg:    AggConfig{DefResultBatchBytes: 4096, MaxResultBatchBytes: 8192},
		Undo:   UndoConfig{MaxPendingUndoRecords: 16384},
	}
}

// Load reads and parses a YAML configuration file, starting from
// Default() so a partial file only overrides the sections it specifies.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the capacity invariants the spec treats as hard
// ceilings (spec §4.4, §4.5 "Capacity limits").
func (c Config) Validate() error {
	if c.Agg.DefResultBatchBytes <= 0 || c.Agg.DefResultBatchBytes > c.Agg.MaxResultBatchBytes {
		return fmt.Errorf("config: agg.def_result_batch_bytes must be positive and <= max_result_batch_bytes")
	}
	if c.Undo.MaxPendingUndoRecords <= 0 {
		return fmt.Errorf("config: undo.max_pending_undo_records must be positive")
	}
	for i, g := range c.PMM.ResourceGroups {
		if g.Min > g.Max {
			return fmt.Errorf("config: pmm.resource_groups[%d] (%s): min > max", i, g.Name)
		}
	}
	return nil
}
