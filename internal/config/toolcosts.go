package config

import (
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ToolCostConfig is the per-tool credit cost catalog supplied by the pricing
// collaborator. Callers may still send an explicit amount; the catalog backs
// requests that omit one.
type ToolCostConfig struct {
	Tools map[string]int64 `mapstructure:"tools"`
}

// ToolCostHolder serves the current catalog and hot-reloads it on file change.
type ToolCostHolder struct {
	current atomic.Value // holds ToolCostConfig
}

func NewToolCostHolder() (*ToolCostHolder, error) {
	v := viper.New()

	v.SetConfigName("costs")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/metering/config")
	v.AddConfigPath("/etc/metering")
	v.AddConfigPath(".")

	v.SetEnvPrefix("METERING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &ToolCostHolder{}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// no catalog file: every request must carry an explicit amount
		holder.current.Store(ToolCostConfig{Tools: map[string]int64{}})
		return holder, nil
	}

	var cfg ToolCostConfig
	if err := v.UnmarshalKey("costs", &cfg); err != nil {
		return nil, err
	}
	holder.current.Store(normalizeToolCosts(cfg))

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated ToolCostConfig
		if err := v.UnmarshalKey("costs", &updated); err != nil {
			log.Printf("[tool-costs] reload failed: %v", err)
			return
		}
		holder.current.Store(normalizeToolCosts(updated))
		log.Printf("[tool-costs] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticToolCostHolder builds a holder from a fixed catalog, with no file
// watching. Useful for tests and embedded setups.
func NewStaticToolCostHolder(tools map[string]int64) *ToolCostHolder {
	holder := &ToolCostHolder{}
	holder.current.Store(normalizeToolCosts(ToolCostConfig{Tools: tools}))
	return holder
}

// Lookup returns the configured cost for a tool, if any.
func (h *ToolCostHolder) Lookup(tool string) (int64, bool) {
	cfg := h.current.Load().(ToolCostConfig)
	credits, ok := cfg.Tools[strings.ToLower(strings.TrimSpace(tool))]
	if !ok || credits <= 0 {
		return 0, false
	}
	return credits, true
}

func normalizeToolCosts(cfg ToolCostConfig) ToolCostConfig {
	tools := make(map[string]int64, len(cfg.Tools))
	for name, credits := range cfg.Tools {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || credits <= 0 {
			continue
		}
		tools[name] = credits
	}
	return ToolCostConfig{Tools: tools}
}
