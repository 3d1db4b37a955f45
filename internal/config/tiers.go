package config

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// TierFileEntry is one tier row in the optional tiers.yml file. File entries
// layer on top of the built-in table and the TIER_OVERRIDES env entries.
type TierFileEntry struct {
	Name              string `mapstructure:"name"`
	MonthlyLimit      int64  `mapstructure:"monthly_limit"`
	HardCap           bool   `mapstructure:"hard_cap"`
	BasePriceCents    int64  `mapstructure:"base_price_cents"`
	OveragePriceCents int64  `mapstructure:"overage_price_cents"`
	OverageUnitSize   int64  `mapstructure:"overage_unit_size"`
}

// Entry renders the row in the same "name:limit:hardcap:base:overage:unit"
// form the env override parser accepts.
func (t TierFileEntry) Entry() string {
	return fmt.Sprintf("%s:%d:%t:%d:%d:%d",
		strings.ToLower(strings.TrimSpace(t.Name)),
		t.MonthlyLimit,
		t.HardCap,
		t.BasePriceCents,
		t.OveragePriceCents,
		t.OverageUnitSize,
	)
}

// TierConfigHolder watches tiers.yml and hands the current file entries to a
// subscriber on change. Missing file means no file layer at all.
type TierConfigHolder struct {
	mu       sync.Mutex
	current  []string
	onChange func([]string)
}

func NewTierConfigHolder() (*TierConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("tiers")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/metergate/config")
	v.AddConfigPath("/etc/metergate")
	v.AddConfigPath(".")

	v.SetEnvPrefix("METERGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &TierConfigHolder{}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		return holder, nil
	}

	entries, err := readTierEntries(v)
	if err != nil {
		return nil, err
	}
	holder.current = entries

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := readTierEntries(v)
		if err != nil {
			log.Printf("[tier-config] reload failed, keeping previous table: %v", err)
			return
		}

		holder.mu.Lock()
		holder.current = updated
		fn := holder.onChange
		holder.mu.Unlock()

		if fn != nil {
			fn(updated)
		}
		log.Printf("[tier-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// Entries returns the current file layer.
func (h *TierConfigHolder) Entries() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.current...)
}

// OnChange registers the single reload subscriber.
func (h *TierConfigHolder) OnChange(fn func([]string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = fn
}

func readTierEntries(v *viper.Viper) ([]string, error) {
	var rows []TierFileEntry
	if err := v.UnmarshalKey("tiers", &rows); err != nil {
		return nil, err
	}

	entries := make([]string, 0, len(rows))
	for _, row := range rows {
		if strings.TrimSpace(row.Name) == "" {
			return nil, fmt.Errorf("tiers entry with empty name")
		}
		entries = append(entries, row.Entry())
	}
	return entries, nil
}
