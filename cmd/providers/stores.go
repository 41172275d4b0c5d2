package providers

import (
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/viper"

	"github.com/tidewire/digestd/pkg/settings"
	"github.com/tidewire/digestd/pkg/topics"
)

// Settings cache config keys.
const (
	ConfSettingsCacheSize = "settings.cache_size"
	ConfSettingsCacheTTL  = "settings.cache_ttl"
)

func init() {
	viper.SetDefault(ConfSettingsCacheSize, 1024)
	viper.SetDefault(ConfSettingsCacheTTL, 30*time.Second)
}

// NewTopicStore builds the topic directory store.
func NewTopicStore(db *sqlx.DB) *topics.Store {
	return &topics.Store{DB: db}
}

// NewSettingsStore builds the runtime settings store.
func NewSettingsStore(db *sqlx.DB) *settings.Store {
	return &settings.Store{DB: db}
}

// NewSettingsBackend wraps the settings store in an in-memory cache.
func NewSettingsBackend(store *settings.Store) (settings.Backend, error) {
	return settings.NewCache(store,
		viper.GetInt(ConfSettingsCacheSize),
		viper.GetDuration(ConfSettingsCacheTTL))
}
