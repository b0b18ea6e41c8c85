// ABOUTME: Default values and path helpers for coven-chat configuration
// ABOUTME: Applied after decoding so an empty file yields a runnable config

package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Defaults for values left empty in the config file.
const (
	DefaultModel                = "gpt-4o-mini"
	DefaultImageModel           = "gpt-image-1"
	DefaultSystemPrompt         = "You are a helpful assistant."
	DefaultCacheSize            = 50
	DefaultConversationPageSize = 20
	DefaultMessagePageSize      = 100
	DefaultCacheTTL             = 30 * time.Minute
	DefaultDebounce             = 2 * time.Second
	DefaultMinSaveInterval      = 5 * time.Second
	DefaultPollInterval         = 3 * time.Second
	DefaultPollInitialDelay     = time.Second
	DefaultWatchdogInterval     = 5 * time.Minute
	DefaultStuckAfter           = time.Hour
	DefaultTokenTTL             = time.Hour
)

// DataDir returns the XDG data directory for coven-chat.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".coven")
	}
	return filepath.Join(home, ".local", "share", "coven")
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func (c *Config) applyDefaults() {
	dataDir := DataDir()
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(dataDir, "chat.db")
	}
	if c.Local.Path == "" {
		c.Local.Path = filepath.Join(dataDir, "device.bolt")
	}
	if c.Local.MediaDir == "" {
		c.Local.MediaDir = filepath.Join(dataDir, "media")
	}
	c.Database.Path = ExpandHome(c.Database.Path)
	c.Local.Path = ExpandHome(c.Local.Path)
	c.Local.MediaDir = ExpandHome(c.Local.MediaDir)

	if c.Backend.Kind == "" {
		c.Backend.Kind = KindOpenAI
	}
	if c.Backend.RequiresAuth == nil {
		required := true
		c.Backend.RequiresAuth = &required
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}

	if c.Chat.DefaultModel == "" {
		c.Chat.DefaultModel = DefaultModel
	}
	if c.Chat.ImageModel == "" {
		c.Chat.ImageModel = DefaultImageModel
	}
	if c.Chat.SystemPrompt == "" {
		c.Chat.SystemPrompt = DefaultSystemPrompt
	}
	if len(c.Catalog.Models) == 0 {
		c.Catalog.Models = []string{c.Chat.DefaultModel}
	}

	for i := range c.Providers {
		if c.Providers[i].Kind == "" {
			c.Providers[i].Kind = KindOpenAI
		}
	}

	m := &c.Manager
	setInt(&m.CacheSize, DefaultCacheSize)
	setInt(&m.ConversationPageSize, DefaultConversationPageSize)
	setInt(&m.MessagePageSize, DefaultMessagePageSize)
	setDuration(&m.CacheTTL, DefaultCacheTTL)
	setDuration(&m.Debounce, DefaultDebounce)
	setDuration(&m.MinSaveInterval, DefaultMinSaveInterval)
	setDuration(&m.PollInterval, DefaultPollInterval)
	setDuration(&m.PollInitialDelay, DefaultPollInitialDelay)
	setDuration(&m.WatchdogInterval, DefaultWatchdogInterval)
	setDuration(&m.StuckAfter, DefaultStuckAfter)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func setInt(dst *int, def int) {
	if *dst <= 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst <= 0 {
		*dst = def
	}
}
