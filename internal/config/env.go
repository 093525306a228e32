package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "SLOTWATCH"

// env lists the settings that may come from the environment, mostly secrets
// kept out of the config file. Set variables win over the file.
type env struct {
	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDSubject    string `envconfig:"VAPID_SUBJECT"`
	TelegramToken   string `envconfig:"TELEGRAM_TOKEN"`
	SiteURL         string `envconfig:"SITE_URL"`
	DataDir         string `envconfig:"DATA_DIR"`
	DebugToken      string `envconfig:"DEBUG_TOKEN"`
	LogLevel        string `envconfig:"LOG_LEVEL"`
}

// ApplyEnv overlays SLOTWATCH_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	var e env
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Push.VAPIDPublicKey, e.VAPIDPublicKey)
	set(&c.Push.VAPIDPrivateKey, e.VAPIDPrivateKey)
	set(&c.Push.VAPIDSubject, e.VAPIDSubject)
	set(&c.Push.TelegramToken, e.TelegramToken)
	set(&c.Site.URL, e.SiteURL)
	set(&c.Storage.Path, e.DataDir)
	set(&c.Debug.Token, e.DebugToken)
	set(&c.Logging.Level, e.LogLevel)
	return nil
}
