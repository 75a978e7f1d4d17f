package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Environment keys recognized by ApplyEnv.
const (
	EnvPassword  = "GMAIL_APP_PASSWORD"
	EnvRecipient = "RECIPIENT_EMAIL"
	EnvSender    = "SENDER_EMAIL"
	EnvStorePath = "RESULTWATCH_STORE_PATH"
	EnvListen    = "RESULTWATCH_LISTEN"
	EnvToken     = "RESULTWATCH_TOKEN"
)

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Env reads overlay values. The zero value reads the process environment.
type Env struct {
	v *viper.Viper
}

// NewEnv returns an Env backed by the process environment.
func NewEnv() Env {
	v := viper.New()
	v.AutomaticEnv()
	return Env{v: v}
}

// EnvFromMap returns an Env with fixed values, for tests and embedding.
func EnvFromMap(m map[string]string) Env {
	v := viper.New()
	for k, val := range m {
		v.Set(strings.ToLower(k), val)
	}
	return Env{v: v}
}

func (e Env) get(key string) string {
	v := e.v
	if v == nil {
		v = NewEnv().v
	}
	return strings.TrimSpace(v.GetString(strings.ToLower(key)))
}

// ApplyEnv overlays environment values onto cfg. Environment wins over file
// values; secrets are only ever read here.
func ApplyEnv(cfg *Config, env Env) {
	if cfg == nil {
		return
	}
	if s := env.get(EnvPassword); s != "" {
		cfg.Email.Password = s
	}
	if s := env.get(EnvSender); s != "" {
		cfg.Email.Sender = s
	}
	if s := env.get(EnvRecipient); s != "" {
		cfg.Email.Recipient = s
	}
	if s := env.get(EnvStorePath); s != "" {
		cfg.Storage.Path = s
	}
	if s := env.get(EnvListen); s != "" {
		cfg.Server.Listen = s
	}
	if s := env.get(EnvToken); s != "" {
		cfg.Server.Token = s
	}
}
