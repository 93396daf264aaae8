// Package settings stores the persona system prompts. Prompts are kept under
// "<name>_bot_prompt" keys, and missing keys fall back to built-in defaults.
package settings

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"
)

// KeySuffix is appended to a persona's settings name to form its prompt key.
const KeySuffix = "_bot_prompt"

// Key returns the settings key for a persona settings name.
func Key(name string) string {
	return name + KeySuffix
}

// Name strips KeySuffix from key; ok is false for keys that are not prompts.
func Name(key string) (string, bool) {
	if !strings.HasSuffix(key, KeySuffix) {
		return "", false
	}
	return strings.TrimSuffix(key, KeySuffix), true
}

var defaults = map[string]string{
	"chat_bot_prompt":        "你是一个友善、乐于助人的AI助手。请用简洁明了的方式回答用户的问题。",
	"astronomy_bot_prompt":   "你是一名专注于天文学的物理专家，你的任务是帮助用户学习天文学知识。如果用户提出与天文学无关的问题，请礼貌地提醒他们你专注于天文学。另外，对于普通的问候或对你身份的询问，以及对你的天文学解释结果的追问，可以正常回复。",
	"electricity_bot_prompt": "你是一名专注于电学的物理专家，你的任务是帮助用户学习电学知识。如果用户提出与电学无关的问题，请礼貌地提醒他们你专注于电学。另外，对于普通的问候或对你身份的询问，以及对你的电学解释结果的追问，可以正常回复。",
	"mechanics_bot_prompt":   "你是一名专注于力学的物理专家，你的任务是帮助用户学习力学知识。如果用户提出与力无关的问题，请礼貌地提醒他们你专注于力学。另外，对于普通的问候或对你身份的询问，以及对你的力学解释结果的追问，可以正常回复。",
}

// Defaults returns a copy of the built-in settings.
func Defaults() map[string]string {
	return maps.Clone(defaults)
}

// withDefaults fills keys missing from m with their defaults, in place.
func withDefaults(m map[string]string) map[string]string {
	if m == nil {
		m = make(map[string]string, len(defaults))
	}
	for k, v := range defaults {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	return m
}

// Store persists persona prompts.
type Store interface {
	// LoadAll returns every setting, defaults included.
	LoadAll(ctx context.Context) (map[string]string, error)
	// Get returns the prompt for a persona settings name, or its default.
	Get(ctx context.Context, name string) (string, error)
	// Save stores one persona prompt.
	Save(ctx context.Context, name, prompt string) error
	// SaveAll replaces the stored settings with m.
	SaveAll(ctx context.Context, m map[string]string) error
	Close() error
}

// Config selects and configures a Store backend.
type Config struct {
	Backend string `yaml:"backend"`
	// Path is the JSON file for the file backend.
	Path string `yaml:"path"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`
	// Endpoints and Prefix configure the etcd backend.
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// Watch enables hot reload for backends that support it.
	Watch bool `yaml:"watch"`
}

// DefaultPath is where the file backend keeps its settings.
const DefaultPath = "./config/user_settings.json"

// Open creates the Store described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		path := cfg.Path
		if path == "" {
			path = DefaultPath
		}
		return NewFileStore(path)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	case "etcd":
		return NewEtcdStore(cfg.Endpoints, cfg.Prefix, cfg.DialTimeout)
	default:
		return nil, fmt.Errorf("unknown settings backend %q", cfg.Backend)
	}
}

// Watchable stores report external changes by calling onChange until ctx is
// done.
type Watchable interface {
	Watch(ctx context.Context, onChange func(context.Context) error) error
}

func lookup(m map[string]string, name string) string {
	if v, ok := m[Key(name)]; ok {
		return v
	}
	return defaults[Key(name)]
}
