// Package config loads the two layers of peer configuration: required
// credentials from the environment and optional tunables from a JSON file.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
)

// ErrMissingCredential is returned (wrapped with the variable name) when a
// required environment variable is absent at startup.
var ErrMissingCredential = errors.New("missing required credential")

// Credentials holds the shared-secret values spec.md §6 requires. The bot
// token env var differs per peer role (see LoadClientCredentials and
// LoadServerCredentials).
type Credentials struct {
	BaseURL  string
	BotToken string
	ChatID   string
}

// LoadClientCredentials reads BASE_URL, CLIENT_BOT_TOKEN, and CHAT_ID.
func LoadClientCredentials() (Credentials, error) {
	return loadCredentials("CLIENT_BOT_TOKEN", true)
}

// LoadServerCredentials reads BASE_URL and SERVER_BOT_TOKEN. CHAT_ID is not
// required on the server peer: it replies into whatever chat the inbound
// message came from.
func LoadServerCredentials() (Credentials, error) {
	return loadCredentials("SERVER_BOT_TOKEN", false)
}

func loadCredentials(tokenVar string, requireChatID bool) (Credentials, error) {
	c := Credentials{
		BaseURL: os.Getenv("BASE_URL"),
		ChatID:  os.Getenv("CHAT_ID"),
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.telegram.org/bot"
	}
	c.BotToken = os.Getenv(tokenVar)
	if c.BotToken == "" {
		return Credentials{}, errors.Wrap(ErrMissingCredential, tokenVar)
	}
	if requireChatID && c.ChatID == "" {
		return Credentials{}, errors.Wrap(ErrMissingCredential, "CHAT_ID")
	}
	return c, nil
}

// Tunables holds every non-credential knob an operator may want to override.
// Zero values are replaced by Defaults() before use.
type Tunables struct {
	FrameLimit        int           `json:"frame_limit"`
	ReadIdleTimeout   time.Duration `json:"read_idle_timeout"`
	WriteWatermark    int           `json:"write_watermark"`
	ConnectTimeout    time.Duration `json:"connect_timeout"`
	ReorderBufferCap  int           `json:"reorder_buffer_cap"`
	PollInterval      time.Duration `json:"poll_interval"`
	PollLimit         int           `json:"poll_limit"`
	ProxyListenAddr   string        `json:"proxy_listen_addr"`
	LogLevel          string        `json:"log_level"`
	LogPath           string        `json:"log_path"`
	PerIPRequestLimit int           `json:"per_ip_request_limit"`
	PerIPWindow       time.Duration `json:"per_ip_window"`
}

// Defaults returns the tunables used when no settings file is present, or to
// fill in zero fields of a partially specified file.
func Defaults() Tunables {
	return Tunables{
		FrameLimit:        4096,
		ReadIdleTimeout:   30 * time.Second,
		WriteWatermark:    1 << 20,
		ConnectTimeout:    30 * time.Second,
		ReorderBufferCap:  256,
		PollInterval:      50 * time.Millisecond,
		PollLimit:         10,
		ProxyListenAddr:   "127.0.0.1:8888",
		LogLevel:          "info",
		LogPath:           "",
		PerIPRequestLimit: 200,
		PerIPWindow:       30 * time.Second,
	}
}

// settingsPathVar is the env var naming the optional tunables file, the
// equivalent of the teacher's MOTO_CONFIG.
const settingsPathVar = "TUNNEL_CONFIG"

const defaultSettingsPath = "config/settings.json"

// LoadTunables reads the optional JSON settings file (path from
// $TUNNEL_CONFIG, falling back to config/settings.json), overlays it onto
// Defaults(), and verifies the result. A missing file is not an error: the
// defaults apply.
func LoadTunables() (Tunables, error) {
	path := os.Getenv(settingsPathVar)
	if path == "" {
		path = defaultSettingsPath
	}
	t := Defaults()

	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return Tunables{}, errors.Wrapf(err, "read settings file %s", path)
	}

	var override Tunables
	if err := json.Unmarshal(buf, &override); err != nil {
		return Tunables{}, errors.Wrapf(err, "parse settings file %s", path)
	}
	t.overlay(override)
	return t, t.verify()
}

func (t *Tunables) overlay(o Tunables) {
	if o.FrameLimit != 0 {
		t.FrameLimit = o.FrameLimit
	}
	if o.ReadIdleTimeout != 0 {
		t.ReadIdleTimeout = o.ReadIdleTimeout
	}
	if o.WriteWatermark != 0 {
		t.WriteWatermark = o.WriteWatermark
	}
	if o.ConnectTimeout != 0 {
		t.ConnectTimeout = o.ConnectTimeout
	}
	if o.ReorderBufferCap != 0 {
		t.ReorderBufferCap = o.ReorderBufferCap
	}
	if o.PollInterval != 0 {
		t.PollInterval = o.PollInterval
	}
	if o.PollLimit != 0 {
		t.PollLimit = o.PollLimit
	}
	if o.ProxyListenAddr != "" {
		t.ProxyListenAddr = o.ProxyListenAddr
	}
	if o.LogLevel != "" {
		t.LogLevel = o.LogLevel
	}
	if o.LogPath != "" {
		t.LogPath = o.LogPath
	}
	if o.PerIPRequestLimit != 0 {
		t.PerIPRequestLimit = o.PerIPRequestLimit
	}
	if o.PerIPWindow != 0 {
		t.PerIPWindow = o.PerIPWindow
	}
}

func (t *Tunables) verify() error {
	if t.FrameLimit < 256 {
		return errors.New("frame_limit too small to carry any frame overhead")
	}
	if t.ReorderBufferCap < 1 {
		return errors.New("reorder_buffer_cap must be positive")
	}
	if t.PollLimit < 1 {
		return errors.New("poll_limit must be positive")
	}
	return nil
}
