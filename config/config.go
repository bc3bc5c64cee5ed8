// Package config loads the base station configuration from a TOML file.
//
//	[link]
//	device = "/dev/ttyUSB0"   # or tcp = "host:port" for a serial forwarder
//	baud = 115200
//	address = 0               # base station node id
//
//	[channel]
//	waiting_time = "3s"
//	stale_after = "60s"
//	tx_interval = "1ms"
//	call_timeout = "0s"      # bound on one remote call incl. retries, 0 disables
//	call_rate = 0.0          # remote calls per second, 0 disables
//	call_burst = 1
//
//	[otap]
//	slot = 1
//	send_interval = "20ms"
//	timeout = "30s"
//	max_rounds = 20
//
//	[registry]
//	endpoints = ["localhost:2379"]
//	gateway = "lab"
//	ttl = 0
//
//	[log]
//	level = "info"
//
//	[metrics]
//	addr = ":9100"
//
// Keys that are absent keep their defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"nodelink/channel"
	"nodelink/otap"
	"nodelink/protocol"
)

type Link struct {
	Device  string
	Baud    int
	TCP     string // host:port of a serial forwarder, used when Device is empty
	Address protocol.NodeID
}

type Channel struct {
	WaitingTime time.Duration
	StaleAfter  time.Duration
	TxInterval  time.Duration
	CallTimeout time.Duration
	CallRate    float64
	CallBurst   int
}

type Registry struct {
	Endpoints   []string
	Gateway     string
	TTL         int64
	DialTimeout time.Duration
}

type Config struct {
	Link     Link
	Channel  Channel
	Otap     otap.Config
	Registry Registry
	LogLevel zerolog.Level
	Metrics  string // listen address for /metrics, empty disables
}

func Default() Config {
	return Config{
		Link: Link{Device: "/dev/ttyUSB0", Baud: 115200},
		Channel: Channel{
			WaitingTime: channel.DefaultWaitingTime,
			StaleAfter:  channel.DefaultStaleAfter,
			TxInterval:  channel.DefaultTxInterval,
			CallBurst:   1,
		},
		Otap:     otap.DefaultConfig(),
		Registry: Registry{Gateway: "default", DialTimeout: 2 * time.Second},
		LogLevel: zerolog.InfoLevel,
	}
}

type fileConfig struct {
	Link struct {
		Device  string `toml:"device"`
		Baud    int    `toml:"baud"`
		TCP     string `toml:"tcp"`
		Address uint16 `toml:"address"`
	} `toml:"link"`
	Channel struct {
		WaitingTime string `toml:"waiting_time"`
		StaleAfter  string `toml:"stale_after"`
		TxInterval  string  `toml:"tx_interval"`
		CallTimeout string  `toml:"call_timeout"`
		CallRate    float64 `toml:"call_rate"`
		CallBurst   int     `toml:"call_burst"`
	} `toml:"channel"`
	Otap struct {
		Slot         uint8  `toml:"slot"`
		SendInterval string `toml:"send_interval"`
		Timeout      string `toml:"timeout"`
		WaitingTime  string `toml:"waiting_time"`
		PacingDelay  string `toml:"pacing_delay"`
		MaxRounds    int    `toml:"max_rounds"`
		Unicast      bool   `toml:"unicast"`
		Async        bool   `toml:"async"`
		Ops          string `toml:"ops"`
	} `toml:"otap"`
	Registry struct {
		Endpoints   []string `toml:"endpoints"`
		Gateway     string   `toml:"gateway"`
		TTL         int64    `toml:"ttl"`
		DialTimeout string   `toml:"dial_timeout"`
	} `toml:"registry"`
	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
	Metrics struct {
		Addr string `toml:"addr"`
	} `toml:"metrics"`
}

// Load reads path over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %s", undecoded[0])
	}

	if meta.IsDefined("link", "device") {
		cfg.Link.Device = strings.TrimSpace(raw.Link.Device)
	}
	if meta.IsDefined("link", "baud") {
		cfg.Link.Baud = raw.Link.Baud
	}
	if meta.IsDefined("link", "tcp") {
		cfg.Link.TCP = strings.TrimSpace(raw.Link.TCP)
		if !meta.IsDefined("link", "device") {
			cfg.Link.Device = ""
		}
	}
	if meta.IsDefined("link", "address") {
		cfg.Link.Address = protocol.NodeID(raw.Link.Address)
	}

	durations := []struct {
		key []string
		val string
		dst *time.Duration
	}{
		{[]string{"channel", "waiting_time"}, raw.Channel.WaitingTime, &cfg.Channel.WaitingTime},
		{[]string{"channel", "stale_after"}, raw.Channel.StaleAfter, &cfg.Channel.StaleAfter},
		{[]string{"channel", "tx_interval"}, raw.Channel.TxInterval, &cfg.Channel.TxInterval},
		{[]string{"channel", "call_timeout"}, raw.Channel.CallTimeout, &cfg.Channel.CallTimeout},
		{[]string{"otap", "send_interval"}, raw.Otap.SendInterval, &cfg.Otap.SendInterval},
		{[]string{"otap", "timeout"}, raw.Otap.Timeout, &cfg.Otap.Timeout},
		{[]string{"otap", "waiting_time"}, raw.Otap.WaitingTime, &cfg.Otap.WaitingTime},
		{[]string{"otap", "pacing_delay"}, raw.Otap.PacingDelay, &cfg.Otap.PacingDelay},
		{[]string{"registry", "dial_timeout"}, raw.Registry.DialTimeout, &cfg.Registry.DialTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}

	if meta.IsDefined("channel", "call_rate") {
		cfg.Channel.CallRate = raw.Channel.CallRate
	}
	if meta.IsDefined("channel", "call_burst") {
		cfg.Channel.CallBurst = raw.Channel.CallBurst
	}

	if meta.IsDefined("otap", "slot") {
		cfg.Otap.Slot = raw.Otap.Slot
	}
	if meta.IsDefined("otap", "max_rounds") {
		cfg.Otap.MaxRounds = raw.Otap.MaxRounds
	}
	if meta.IsDefined("otap", "unicast") {
		cfg.Otap.Unicast = raw.Otap.Unicast
	}
	if meta.IsDefined("otap", "async") {
		cfg.Otap.Async = raw.Otap.Async
	}
	if meta.IsDefined("otap", "ops") {
		cfg.Otap.Ops = strings.TrimSpace(raw.Otap.Ops)
	}

	if meta.IsDefined("registry", "endpoints") {
		cfg.Registry.Endpoints = normalize(raw.Registry.Endpoints)
	}
	if meta.IsDefined("registry", "gateway") {
		cfg.Registry.Gateway = strings.TrimSpace(raw.Registry.Gateway)
	}
	if meta.IsDefined("registry", "ttl") {
		cfg.Registry.TTL = raw.Registry.TTL
	}

	if meta.IsDefined("log", "level") {
		lvl, err := zerolog.ParseLevel(strings.TrimSpace(raw.Log.Level))
		if err != nil {
			return Config{}, fmt.Errorf("parse log.level: %w", err)
		}
		cfg.LogLevel = lvl
	}
	if meta.IsDefined("metrics", "addr") {
		cfg.Metrics = strings.TrimSpace(raw.Metrics.Addr)
	}

	return cfg, cfg.Validate()
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if v := strings.TrimSpace(s); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate reports every inconsistent setting.
func (c Config) Validate() error {
	var errs []error
	if c.Link.Device == "" && c.Link.TCP == "" {
		errs = append(errs, errors.New("link: device or tcp required"))
	}
	if c.Link.Device != "" && c.Link.Baud <= 0 {
		errs = append(errs, fmt.Errorf("link: invalid baud %d", c.Link.Baud))
	}
	if c.Link.Address == protocol.Broadcast {
		errs = append(errs, errors.New("link: broadcast id cannot be the base station address"))
	}
	if c.Channel.WaitingTime <= 0 {
		errs = append(errs, errors.New("channel: waiting_time must be positive"))
	}
	if c.Channel.StaleAfter < c.Channel.WaitingTime {
		errs = append(errs, errors.New("channel: stale_after shorter than waiting_time"))
	}
	if c.Channel.CallTimeout < 0 {
		errs = append(errs, errors.New("channel: call_timeout must not be negative"))
	}
	if c.Channel.CallRate < 0 || (c.Channel.CallRate > 0 && c.Channel.CallBurst < 1) {
		errs = append(errs, fmt.Errorf("channel: invalid call_rate %v / call_burst %d", c.Channel.CallRate, c.Channel.CallBurst))
	}
	if c.Otap.Timeout <= 0 {
		errs = append(errs, errors.New("otap: timeout must be positive"))
	}
	if c.Otap.MaxRounds <= 0 {
		errs = append(errs, errors.New("otap: max_rounds must be positive"))
	}
	for _, r := range c.Otap.Ops {
		if !strings.ContainsRune("isv", r) {
			errs = append(errs, fmt.Errorf("otap: ops %q not a subset of \"isv\"", c.Otap.Ops))
			break
		}
	}
	if c.Registry.Gateway == "" || strings.Contains(c.Registry.Gateway, "/") {
		errs = append(errs, fmt.Errorf("registry: invalid gateway name %q", c.Registry.Gateway))
	}
	return errors.Join(errs...)
}
