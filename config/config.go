// SKSTACK-IP搭載Wi-SUNモジュールを使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// "5s"のような文字列で書く時間
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Serial struct {
	Device       string   `toml:"device"`
	ReadTimeout  Duration `toml:"read_timeout"`
	WriteTimeout Duration `toml:"write_timeout"`
}

type Protocol struct {
	CommandTimeout Duration `toml:"command_timeout"`
	JoinTimeout    Duration `toml:"join_timeout"`
	// 16進数で書く(FFFFFFFF)
	ChannelMask  string `toml:"channel_mask"`
	ScanDuration int    `toml:"scan_duration"`
}

type Logging struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

type Monitor struct {
	// 空なら起動しない
	ListenAddress string `toml:"listen_address"`
}

type Database struct {
	// 空なら記録しない
	Path string `toml:"path"`
}

type Config struct {
	Serial   Serial   `toml:"serial"`
	Protocol Protocol `toml:"protocol"`
	Logging  Logging  `toml:"logging"`
	Monitor  Monitor  `toml:"monitor"`
	Database Database `toml:"database"`
	// 瞬時電力計測値を要求する間隔
	PollInterval Duration `toml:"poll_interval"`
}

func Default() Config {
	return Config{
		Serial: Serial{
			Device:       "/dev/ttyUSB0",
			ReadTimeout:  Duration{600 * time.Millisecond},
			WriteTimeout: Duration{3 * time.Second},
		},
		Protocol: Protocol{
			CommandTimeout: Duration{5 * time.Second},
			JoinTimeout:    Duration{30 * time.Second},
			ChannelMask:    "FFFFFFFF",
			ScanDuration:   7,
		},
		Logging: Logging{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		PollInterval: Duration{10 * time.Second},
	}
}

// 設定ファイルを読み込む
// 無ければ既定値で作る
func Load(path string) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := Save(path, cfg); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}

func (c Config) Validate() error {
	if _, err := c.ChannelMask(); err != nil {
		return err
	}
	if d := c.Protocol.ScanDuration; d < 1 || d > 14 {
		return fmt.Errorf("scan_duration %d is out of range(1～14)", d)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}

func (c Config) ChannelMask() (uint32, error) {
	mask, err := strconv.ParseUint(c.Protocol.ChannelMask, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("channel_mask %q: %w", c.Protocol.ChannelMask, err)
	}
	if mask == 0 {
		return 0, errors.New("channel_mask must not be zero")
	}
	return uint32(mask), nil
}
