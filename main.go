// SKSTACK-IP搭載Wi-SUNモジュールを使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ak1211/smartmeter-route-b/config"
	"github.com/ak1211/smartmeter-route-b/echonetlite"
	"github.com/ak1211/smartmeter-route-b/monitor"
	"github.com/ak1211/smartmeter-route-b/skstack"
	"github.com/ak1211/smartmeter-route-b/store"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

// あいさつ代わりに取得するスマートメータの属性
var smartmeterProps = []byte{
	echonetlite.EPCOperationStatus,
	echonetlite.EPCFaultStatus,
	echonetlite.EPCManufacturerCode,
	echonetlite.EPCCoefficient,
	echonetlite.EPCEffectiveDigits,
	echonetlite.EPCCumulativeUnit,
	echonetlite.EPCFixedTimeCumulativeWattHour,
}

// 属性要求の間隔
const propsInterval = 1000 * time.Millisecond

func newEngine(cfg config.Config, logger *slog.Logger) (*skstack.Engine, error) {
	mask, err := cfg.ChannelMask()
	if err != nil {
		return nil, err
	}
	device := skstack.SerialDevice{
		Name:        cfg.Serial.Device,
		ReadTimeout: cfg.Serial.ReadTimeout.Duration,
	}
	return skstack.New(device, skstack.Config{
		CommandTimeout: cfg.Protocol.CommandTimeout.Duration,
		JoinTimeout:    cfg.Protocol.JoinTimeout.Duration,
		WriteTimeout:   cfg.Serial.WriteTimeout.Duration,
		ChannelMask:    mask,
		ScanDuration:   cfg.Protocol.ScanDuration,
	}, logger), nil
}

// スマートメーターを探す
func pairing(ctx context.Context, cfg config.Config, settingsFileName string, credential skstack.Credential, logger *slog.Logger) error {
	engine, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	result, err := engine.StartScan(ctx, credential)
	if err != nil {
		return err
	}
	logger.Info("Found smartmeter",
		slog.String("channel", result.Descriptor.Channel),
		slog.String("panId", result.Descriptor.PanID),
		slog.String("addr", result.Descriptor.Addr),
		slog.String("lqi", result.Descriptor.LQI),
		slog.String("address", result.LinkLocalAddress.String()),
	)
	// 設定ファイルに見つかったスマートメーターの情報を保存する
	if err := SaveSettings(settingsFileName, NewSettings(credential, result)); err != nil {
		logger.Error("SaveSettings", "err", err)
		return err
	}
	logger.Info("Bye")
	return nil
}

type runOptions struct {
	settingsFileName string
	interval         time.Duration
	listenAddress    string
	databasePath     string
	stdin            bool
}

// スマートメーターから電力消費量を得る
func run(ctx context.Context, cfg config.Config, opts runOptions, logger *slog.Logger) error {
	settings, err := LoadSettings(opts.settingsFileName)
	if err != nil {
		logger.Error("LoadSettings", "err", err)
		return err
	}
	engine, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}

	var db *store.Store
	if opts.databasePath != "" {
		db, err = store.Open(opts.databasePath)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		defer db.Close()
	}

	samples, unsubscribe := engine.SubscribeTelemetry()
	defer unsubscribe()
	var (
		monitorSamples <-chan echonetlite.TelemetrySample
		monitorStatus  <-chan bool
	)
	if opts.listenAddress != "" {
		var cancelSamples, cancelStatus func()
		monitorSamples, cancelSamples = engine.SubscribeTelemetry()
		defer cancelSamples()
		monitorStatus, cancelStatus = engine.SubscribeStatus()
		defer cancelStatus()
	}

	lines, err := engine.StartSession(ctx, settings.SessionParameters())
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.TerminateSession(); err != nil {
			logger.Warn("TerminateSession", "err", err)
		}
		logger.Info("Bye")
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// 受信行を処理する
	// セッションが終わったら他も止める
	g.Go(func() error {
		defer cancel()
		return engine.Listen(ctx, lines)
	})

	// 計測値を記録する
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case sample, ok := <-samples:
				if !ok {
					return nil
				}
				logger.Info("instantaneous power", slog.Any("sample", sample))
				if db == nil {
					continue
				}
				if err := db.Insert(ctx, sample); err != nil && ctx.Err() == nil {
					logger.Error("store", "err", err)
				}
			}
		}
	})

	if opts.listenAddress != "" {
		server := monitor.NewServer(logger)
		server.SetConnected(engine.Connected())
		g.Go(func() error {
			return server.ListenAndServe(ctx, opts.listenAddress)
		})
		g.Go(func() error {
			server.Run(ctx, monitorSamples, monitorStatus)
			return nil
		})
	}

	g.Go(func() error {
		return poll(ctx, engine, opts.interval)
	})

	if opts.stdin {
		g.Go(func() error {
			return forwardCommands(ctx, engine, os.Stdin, logger)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// 属性を一通り取得した後, 瞬時電力計測値を定期的に要求する
func poll(ctx context.Context, engine *skstack.Engine, interval time.Duration) error {
	var tid uint16
	send := func(epcs ...byte) error {
		tid++
		return engine.SendEchonetRequest(echonetlite.GetRequest(tid, epcs...).Encode())
	}
	for _, epc := range smartmeterProps {
		if err := send(epc); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(propsInterval):
		}
	}
	if err := send(echonetlite.EPCCumulativeWattHour); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := send(echonetlite.EPCInstantaneousPower, echonetlite.EPCInstantaneousCurrent); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// 入力された行をそのままWi-SUNモジュールに送る
func forwardCommands(ctx context.Context, engine *skstack.Engine, r io.Reader, logger *slog.Logger) error {
	input := make(chan string)
	go func() {
		defer close(input)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case input <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case command, ok := <-input:
			if !ok {
				return nil
			}
			command = strings.TrimSpace(command)
			if command == "" {
				continue
			}
			if err := engine.SendRawCommand(command); err != nil {
				logger.Error("SendRawCommand", "err", err)
				if errors.Is(err, skstack.ErrNotConnected) {
					return err
				}
			}
		}
	}
}

func main() {
	var (
		configFileName   string
		settingsFileName string
		serialDevice     string
		logLevel         string
		logFile          string
		rbid             string
		rbpassword       string
		scanDuration     int
		opts             runOptions
	)
	// 設定ファイルを読んでコマンドラインで上書きする
	loadConfig := func(c *cli.Context) (config.Config, error) {
		cfg, err := config.Load(configFileName)
		if err != nil {
			return config.Config{}, err
		}
		if c.IsSet("device") {
			cfg.Serial.Device = serialDevice
		}
		if c.IsSet("log-level") {
			cfg.Logging.Level = logLevel
		}
		if c.IsSet("log-file") {
			cfg.Logging.File = logFile
		}
		return cfg, nil
	}
	app := &cli.App{
		Name:    "smartmeter-route-b",
		Usage:   "SKSTACK-IP搭載Wi-SUNモジュールを使ってスマートメータから電力消費量などを得る",
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"C"},
				Usage:       "設定ファイル名(TOML)",
				Destination: &configFileName,
				Value:       "config.toml",
			},
			&cli.StringFlag{
				Name:        "settings",
				Aliases:     []string{"S"},
				Usage:       "ペアリング情報ファイル名",
				Destination: &settingsFileName,
				Value:       "settings.json",
			},
			&cli.StringFlag{
				Name:        "device",
				Aliases:     []string{"D"},
				Usage:       "シリアルデバイス名",
				Destination: &serialDevice,
				Value:       "/dev/ttyUSB0",
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "ログレベル(debug, info, warn, error)",
				Destination: &logLevel,
				Value:       "info",
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "ログファイル名",
				Destination: &logFile,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "pairing",
				Usage: "ペアリングして情報を設定ファイルに保存する",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:        "activescan",
						Aliases:     []string{"T"},
						Usage:       "アクティブスキャン時間(1～14)",
						Destination: &scanDuration,
						Value:       7,
					},
					&cli.StringFlag{
						Name:     "id",
						Aliases:  []string{"Id"},
						Usage:    "ルートBID(32文字)",
						Required: true,
						Action: func(ctx *cli.Context, s string) error {
							if len(s) != 32 {
								return fmt.Errorf("ルートＢＩＤは32文字です")
							}
							rbid = s
							return nil
						},
					},
					&cli.StringFlag{
						Name:     "password",
						Aliases:  []string{"Pwd"},
						Usage:    "ルートBパスワード(12文字)",
						Required: true,
						Action: func(ctx *cli.Context, s string) error {
							if len(s) != 12 {
								return fmt.Errorf("ルートＢパスワードは12文字です")
							}
							rbpassword = s
							return nil
						},
					},
				},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					if c.IsSet("activescan") {
						cfg.Protocol.ScanDuration = scanDuration
						if err := cfg.Validate(); err != nil {
							return err
						}
					}
					logger, closer := newLogger(cfg.Logging)
					defer closer.Close()
					slog.SetDefault(logger)
					ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
					defer stop()
					credential := skstack.Credential{RouteBID: rbid, Password: rbpassword}
					return pairing(ctx, cfg, settingsFileName, credential, logger)
				},
			},
			{
				Name:  "run",
				Usage: "スマートメータから電力消費量を得る",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:        "interval",
						Aliases:     []string{"I"},
						Usage:       "瞬時電力計測値を要求する間隔",
						Destination: &opts.interval,
						Value:       10 * time.Second,
					},
					&cli.StringFlag{
						Name:        "listen",
						Aliases:     []string{"L"},
						Usage:       "モニタHTTPサーバのアドレス(例 :8080)",
						Destination: &opts.listenAddress,
					},
					&cli.StringFlag{
						Name:        "db",
						Usage:       "計測値を記録するSQLiteファイル名",
						Destination: &opts.databasePath,
					},
					&cli.BoolFlag{
						Name:        "stdin",
						Usage:       "標準入力の行をコマンドとしてWi-SUNモジュールに送る",
						Destination: &opts.stdin,
					},
				},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					if !c.IsSet("interval") {
						opts.interval = cfg.PollInterval.Duration
					}
					if !c.IsSet("listen") {
						opts.listenAddress = cfg.Monitor.ListenAddress
					}
					if !c.IsSet("db") {
						opts.databasePath = cfg.Database.Path
					}
					if opts.interval <= 0 {
						return fmt.Errorf("interval %v must be positive", opts.interval)
					}
					opts.settingsFileName = settingsFileName
					logger, closer := newLogger(cfg.Logging)
					defer closer.Close()
					slog.SetDefault(logger)
					ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
					defer stop()
					return run(ctx, cfg, opts, logger)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("app.Run", "err", err)
		os.Exit(1)
	}
}
