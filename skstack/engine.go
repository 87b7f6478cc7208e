// SKSTACK-IP搭載Wi-SUNモジュールを使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package skstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ak1211/smartmeter-route-b/echonetlite"
)

// 接続状態
type State int

const (
	Idle State = iota
	Opening
	Scanning
	SettingPassword
	SettingRouteBID
	SettingChannel
	SettingPanID
	Joining
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Opening:
		return "Opening"
	case Scanning:
		return "Scanning"
	case SettingPassword:
		return "SettingPassword"
	case SettingRouteBID:
		return "SettingRouteBID"
	case SettingChannel:
		return "SettingChannel"
	case SettingPanID:
		return "SettingPanID"
	case Joining:
		return "Joining"
	case Connected:
		return "Connected"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ポートを使っている状態
func (s State) busy() bool {
	return s != Idle && s != Failed
}

// PANA認証結果
const (
	eventPanaFailed  = "EVENT 24"
	eventPanaSuccess = "EVENT 25"
)

type Config struct {
	// コマンド応答のタイムアウト
	CommandTimeout time.Duration
	// EVENT 25を待つタイムアウト
	JoinTimeout time.Duration
	// 書き込みのタイムアウト
	WriteTimeout time.Duration
	// アクティブスキャンするチャンネル
	ChannelMask uint32
	// アクティブスキャン時間(1～14)
	ScanDuration int
	// 受信時刻
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		CommandTimeout: 5 * time.Second,
		JoinTimeout:    30 * time.Second,
		WriteTimeout:   3 * time.Second,
		ChannelMask:    0xFFFFFFFF,
		ScanDuration:   7,
		Now:            time.Now,
	}
}

// Wi-SUNモジュールを操作する
type Engine struct {
	port      *Port
	config    Config
	logger    *slog.Logger
	demux     *Demultiplexer
	status    *broadcaster[bool]
	telemetry *broadcaster[echonetlite.TelemetrySample]

	mu      sync.Mutex
	state   State
	reason  error
	lines   <-chan IncomingLine
	address LinkLocalAddress
}

func New(device Device, config Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = defaults.CommandTimeout
	}
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = defaults.JoinTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.ChannelMask == 0 {
		config.ChannelMask = defaults.ChannelMask
	}
	if config.ScanDuration <= 0 {
		config.ScanDuration = defaults.ScanDuration
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	return &Engine{
		port:      NewPort(device, config.WriteTimeout, logger),
		config:    config,
		logger:    logger,
		demux:     NewDemultiplexer(config.Now, logger),
		status:    newBroadcaster[bool](),
		telemetry: newBroadcaster[echonetlite.TelemetrySample](),
	}
}

// 現在の状態とFailedになった理由
func (e *Engine) State() (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.reason
}

func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == Connected
}

// 接続状態の変化を受け取る
func (e *Engine) SubscribeStatus() (<-chan bool, func()) {
	return e.status.subscribe(4)
}

// 瞬時電力計測値を受け取る
func (e *Engine) SubscribeTelemetry() (<-chan echonetlite.TelemetrySample, func()) {
	return e.telemetry.subscribe(16)
}

// 空いていればnextにしてポートを予約する
func (e *Engine) reserve(next State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.busy() {
		return fmt.Errorf("%w (%s)", ErrAlreadyOpen, e.state)
	}
	e.state = next
	e.reason = nil
	return nil
}

func (e *Engine) setState(next State, reason error) {
	e.mu.Lock()
	prev := e.state
	e.state = next
	e.reason = reason
	e.mu.Unlock()
	if prev != next {
		e.logger.Debug("state", slog.String("from", prev.String()), slog.String("to", next.String()))
	}
	if (prev == Connected) != (next == Connected) {
		e.status.publish(next == Connected)
	}
}

// linesのセッションがまだ現在のものならポートを閉じてnextにする
// 2回目以降は何もしない
func (e *Engine) teardown(lines <-chan IncomingLine, next State, reason error) {
	e.mu.Lock()
	if lines == nil || e.lines != lines {
		e.mu.Unlock()
		return
	}
	e.lines = nil
	e.address = ""
	e.mu.Unlock()
	if err := e.port.Close(); err != nil {
		e.logger.Warn("close", "err", err)
	}
	e.setState(next, reason)
}

func (e *Engine) open() (<-chan IncomingLine, error) {
	rx, err := e.port.Open()
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.lines = rx
	e.mu.Unlock()
	return rx, nil
}

// スマートメータとの間でPANAセッションを開始する
// 成功したら受信チャネルを返すので, それはTerminateSessionまで呼び出し側で読むこと
// 失敗したらポートを閉じてからエラーを返す
func (e *Engine) StartSession(ctx context.Context, params SessionParameters) (lines <-chan IncomingLine, err error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := e.reserve(Opening); err != nil {
		return nil, err
	}
	var rx <-chan IncomingLine
	defer func() {
		if err == nil {
			return
		}
		e.logger.Error("StartSession", "err", err)
		if rx == nil {
			e.setState(Failed, err)
			return
		}
		e.teardown(rx, Failed, err)
	}()

	rx, err = e.open()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", Opening, err)
	}
	conn := NewConn(e.port, rx, e.logger)

	e.logger.Info("start PANA session",
		slog.Any("credential", params.Credential),
		slog.String("channel", params.PanChannel),
		slog.String("panId", params.PanID),
		slog.String("address", params.LinkLocalAddress.String()),
	)
	steps := []struct {
		state   State
		command string
	}{
		{SettingPassword, CommandSetPassword(params.Credential.Password)},
		{SettingRouteBID, CommandSetRouteBID(params.Credential.RouteBID)},
		{SettingChannel, CommandSetChannel(params.PanChannel)},
		{SettingPanID, CommandSetPanID(params.PanID)},
	}
	for _, step := range steps {
		e.setState(step.state, nil)
		if err := conn.SendAndAwaitOK(ctx, step.command, e.config.CommandTimeout); err != nil {
			return nil, fmt.Errorf("%s: %w", step.state, err)
		}
	}

	e.setState(Joining, nil)
	if err := e.join(ctx, conn, params.LinkLocalAddress); err != nil {
		return nil, fmt.Errorf("%s: %w", Joining, err)
	}

	e.mu.Lock()
	e.address = params.LinkLocalAddress
	e.mu.Unlock()
	e.setState(Connected, nil)
	e.logger.Info("connection successful", slog.String("address", params.LinkLocalAddress.String()))
	return rx, nil
}

// PANA認証
// SKJOINのOKでは終わらずEVENT 25を待つ
func (e *Engine) join(ctx context.Context, conn *Conn, address LinkLocalAddress) error {
	if err := conn.WriteCommand(CommandJoin(address)); err != nil {
		return err
	}
	line, err := conn.WaitFor(ctx, e.config.JoinTimeout, func(line string) Verdict {
		switch {
		case strings.HasPrefix(line, eventPanaSuccess):
			return Accept
		case strings.HasPrefix(line, eventPanaFailed), strings.HasPrefix(line, "FAIL"):
			return Reject
		}
		return Skip
	})
	var fail *FailResponse
	switch {
	case err == nil:
		return nil
	case strings.HasPrefix(line, eventPanaFailed):
		return ErrPanaAuthFailed
	case errors.As(err, &fail):
		fail.Command = "SKJOIN"
		return fail
	default:
		return fmt.Errorf("SKJOIN: %w", err)
	}
}

// PANAセッションを終了する
// セッションが無ければ何もしない
func (e *Engine) TerminateSession() error {
	e.mu.Lock()
	state := e.state
	lines := e.lines
	e.mu.Unlock()
	switch {
	case state == Connected:
		if err := e.port.Write([]byte(CommandTerminate() + CRLF)); err != nil {
			e.logger.Warn("SKTERM", "err", err)
		}
		e.teardown(lines, Idle, nil)
		return nil
	case state.busy():
		// 接続手順の途中ならポートを閉じるだけ
		// 待っている側が失敗して後始末をする
		return e.port.Close()
	default:
		return nil
	}
}

// コマンドをそのまま送る
// 応答は受信チャネルに来る
func (e *Engine) SendRawCommand(command string) error {
	if !e.Connected() {
		return ErrNotConnected
	}
	e.logger.Debug("write", slog.String("command", redactCommand(command)))
	return e.port.Write([]byte(command + CRLF))
}

// ECHONET Lite電文をスマートメータへ送る
func (e *Engine) SendEchonetRequest(payload []byte) error {
	e.mu.Lock()
	connected := e.state == Connected
	address := e.address
	e.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	command := CommandSendTo(address, payload)
	e.logger.Debug("write", slog.String("command", string(command[:len(command)-len(payload)])), slog.Int("payload", len(payload)))
	return e.port.Write(command)
}

// 受信チャネルを読んで瞬時電力計測値を配る
// 受信エラーになったらセッションを閉じてエラーを返す
func (e *Engine) Listen(ctx context.Context, lines <-chan IncomingLine) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-lines:
			if !ok {
				e.teardown(lines, Idle, nil)
				return nil
			}
			if in.Err != nil {
				e.logger.Error("Listen", "err", in.Err)
				e.teardown(lines, Failed, in.Err)
				return in.Err
			}
			if sample, ok := e.demux.Handle(in.Text()); ok {
				e.telemetry.publish(sample)
			}
		}
	}
}
