// SKSTACK-IP搭載Wi-SUNモジュールを使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package skstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"strings"
	"time"
)

// EPANDESC行とそれに続く6行
const epandescLines = 7

// SKSCANの予定される実行時間
// 1チャンネルあたり(0.01秒 * 2^duration + 1秒)
func ScanWait(channelMask uint32, duration int) time.Duration {
	numberOfChannels := float64(bits.OnesCount32(channelMask))
	seconds := numberOfChannels * (0.01*math.Pow(2.0, float64(duration)) + 1.0)
	return time.Duration(math.Ceil(seconds)) * time.Second
}

// EPANDESCの各行を集めるもの
// EPANDESC行より前の行とEVENT行は捨て, それ以外の行は順番通りに残す
type epandescCollector struct {
	lines []string
	items map[string]string
}

// 揃ったらtrueを返す
func (c *epandescCollector) add(line string) bool {
	if strings.HasPrefix(line, "EVENT") {
		return false
	}
	if len(c.lines) == 0 && !strings.HasPrefix(line, "EPANDESC") {
		return false
	}
	c.lines = append(c.lines, line)
	if len(c.lines) < epandescLines {
		return false
	}
	c.items = make(map[string]string)
	for _, v := range c.lines[:epandescLines] {
		key, value, found := strings.Cut(v, ":")
		if !found {
			continue
		}
		c.items[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return true
}

// 行の並びからPanDescriptorを得る
func ParsePanDescriptor(lines []string) (PanDescriptor, error) {
	var c epandescCollector
	for _, line := range lines {
		if c.add(line) {
			return NewPanDescriptor(c.items)
		}
	}
	return PanDescriptor{}, ErrDescriptorIncomplete
}

// SKSCANの結果を得る
// スマートメータが存在しないあるいは電波状態が悪い場合があるのでタイムアウトをつけておく
func (c *Conn) collectPanDescriptor(ctx context.Context, timeout time.Duration) (PanDescriptor, error) {
	var collector epandescCollector
	scanFinished := false
	_, err := c.WaitFor(ctx, timeout, func(line string) Verdict {
		if strings.HasPrefix(line, "EVENT 20") {
			c.logger.Debug("arrived beacon", slog.String("line", line))
		}
		if strings.HasPrefix(line, "EVENT 22") {
			scanFinished = true
			return Reject
		}
		if collector.add(line) {
			return Accept
		}
		return Skip
	})
	switch {
	case scanFinished:
		return PanDescriptor{}, ErrNoPanFound
	case err != nil:
		return PanDescriptor{}, err
	}
	return NewPanDescriptor(collector.items)
}

// SKLL64の実行結果を得る
func (c *Conn) awaitLinkLocalAddress(ctx context.Context, timeout time.Duration) (LinkLocalAddress, error) {
	line, err := c.WaitFor(ctx, timeout, func(line string) Verdict {
		switch {
		case linkLocalAddressPattern.MatchString(line):
			return Accept
		case strings.HasPrefix(line, "FAIL"):
			return Reject
		}
		return Skip
	})
	if err != nil {
		return "", err
	}
	return ParseLinkLocalAddress(line)
}

// アクティブスキャンを実行して接続対象のスマートメータを探す
// ポートは成功失敗どちらでも必ず閉じる
func (e *Engine) StartScan(ctx context.Context, credential Credential) (result ScanResult, err error) {
	if strings.TrimSpace(credential.RouteBID) == "" || strings.TrimSpace(credential.Password) == "" {
		return ScanResult{}, fmt.Errorf("%w: credential", ErrMissingParameter)
	}
	if err := e.reserve(Scanning); err != nil {
		return ScanResult{}, err
	}
	var rx <-chan IncomingLine
	defer func() {
		next := Idle
		if err != nil {
			e.logger.Error("StartScan", "err", err)
			next = Failed
		}
		if rx == nil {
			e.setState(next, err)
			return
		}
		e.teardown(rx, next, err)
	}()

	rx, err = e.open()
	if err != nil {
		return ScanResult{}, err
	}
	conn := NewConn(e.port, rx, e.logger)
	timeout := e.config.CommandTimeout

	e.logger.Info("active scan", slog.Any("credential", credential))
	steps := []string{
		CommandVersion(),
		CommandSetPassword(credential.Password),
		CommandSetRouteBID(credential.RouteBID),
		CommandActiveScan(e.config.ChannelMask, e.config.ScanDuration),
	}
	for _, command := range steps {
		if err := conn.SendAndAwaitOK(ctx, command, timeout); err != nil {
			return ScanResult{}, err
		}
	}
	wait := ScanWait(e.config.ChannelMask, e.config.ScanDuration)
	e.logger.Debug("SKSCAN", slog.Duration("scanTime", wait))
	desc, err := conn.collectPanDescriptor(ctx, wait)
	if err != nil {
		return ScanResult{}, fmt.Errorf("SKSCAN: %w", err)
	}
	e.logger.Info("found smartmeter", slog.Any("epandesc", desc))

	if err := conn.WriteCommand(CommandLinkLocalAddress(desc.Addr)); err != nil {
		return ScanResult{}, err
	}
	address, err := conn.awaitLinkLocalAddress(ctx, timeout)
	if err != nil {
		var fail *FailResponse
		if errors.As(err, &fail) {
			fail.Command = "SKLL64"
			return ScanResult{}, fail
		}
		return ScanResult{}, fmt.Errorf("SKLL64: %w", err)
	}
	return ScanResult{Descriptor: desc, LinkLocalAddress: address}, nil
}
