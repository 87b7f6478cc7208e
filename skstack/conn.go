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
	"time"
)

// 受信行の判定結果
type Verdict int

const (
	// 関係無い行なので読み飛ばす
	Skip Verdict = iota
	// 待っていた行
	Accept
	// 失敗を示す行
	Reject
)

// コマンドを送って応答を待つ仕掛け
// 受信チャネルは1つだけなので待つのも同時に1つだけ
type Conn struct {
	port   *Port
	rx     <-chan IncomingLine
	logger *slog.Logger
}

func NewConn(port *Port, rx <-chan IncomingLine, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{port: port, rx: rx, logger: logger}
}

// 受信チャネル
func (c *Conn) Lines() <-chan IncomingLine {
	return c.rx
}

// コマンドを書き込む(行末を付ける)
func (c *Conn) WriteCommand(command string) error {
	c.logger.Debug("write", slog.String("command", redactCommand(command)))
	return c.port.Write([]byte(command + CRLF))
}

// コマンドを送ってOKを待つ
func (c *Conn) SendAndAwaitOK(ctx context.Context, command string, timeout time.Duration) error {
	if err := c.WriteCommand(command); err != nil {
		return err
	}
	name := strings.SplitN(command, " ", 2)[0]
	_, err := c.WaitFor(ctx, timeout, func(line string) Verdict {
		switch {
		case strings.HasPrefix(line, "OK"):
			return Accept
		case strings.HasPrefix(line, "FAIL"):
			return Reject
		default:
			return Skip
		}
	})
	var fail *FailResponse
	if errors.As(err, &fail) {
		fail.Command = name
		return fail
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	c.logger.Debug(name, slog.String("result", "ok"))
	return nil
}

// judgeがAcceptかRejectを返す行が来るまで待つ
// タイムアウトで止めるのは待つことだけで受信ゴルーチンは動き続ける
func (c *Conn) WaitFor(ctx context.Context, timeout time.Duration, judge func(line string) Verdict) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", fmt.Errorf("%w: no response in %v", ErrTimeout, timeout)
		case in, ok := <-c.rx:
			if !ok {
				return "", ErrStreamClosed
			}
			if in.Err != nil {
				return "", in.Err
			}
			line := in.Text()
			switch judge(line) {
			case Accept:
				c.logger.Debug("read", slog.String("line", line))
				return line, nil
			case Reject:
				c.logger.Debug("read", slog.String("line", line))
				return line, &FailResponse{Line: line}
			default:
				c.logger.Debug("ignored", slog.String("line", line))
			}
		}
	}
}
