// SKSTACK-IP搭載Wi-SUNモジュールを使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package skstack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// シリアルポートなどの送受信路を開く
type Device interface {
	Open() (io.ReadWriteCloser, error)
}

type portState int

const (
	portClosed portState = iota
	portOpened
)

// 受信チャネルのバッファ
const rxChanSize = 64

// 開いている送受信路と受信ゴルーチンを持つ
// 同時に開けるのは1つだけ
type Port struct {
	device       Device
	writeTimeout time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	state  portState
	conn   io.ReadWriteCloser
	cancel context.CancelFunc

	// 書き込み中を示す(同時に書くのは1つだけ)
	// タイムアウトした書き込みも終わるまで保持する
	writing chan struct{}
}

func NewPort(device Device, writeTimeout time.Duration, logger *slog.Logger) *Port {
	if logger == nil {
		logger = slog.Default()
	}
	return &Port{
		device:       device,
		writeTimeout: writeTimeout,
		logger:       logger,
		writing:      make(chan struct{}, 1),
	}
}

// 送受信路を開いて受信チャネルを返す
// すでに開いている場合は何もせずにErrAlreadyOpenを返す
func (p *Port) Open() (<-chan IncomingLine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == portOpened {
		return nil, ErrAlreadyOpen
	}
	conn, err := p.device.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open: %w", ErrTransport, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	rx := make(chan IncomingLine, rxChanSize)
	p.conn = conn
	p.cancel = cancel
	p.state = portOpened
	go receiver(ctx, conn, rx, p.logger)
	p.logger.Debug("port opened")
	return rx, nil
}

// 何度呼んでも良い
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == portClosed {
		return nil
	}
	// 受信ゴルーチンを先に止めてから閉じる
	p.cancel()
	err := p.conn.Close()
	p.conn = nil
	p.cancel = nil
	p.state = portClosed
	p.logger.Debug("port closed")
	if err != nil {
		return fmt.Errorf("%w: close: %w", ErrTransport, err)
	}
	return nil
}

func (p *Port) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == portOpened
}

// 書き込み完了まで待つ(writeTimeoutまで)
// 他の書き込みが終わるのを待つ時間もwriteTimeoutに含む
func (p *Port) Write(b []byte) error {
	p.mu.Lock()
	conn := p.conn
	opened := p.state == portOpened
	p.mu.Unlock()
	if !opened {
		return errPortClosed
	}
	timer := time.NewTimer(p.writeTimeout)
	defer timer.Stop()
	select {
	case p.writing <- struct{}{}:
	case <-timer.C:
		return ErrWriteTimeout
	}
	done := make(chan error, 1)
	go func() {
		_, err := conn.Write(b)
		<-p.writing
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: write: %w", ErrTransport, err)
		}
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	}
}

// 受信ゴルーチン
// 受信したバイト列を行に区切って順番通りにチャネルへ送る
func receiver(ctx context.Context, rd io.Reader, rx chan<- IncomingLine, logger *slog.Logger) {
	defer close(rx)
	var lr LineReader
	send := func(in IncomingLine) bool {
		select {
		case rx <- in:
			return true
		case <-ctx.Done():
			return false
		}
	}
	// 残りを送信する
	flush := func() {
		if rest := lr.Flush(); rest != nil {
			send(IncomingLine{Line: rest})
		}
	}
	buffer := make([]byte, 4096)
	for {
		n, err := rd.Read(buffer)
		if n > 0 {
			for _, line := range lr.Feed(buffer[:n]) {
				if !send(IncomingLine{Line: line}) {
					return
				}
			}
		}
		if ctx.Err() != nil {
			// 閉じられた
			if rest := lr.Flush(); rest != nil {
				select {
				case rx <- IncomingLine{Line: rest}:
				default:
				}
			}
			return
		}
		switch {
		case err == nil:
			// 読み取りデータ不足
			continue
		case errors.Is(err, io.EOF):
			flush()
			return
		default:
			logger.Error("receiver", "err", err)
			flush()
			send(IncomingLine{Err: fmt.Errorf("%w: read: %w", ErrTransport, err)})
			return
		}
	}
}
