// SKSTACK-IP搭載Wi-SUNモジュールを使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package skstack

import (
	"errors"
	"fmt"
)

// エラー分類
// 個別のエラーはこれらのどれかをラップしているのでerrors.Isで分類できる
var (
	// 送受信の失敗(オープン, 書き込み, 読み込み)
	ErrTransport = errors.New("transport error")
	// 応答待ちのタイムアウト
	ErrTimeout = errors.New("timeout")
	// アダプタが失敗を返した, あるいは結果が不完全
	ErrProtocol = errors.New("protocol error")
	// 現在の状態では実行できない
	ErrState = errors.New("state error")
)

var (
	ErrAlreadyOpen      = fmt.Errorf("%w: already open", ErrState)
	ErrNotOpen          = fmt.Errorf("%w: port is closed", ErrState)
	ErrNotConnected     = fmt.Errorf("%w: PANA session is not connected", ErrState)
	ErrMissingParameter = fmt.Errorf("%w: missing parameter", ErrState)

	ErrDescriptorIncomplete = fmt.Errorf("%w: EPANDESC is incomplete", ErrProtocol)
	ErrNoPanFound           = fmt.Errorf("%w: active scan finished without EPANDESC", ErrProtocol)
	ErrPanaAuthFailed       = fmt.Errorf("%w: PANA auth failed", ErrProtocol)

	ErrStreamClosed = fmt.Errorf("%w: line stream closed", ErrTransport)
	ErrWriteTimeout = fmt.Errorf("%w: write timeout exceeded", ErrTransport)
)

// 閉じたポートへの書き込み
// 接続手順の途中で閉じられた場合も読み込み側と同じく送受信の失敗として扱う
var errPortClosed = fmt.Errorf("%w: write: %w", ErrTransport, ErrNotOpen)

// FAIL ERxx 応答
type FailResponse struct {
	Command string
	Line    string
}

func (e *FailResponse) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Line)
}

func (e *FailResponse) Unwrap() error {
	return ErrProtocol
}
