// SKSTACK-IP搭載Wi-SUNモジュールを使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package skstack

import (
	"fmt"
	"strings"
)

// 行末
const CRLF = "\r\n"

// ECHONET Liteのポート番号
const EchonetlitePort = 0x0e1a

// ファームウェアバージョン取得コマンド
func CommandVersion() string {
	return "SKVER"
}

// PANA認証用パスワード設定コマンド(Cは文字数12を16進数で表したもの)
func CommandSetPassword(password string) string {
	return fmt.Sprintf("SKSETPWD %X %s", len(password), password)
}

// Bルート認証ID設定コマンド
func CommandSetRouteBID(routeBID string) string {
	return "SKSETRBID " + routeBID
}

// 自端末が使用する周波数の論理チャンネル番号設定コマンド
func CommandSetChannel(channel string) string {
	return "SKSREG S2 " + channel
}

// 自端末のPAN ID設定コマンド
func CommandSetPanID(panID string) string {
	return "SKSREG S3 " + panID
}

// アクティブスキャン実行コマンド
func CommandActiveScan(channelMask uint32, duration int) string {
	return fmt.Sprintf("SKSCAN 2 %X %d", channelMask, duration)
}

// MACアドレスからIPv6リンクローカルアドレスへ変換するコマンド
func CommandLinkLocalAddress(addr string) string {
	return "SKLL64 " + addr
}

// PANA認証要求コマンド
func CommandJoin(address LinkLocalAddress) string {
	return "SKJOIN " + string(address)
}

// PANAセッション終了要求コマンド
func CommandTerminate() string {
	return "SKTERM"
}

// UDP送信コマンド
// データ部はバイナリのまま続けて送るので行末は付けない
func CommandSendTo(address LinkLocalAddress, payload []byte) []byte {
	header := fmt.Sprintf("SKSENDTO 1 %s %04X 1 %04X ", address, EchonetlitePort, len(payload))
	return append([]byte(header), payload...)
}

// ログに出すとき認証情報を伏せる
func redactCommand(command string) string {
	switch {
	case strings.HasPrefix(command, "SKSETPWD "):
		fields := strings.Fields(command)
		if len(fields) == 3 {
			return fields[0] + " " + fields[1] + " " + mask(fields[2], 0)
		}
		return "SKSETPWD ****"
	case strings.HasPrefix(command, "SKSETRBID "):
		return "SKSETRBID " + mask(strings.TrimPrefix(command, "SKSETRBID "), 4)
	}
	return command
}
