// SKSTACK-IP搭載Wi-SUNモジュールを使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package skstack

import (
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ak1211/smartmeter-route-b/echonetlite"
)

// UDP受信通知
const erxudpPrefix = "ERXUDP"

// ERXUDP行のトークン数
const erxudpFields = 9

// ERXUDP <SENDER> <DEST> <RPORT> <LPORT> <SENDERLLA> <SECURED> <DATALEN> <DATA>
type UDPNotification struct {
	Sender     string // 送信元IPv6アドレス
	Dest       string // 送信先IPv6アドレス
	RemotePort string // 送信元ポート番号
	LocalPort  string // 送信先ポート番号
	SenderMAC  string // 送信元のMACアドレス
	Secured    string // MACフレームが暗号化されていたか
	DataLength int    // データの長さ
	Payload    []byte // データ
}

// ERXUDP行でなければ, あるいは形式が違えばfalseを返す
func ParseERXUDP(line string) (UDPNotification, bool) {
	if !strings.HasPrefix(line, erxudpPrefix) {
		return UDPNotification{}, false
	}
	token := strings.Fields(line)
	if len(token) != erxudpFields || token[0] != erxudpPrefix {
		return UDPNotification{}, false
	}
	datalen, err := strconv.ParseUint(token[7], 16, 16)
	if err != nil {
		return UDPNotification{}, false
	}
	payload, err := hex.DecodeString(token[8])
	if err != nil {
		return UDPNotification{}, false
	}
	return UDPNotification{
		Sender:     token[1],
		Dest:       token[2],
		RemotePort: token[3],
		LocalPort:  token[4],
		SenderMAC:  token[5],
		Secured:    token[6],
		DataLength: int(datalen),
		Payload:    payload,
	}, true
}

// PANAセッション確立後の受信行を振り分ける
type Demultiplexer struct {
	now    func() time.Time
	logger *slog.Logger
}

func NewDemultiplexer(now func() time.Time, logger *slog.Logger) *Demultiplexer {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Demultiplexer{now: now, logger: logger}
}

// 瞬時電力計測値を含むERXUDP行ならそれを返す
// それ以外の行, 壊れた行は読み捨てる
func (d *Demultiplexer) Handle(line string) (echonetlite.TelemetrySample, bool) {
	if !strings.HasPrefix(line, erxudpPrefix) {
		if strings.HasPrefix(line, "EVENT") {
			d.logger.Debug("event", slog.String("line", line))
		}
		return echonetlite.TelemetrySample{}, false
	}
	udp, ok := ParseERXUDP(line)
	if !ok {
		d.logger.Debug("malformed ERXUDP", slog.String("line", line))
		return echonetlite.TelemetrySample{}, false
	}
	if frame, err := echonetlite.ParseFrame(udp.Payload); err == nil {
		echonetlite.LogFrame(d.logger, frame)
	} else {
		d.logger.Debug("ParseFrame", "err", err, slog.String("payload", hex.EncodeToString(udp.Payload)))
	}
	watts, ok := echonetlite.DecodeInstantaneousPower(udp.Payload)
	if !ok {
		return echonetlite.TelemetrySample{}, false
	}
	return echonetlite.TelemetrySample{Timestamp: d.now(), InstantaneousWatts: watts}, true
}
