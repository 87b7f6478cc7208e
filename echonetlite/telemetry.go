// SKSTACK-IP搭載Wi-SUNモジュールを使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package echonetlite

import (
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"strconv"
	"time"
)

// 瞬時電力計測値
type TelemetrySample struct {
	Timestamp          time.Time `json:"timestamp"`
	InstantaneousWatts int       `json:"instantaneousWatts"`
}

func (s TelemetrySample) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Time("timestamp", s.Timestamp),
		slog.Int("W", s.InstantaneousWatts),
	)
}

// 瞬時電力計測値の電文は18バイト以上
const minPowerFrameBytes = 18

// 固定位置から瞬時電力計測値を取り出す
// data[11] = OPC, data[12] = EPC, data[13] = PDC, data[14:18] = EDT
func DecodeInstantaneousPower(data []byte) (int, bool) {
	if len(data) < minPowerFrameBytes {
		return 0, false
	}
	if data[12] != EPCInstantaneousPower {
		return 0, false
	}
	iwatt := int32(binary.BigEndian.Uint32(data[14:18]))
	return int(iwatt), true
}

// 瞬時電流計測値(R相, T相 単位A)
// 単相2線式の場合T相は無い
func DecodeInstantaneousCurrent(edt []byte) (r float64, t float64, singlePhase bool, ok bool) {
	if len(edt) < 4 {
		return 0, 0, false, false
	}
	rr := binary.BigEndian.Uint16(edt[0:2])
	tt := binary.BigEndian.Uint16(edt[2:4])
	r = float64(int16(rr)) / 10.0
	if tt == 0x7ffe {
		return r, 0, true, true
	}
	return r, float64(int16(tt)) / 10.0, false, true
}

// 受信電文をログに出す
func LogFrame(logger *slog.Logger, frame Frame) {
	if frame.ESV != ESVGetRes && frame.ESV != ESVINF {
		logger.Debug("Echonetlite", slog.Any("frame", frame))
		return
	}
	for _, v := range frame.EData {
		switch v.EPC {
		case EPCCumulativeWattHour:
			if len(v.EDT) == 4 {
				cwh := binary.BigEndian.Uint32(v.EDT)
				logger.Info("cumlative watt hour", slog.Uint64("Wh", uint64(cwh)))
			}
		case EPCInstantaneousPower:
			if len(v.EDT) == 4 {
				iwatt := int32(binary.BigEndian.Uint32(v.EDT))
				logger.Info("instantious watt", slog.Int("W", int(iwatt)))
			}
		case EPCInstantaneousCurrent:
			r, t, single, ok := DecodeInstantaneousCurrent(v.EDT)
			switch {
			case !ok:
			case single:
				logger.Info("instantious ampere", slog.Float64("R", r))
			default:
				logger.Info("instantious ampere", slog.Float64("R", r), slog.Float64("T", t))
			}
		default:
			logger.Debug("Echonetlite",
				slog.String("epc", strconv.FormatInt(int64(v.EPC), 16)),
				slog.Int("pdc", int(v.PDC)),
				slog.String("edt", hex.EncodeToString(v.EDT)),
			)
		}
	}
}
