// SKSTACK-IP搭載Wi-SUNモジュールを使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package echonetlite

import (
	"encoding/binary"
	"fmt"
)

// 0x1081 = echonet lite
const EHD uint16 = 0x1081

// サービスコード
const (
	ESVSetC   byte = 0x61 // プロパティ値書き込み要求(応答要)
	ESVGet    byte = 0x62 // プロパティ値読み出し要求
	ESVSetRes byte = 0x71 // プロパティ値書き込み応答
	ESVGetRes byte = 0x72 // プロパティ値読み出し応答
	ESVINF    byte = 0x73 // プロパティ値通知
	ESVGetSNA byte = 0x52 // プロパティ値読み出し不可応答
)

// プロパティ
const (
	EPCOperationStatus             byte = 0x80 // 動作状態
	EPCFaultStatus                 byte = 0x88 // 異常発生状態
	EPCManufacturerCode            byte = 0x8a // メーカーコード
	EPCCoefficient                 byte = 0xd3 // 係数(存在しない場合は×1倍)
	EPCEffectiveDigits             byte = 0xd7 // 積算電力量有効桁数
	EPCCumulativeWattHour          byte = 0xe0 // 積算電力量計測値(正方向計測値)
	EPCCumulativeUnit              byte = 0xe1 // 積算電力量単位(正方向、逆方向計測値)
	EPCInstantaneousPower          byte = 0xe7 // 瞬時電力計測値
	EPCInstantaneousCurrent        byte = 0xe8 // 瞬時電流計測値
	EPCFixedTimeCumulativeWattHour byte = 0xea // 定時積算電力量計測値(正方向計測値)
)

var (
	HomeController = [3]byte{0x05, 0xff, 0x01}
	SmartMeter     = [3]byte{0x02, 0x88, 0x01}
)

// ECHONET Lite電文
type Frame struct {
	EHD   uint16
	TID   uint16
	SEOJ  [3]byte
	DEOJ  [3]byte
	ESV   byte
	OPC   byte
	EData []EData
}

type EData struct {
	EPC byte
	PDC byte
	EDT []byte
}

// 電文の先頭12バイト(EHD〜OPC)
const headerBytes = 12

func (f Frame) Encode() []byte {
	buf := binary.BigEndian.AppendUint16(nil, f.EHD)
	buf = binary.BigEndian.AppendUint16(buf, f.TID)
	buf = append(buf, f.SEOJ[:]...)
	buf = append(buf, f.DEOJ[:]...)
	buf = append(buf, f.ESV, byte(len(f.EData)))
	for _, e := range f.EData {
		buf = append(buf, e.EPC, byte(len(e.EDT)))
		buf = append(buf, e.EDT...)
	}
	return buf
}

func ParseFrame(data []byte) (Frame, error) {
	if len := len(data); len < headerBytes {
		return Frame{}, fmt.Errorf("bad length(%d)", len)
	}
	ehd := binary.BigEndian.Uint16(data[0:2])
	if ehd != EHD {
		return Frame{}, fmt.Errorf("ehd:%x this is not an echonetlite frame", ehd)
	}
	frame := Frame{
		EHD:  ehd,
		TID:  binary.BigEndian.Uint16(data[2:4]),
		SEOJ: [3]byte(data[4:7]),
		DEOJ: [3]byte(data[7:10]),
		ESV:  data[10],
		OPC:  data[11],
	}
	props := data[headerBytes:]
	for count := 0; count < int(frame.OPC); count++ {
		if len(props) < 2 {
			return Frame{}, fmt.Errorf("property %d: truncated", count)
		}
		pdc := int(props[1])
		if len(props) < 2+pdc {
			return Frame{}, fmt.Errorf("property %d: pdc %d exceeds frame", count, pdc)
		}
		frame.EData = append(frame.EData, EData{
			EPC: props[0],
			PDC: props[1],
			EDT: props[2 : 2+pdc],
		})
		props = props[2+pdc:]
	}
	return frame, nil
}

// スマートメーターへのプロパティ値読み出し要求
func GetRequest(tid uint16, epcs ...byte) Frame {
	edata := make([]EData, 0, len(epcs))
	for _, epc := range epcs {
		// 送信するデータ無し
		edata = append(edata, EData{EPC: epc})
	}
	return Frame{
		EHD:   EHD,
		TID:   tid,
		SEOJ:  HomeController,
		DEOJ:  SmartMeter,
		ESV:   ESVGet,
		OPC:   byte(len(edata)),
		EData: edata,
	}
}
