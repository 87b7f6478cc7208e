// SKSTACK-IP搭載Wi-SUNモジュールを使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package skstack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseERXUDP(t *testing.T) {
	udp, ok := ParseERXUDP(erxudpLine(test600WPayload))
	require.True(t, ok)
	assert.Equal(t, testLinkLocal, udp.Sender)
	assert.Equal(t, "0E1A", udp.RemotePort)
	assert.Equal(t, "0E1A", udp.LocalPort)
	assert.Equal(t, testMacAddress, udp.SenderMAC)
	assert.Equal(t, "1", udp.Secured)
	assert.Equal(t, 18, udp.DataLength)
	assert.Len(t, udp.Payload, 18)
}

func TestParseERXUDPRejectsMalformed(t *testing.T) {
	tests := map[string]string{
		"not ERXUDP":   "EVENT 21 " + testLinkLocal + " 00",
		"8 fields":     "ERXUDP " + testLinkLocal + " FE80:0000:0000:0000:021D:1290:0000:0001 0E1A 0E1A " + testMacAddress + " 1 0012",
		"10 fields":    erxudpLine(test600WPayload) + " 00",
		"bad length":   "ERXUDP " + testLinkLocal + " FE80:0000:0000:0000:021D:1290:0000:0001 0E1A 0E1A " + testMacAddress + " 1 XYZ " + test600WPayload,
		"bad payload":  "ERXUDP " + testLinkLocal + " FE80:0000:0000:0000:021D:1290:0000:0001 0E1A 0E1A " + testMacAddress + " 1 0012 ZZ",
		"prefix only":  "ERXUDPX a b c d e f g h",
		"empty string": "",
	}
	for name, line := range tests {
		t.Run(name, func(t *testing.T) {
			_, ok := ParseERXUDP(line)
			assert.False(t, ok)
		})
	}
}

func TestDemultiplexerHandle(t *testing.T) {
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	demux := NewDemultiplexer(func() time.Time { return now }, discardLogger())

	sample, ok := demux.Handle(erxudpLine(test600WPayload))
	require.True(t, ok)
	assert.Equal(t, 600, sample.InstantaneousWatts)
	assert.Equal(t, now, sample.Timestamp)

	// 負の値
	sample, ok = demux.Handle(erxudpLine(testPayloadE7W + "FFFFFF9C"))
	require.True(t, ok)
	assert.Equal(t, -100, sample.InstantaneousWatts)
}

func TestDemultiplexerIgnores(t *testing.T) {
	demux := NewDemultiplexer(nil, discardLogger())
	lines := []string{
		"OK",
		"EVENT 21 " + testLinkLocal + " 00",
		"ERXUDP " + testLinkLocal + " 0E1A",
		// 瞬時電流計測値
		erxudpLine("1081000102880105FF017201E80400140000"),
		// 短すぎる
		erxudpLine("1081000102880105FF017201E704"),
		// ECHONET Liteではない(PANA)
		erxudpLine("00000000000000000000000000000000000000"),
	}
	for _, line := range lines {
		_, ok := demux.Handle(line)
		assert.False(t, ok, line)
	}
}
