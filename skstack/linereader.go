// SKSTACK-IP搭載Wi-SUNモジュールを使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package skstack

import (
	"bytes"
	"strings"
)

// 受信バイト列を行に区切る
// 一行未満のデータは次のFeedまで持ち越す
type LineReader struct {
	remains []byte
}

// 改行で終わる行を返す(改行はそのまま残す)
func (r *LineReader) Feed(chunk []byte) [][]byte {
	r.remains = append(r.remains, chunk...)
	var lines [][]byte
	consumed := 0
	for {
		pos := bytes.IndexByte(r.remains[consumed:], '\n')
		if pos < 0 {
			break
		}
		end := consumed + pos + 1
		line := make([]byte, end-consumed)
		copy(line, r.remains[consumed:end])
		lines = append(lines, line)
		consumed = end
	}
	if consumed > 0 {
		r.remains = append(r.remains[:0], r.remains[consumed:]...)
	}
	return lines
}

// 持ち越している一行未満のデータを取り出す
func (r *LineReader) Flush() []byte {
	if len(r.remains) == 0 {
		return nil
	}
	rest := make([]byte, len(r.remains))
	copy(rest, r.remains)
	r.remains = r.remains[:0]
	return rest
}

// 受信行
// Errがnilでなければ受信はそこで終わる
type IncomingLine struct {
	Line []byte
	Err  error
}

// 行末のCRLFを除いた文字列
func (in IncomingLine) Text() string {
	return strings.TrimRight(string(in.Line), "\r\n")
}
