// SKSTACK-IP搭載Wi-SUNモジュールを使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package skstack

import (
	"io"
	"time"

	"github.com/tarm/serial"
)

// シリアルポート(115200bps, 8bit, stop bit 1, parity無し)
type SerialDevice struct {
	Name        string
	ReadTimeout time.Duration
}

func (d SerialDevice) Open() (io.ReadWriteCloser, error) {
	config := &serial.Config{
		Name:        d.Name,
		Baud:        115200,
		ReadTimeout: d.ReadTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}
	port, err := serial.OpenPort(config)
	if err != nil {
		return nil, err
	}
	return serialConn{port}, nil
}

type serialConn struct {
	*serial.Port
}

// ReadTimeoutで何も来なかった時のio.EOFは読み取りデータ不足として扱う
func (c serialConn) Read(b []byte) (int, error) {
	n, err := c.Port.Read(b)
	if n == 0 && err == io.EOF {
		return 0, nil
	}
	return n, err
}
