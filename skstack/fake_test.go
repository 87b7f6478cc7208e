// SKSTACK-IP搭載Wi-SUNモジュールを使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package skstack

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const (
	testRouteBID    = "0123456789ABCDEF0123456789ABCDEF"
	testPassword    = "PASSWORD1234"
	testMacAddress  = "001D129012345678"
	testLinkLocal   = "FE80:0000:0000:0000:021D:1290:1234:5678"
	testPanID       = "8888"
	testPanChannel  = "21"
	testPayloadE7W  = "1081000102880105FF017201E704" // + 4バイトの値
	test600WPayload = testPayloadE7W + "00000258"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCredential() Credential {
	return Credential{RouteBID: testRouteBID, Password: testPassword}
}

func testSessionParameters() SessionParameters {
	return SessionParameters{
		Credential:       testCredential(),
		PanID:            testPanID,
		PanChannel:       testPanChannel,
		LinkLocalAddress: testLinkLocal,
	}
}

func crlf(lines ...string) []string {
	out := make([]string, len(lines))
	for i, v := range lines {
		out[i] = v + CRLF
	}
	return out
}

func erxudpLine(payloadHex string) string {
	return "ERXUDP " + testLinkLocal + " FE80:0000:0000:0000:021D:1290:0000:0001 0E1A 0E1A " +
		testMacAddress + " 1 " + fmt.Sprintf("%04X", len(payloadHex)/2) + " " + payloadHex
}

// 正常に応答するWi-SUNモジュールのふり
func smartmeterScript(command string) []string {
	switch {
	case command == "SKVER":
		return crlf(command, "EVER 1.2.10", "OK")
	case strings.HasPrefix(command, "SKSETPWD"),
		strings.HasPrefix(command, "SKSETRBID"),
		strings.HasPrefix(command, "SKSREG"):
		return crlf(command, "OK")
	case strings.HasPrefix(command, "SKSCAN"):
		return crlf(
			command,
			"OK",
			"EVENT 20 "+testLinkLocal,
			"EPANDESC",
			"  Channel:"+testPanChannel,
			"  Channel Page:09",
			"  Pan ID:"+testPanID,
			"  Addr:"+testMacAddress,
			"  LQI:E1",
			"  PairID:00ABCDEF",
			"EVENT 22 FE80:0000:0000:0000:021D:1290:0000:0001",
		)
	case strings.HasPrefix(command, "SKLL64"):
		return crlf(command, testLinkLocal)
	case strings.HasPrefix(command, "SKJOIN"):
		return crlf(
			command,
			"OK",
			"EVENT 21 "+testLinkLocal+" 00",
			"EVENT 02 "+testLinkLocal,
			"EVENT 25 "+testLinkLocal,
		)
	case command == "SKTERM":
		return crlf(command, "OK", "EVENT 27 "+testLinkLocal)
	case strings.HasPrefix(command, "SKSENDTO"):
		return crlf("EVENT 21 "+testLinkLocal+" 00", "OK")
	}
	return crlf(command, "FAIL ER04")
}

// 台本通りに応答するWi-SUNモジュールのふり
type fakeModem struct {
	mu       sync.Mutex
	script   func(command string) []string
	openErr  error
	writes   [][]byte
	opens    int
	closes   int
	conn     *fakeConn
	commands chan string
}

func newFakeModem(script func(command string) []string) *fakeModem {
	return &fakeModem{script: script, commands: make(chan string, 256)}
}

func (m *fakeModem) Open() (io.ReadWriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}
	m.opens++
	hostR, modemW := io.Pipe()
	conn := &fakeConn{
		PipeReader: hostR,
		w:          modemW,
		modem:      m,
		out:        make(chan output, 256),
		done:       make(chan struct{}),
	}
	m.conn = conn
	go conn.pump()
	return conn, nil
}

func (m *fakeModem) handle(b []byte) []string {
	command := strings.TrimRight(string(b), CRLF)
	m.mu.Lock()
	m.writes = append(m.writes, append([]byte(nil), b...))
	script := m.script
	m.mu.Unlock()
	select {
	case m.commands <- command:
	default:
	}
	if script == nil {
		return nil
	}
	return script(command)
}

// 書き込まれたコマンド(行末を除く)
func (m *fakeModem) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.writes))
	for _, w := range m.writes {
		out = append(out, strings.TrimRight(string(w), CRLF))
	}
	return out
}

func (m *fakeModem) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.writes...)
}

func (m *fakeModem) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

func (m *fakeModem) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

func (m *fakeModem) current() *fakeConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// モジュールから行を送る
func (m *fakeModem) Emit(lines ...string) {
	conn := m.current()
	for _, line := range lines {
		conn.push(output{text: line})
	}
}

// モジュール側から受信を終わらせる(errがnilならEOF)
// それまでにEmitした行は先に届く
func (m *fakeModem) Hangup(err error) {
	m.current().push(output{hangup: true, err: err})
}

type output struct {
	text   string
	hangup bool
	err    error
}

type fakeConn struct {
	*io.PipeReader
	w     *io.PipeWriter
	modem *fakeModem
	out   chan output
	done  chan struct{}
	once  sync.Once
}

func (c *fakeConn) push(o output) bool {
	select {
	case c.out <- o:
		return true
	case <-c.done:
		return false
	}
}

func (c *fakeConn) pump() {
	for {
		select {
		case <-c.done:
			return
		case o := <-c.out:
			if o.hangup {
				if o.err == nil {
					c.w.Close()
				} else {
					c.w.CloseWithError(o.err)
				}
				return
			}
			if _, err := io.WriteString(c.w, o.text); err != nil {
				return
			}
		}
	}
}

func (c *fakeConn) Write(b []byte) (int, error) {
	select {
	case <-c.done:
		return 0, io.ErrClosedPipe
	default:
	}
	for _, s := range c.modem.handle(b) {
		if !c.push(output{text: s}) {
			return 0, io.ErrClosedPipe
		}
	}
	return len(b), nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.modem.mu.Lock()
		c.modem.closes++
		c.modem.mu.Unlock()
		close(c.done)
		c.PipeReader.Close()
		c.w.Close()
	})
	return nil
}

var errUnplugged = errors.New("device unplugged")
