// SKSTACK-IP搭載Wi-SUNモジュールを使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package skstack

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openConn(t *testing.T, script func(string) []string) (*fakeModem, *Conn) {
	t.Helper()
	modem := newFakeModem(script)
	port := NewPort(modem, time.Second, discardLogger())
	rx, err := port.Open()
	require.NoError(t, err)
	t.Cleanup(func() { port.Close() })
	return modem, NewConn(port, rx, discardLogger())
}

func TestSendAndAwaitOKSkipsNoise(t *testing.T) {
	modem, conn := openConn(t, func(command string) []string {
		return crlf(command, "EVENT 21 FE80:0000:0000:0000:021D:1290:1234:5678 00", "", "OK")
	})
	err := conn.SendAndAwaitOK(context.Background(), "SKSREG S2 21", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"SKSREG S2 21"}, modem.Commands())
	assert.Equal(t, []byte("SKSREG S2 21\r\n"), modem.Writes()[0])
}

func TestSendAndAwaitOKFail(t *testing.T) {
	_, conn := openConn(t, func(command string) []string {
		return crlf(command, "FAIL ER06")
	})
	err := conn.SendAndAwaitOK(context.Background(), "SKSREG S3 8888", time.Second)
	require.Error(t, err)
	var fail *FailResponse
	require.True(t, errors.As(err, &fail))
	assert.Equal(t, "SKSREG", fail.Command)
	assert.Equal(t, "FAIL ER06", fail.Line)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestSendAndAwaitOKTimeout(t *testing.T) {
	_, conn := openConn(t, func(command string) []string {
		return crlf(command)
	})
	start := time.Now()
	err := conn.SendAndAwaitOK(context.Background(), "SKVER", 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestSendAndAwaitOKClosedPort(t *testing.T) {
	modem := newFakeModem(smartmeterScript)
	port := NewPort(modem, time.Second, discardLogger())
	rx, err := port.Open()
	require.NoError(t, err)
	conn := NewConn(port, rx, discardLogger())
	require.NoError(t, port.Close())

	// 応答待ちの途中で閉じられた時と同じく送受信の失敗になる
	err = conn.SendAndAwaitOK(context.Background(), CommandSetRouteBID(testRouteBID), time.Second)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Empty(t, modem.Commands())
}

func TestWaitForStreamClosed(t *testing.T) {
	modem, conn := openConn(t, nil)
	modem.Emit("EVENT 21\r\n")
	modem.Hangup(nil)
	_, err := conn.WaitFor(context.Background(), time.Second, func(string) Verdict { return Skip })
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestWaitForReadError(t *testing.T) {
	modem, conn := openConn(t, nil)
	modem.Hangup(errUnplugged)
	_, err := conn.WaitFor(context.Background(), time.Second, func(string) Verdict { return Skip })
	assert.ErrorIs(t, err, errUnplugged)
}

func TestWaitForContextCanceled(t *testing.T) {
	_, conn := openConn(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := conn.WaitFor(ctx, time.Second, func(string) Verdict { return Skip })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitForReturnsAcceptedLine(t *testing.T) {
	modem, conn := openConn(t, nil)
	modem.Emit("SKLL64 001D129012345678\r\n", testLinkLocal+"\r\n")
	line, err := conn.WaitFor(context.Background(), time.Second, func(line string) Verdict {
		if linkLocalAddressPattern.MatchString(line) {
			return Accept
		}
		return Skip
	})
	require.NoError(t, err)
	assert.Equal(t, testLinkLocal, line)
}
