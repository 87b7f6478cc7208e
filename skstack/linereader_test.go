// SKSTACK-IP搭載Wi-SUNモジュールを使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package skstack

import (
	"bytes"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// LINE_SEED環境変数で再現できる
func newLineRng(t *testing.T) *rand.Rand {
	seed := time.Now().UnixNano()
	if env := os.Getenv("LINE_SEED"); env != "" {
		if v, err := strconv.ParseInt(env, 10, 64); err == nil {
			seed = v
		}
	}
	t.Logf("Seed: %d (reproduce with LINE_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

func TestLineReaderSplitAcrossChunks(t *testing.T) {
	var lr LineReader
	assert.Empty(t, lr.Feed([]byte("OK\r")))
	lines := lr.Feed([]byte("\nEVENT 21 FE80"))
	require.Len(t, lines, 1)
	assert.Equal(t, "OK\r\n", string(lines[0]))
	lines = lr.Feed([]byte(" 00\r\nFAIL ER04\r\n"))
	require.Len(t, lines, 2)
	assert.Equal(t, "EVENT 21 FE80 00\r\n", string(lines[0]))
	assert.Equal(t, "FAIL ER04\r\n", string(lines[1]))
	assert.Nil(t, lr.Flush())
}

func TestLineReaderFlushRemainder(t *testing.T) {
	var lr LineReader
	lines := lr.Feed([]byte("OK\r\nSKVER"))
	require.Len(t, lines, 1)
	assert.Equal(t, []byte("SKVER"), lr.Flush())
	assert.Nil(t, lr.Flush())
}

func TestLineReaderReturnsCopies(t *testing.T) {
	var lr LineReader
	chunk := []byte("OK\r\n")
	lines := lr.Feed(chunk)
	require.Len(t, lines, 1)
	chunk[0] = 'X'
	assert.Equal(t, "OK\r\n", string(lines[0]))
}

func TestIncomingLineText(t *testing.T) {
	assert.Equal(t, "OK", IncomingLine{Line: []byte("OK\r\n")}.Text())
	assert.Equal(t, "EVENT", IncomingLine{Line: []byte("EVENT\n")}.Text())
	assert.Equal(t, "EPAN", IncomingLine{Line: []byte("EPAN")}.Text())
}

// どこで区切って渡しても出てくる行と残りをつなげると元に戻る
func TestLineReaderRoundTrip(t *testing.T) {
	rng := newLineRng(t)
	alphabet := []byte("OKFAILEVNT 0123456789ABCDEF:\r\n")
	for round := 0; round < 500; round++ {
		input := make([]byte, rng.Intn(300))
		for i := range input {
			input[i] = alphabet[rng.Intn(len(alphabet))]
		}
		var (
			lr     LineReader
			output bytes.Buffer
		)
		for rest := input; len(rest) > 0; {
			n := 1 + rng.Intn(len(rest))
			for _, line := range lr.Feed(rest[:n]) {
				require.Equal(t, byte('\n'), line[len(line)-1])
				require.Equal(t, 1, bytes.Count(line, []byte("\n")))
				output.Write(line)
			}
			rest = rest[n:]
		}
		remainder := lr.Flush()
		assert.NotContains(t, string(remainder), "\n")
		output.Write(remainder)
		require.Equal(t, string(input), output.String(), "round %d", round)
	}
}
