package process

import (
	"errors"
	"io"
	"runtime"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, dec *Decoder) []Unit {
	t.Helper()
	var units []Unit
	for {
		u, err := dec.Next()
		if errors.Is(err, io.EOF) {
			assert.Equal(t, Unit{}, u)
			return units
		}
		require.NoError(t, err)
		units = append(units, u)
	}
}

func TestDecoder(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		expUnits []Unit
	}{
		{
			name:  "plain lines",
			input: "a\nbb\n",
			expUnits: []Unit{
				{Text: "a\n"},
				{Text: "bb\n"},
			},
		},
		{
			name:     "empty line is not end of stream",
			input:    "\n\nx\n",
			expUnits: []Unit{{Text: "\n"}, {Text: "\n"}, {Text: "x\n"}},
		},
		{
			name:     "unterminated last line",
			input:    "a\nno newline",
			expUnits: []Unit{{Text: "a\n"}, {Text: "no newline"}},
		},
		{
			name:     "empty stream",
			input:    "",
			expUnits: nil,
		},
		{
			name:     "prompt",
			input:    "\xff\xff\xff\xff5\nhello",
			expUnits: []Unit{{Text: "hello", IsPrompt: true}},
		},
		{
			name:  "prompt payload spans lines",
			input: "before\n\xff\xff\xff\xff7\nab\ncd\n\nafter\n",
			expUnits: []Unit{
				{Text: "before\n"},
				{Text: "ab\ncd\n\n", IsPrompt: true},
				{Text: "after\n"},
			},
		},
		{
			name:     "prompt length tolerates CRLF and spaces",
			input:    "\xff\xff\xff\xff 2 \r\nok",
			expUnits: []Unit{{Text: "ok", IsPrompt: true}},
		},
		{
			name:     "zero length prompt",
			input:    "\xff\xff\xff\xff0\nx\n",
			expUnits: []Unit{{Text: "", IsPrompt: true}, {Text: "x\n"}},
		},
		{
			name:     "truncated prompt payload",
			input:    "\xff\xff\xff\xff10\nabc",
			expUnits: []Unit{{Text: "abc", IsPrompt: true}},
		},
		{
			name:     "marker not at start of line",
			input:    "x\xff\xff\xff\xff3\n",
			expUnits: []Unit{{Text: "x\xff\xff\xff\xff3\n"}},
		},
		{
			name:     "short marker",
			input:    "\xff\xff\xff3\n",
			expUnits: []Unit{{Text: "\xff\xff\xff3\n"}},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			units := readAll(t, NewPromptDecoder(strings.NewReader(c.input)))
			assert.Equal(t, c.expUnits, units)
		})
	}
}

func TestDecoderOneByteReads(t *testing.T) {
	input := "line\n\xff\xff\xff\xff5\nhello\xff\xff\xff\xff3\nabc"
	units := readAll(t, NewPromptDecoder(iotest.OneByteReader(strings.NewReader(input))))
	assert.Equal(t, []Unit{
		{Text: "line\n"},
		{Text: "hello", IsPrompt: true},
		{Text: "abc", IsPrompt: true},
	}, units)
}

func TestDecoderLargeDeclaredLength(t *testing.T) {
	dec := NewPromptDecoder(strings.NewReader("\xff\xff\xff\xff1500000000\nabc"))

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	unit, err := dec.Next()
	runtime.ReadMemStats(&after)

	require.NoError(t, err)
	assert.Equal(t, Unit{Text: "abc", IsPrompt: true}, unit)
	// only what arrived is buffered, not the declared length
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(1<<20))

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineDecoderIgnoresPrompts(t *testing.T) {
	units := readAll(t, NewLineDecoder(strings.NewReader("\xff\xff\xff\xff5\nhello")))
	assert.Equal(t, []Unit{
		{Text: "\xff\xff\xff\xff5\n"},
		{Text: "hello"},
	}, units)
}

func TestDecoderMalformedLength(t *testing.T) {
	for _, field := range []string{"abc", "", "-1", "1.5", "99999999999999999999"} {
		t.Run(field, func(t *testing.T) {
			dec := NewPromptDecoder(strings.NewReader("\xff\xff\xff\xff" + field + "\nrest\n"))
			_, err := dec.Next()
			var perr *ProtocolError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, field, string(perr.Field))
		})
	}
}

func TestDecoderDiscard(t *testing.T) {
	dec := NewPromptDecoder(strings.NewReader("\xff\xff\xff\xffzz\nrest of\nthe stream\n"))
	_, err := dec.Next()
	require.Error(t, err)

	n, err := dec.Discard()
	require.NoError(t, err)
	assert.EqualValues(t, len("rest of\nthe stream\n"), n)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderReadError(t *testing.T) {
	boom := errors.New("boom")
	dec := NewPromptDecoder(iotest.ErrReader(boom))
	_, err := dec.Next()
	assert.ErrorIs(t, err, boom)
}
