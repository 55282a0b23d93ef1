package process

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// promptMarker prefixes a line announcing a length-delimited prompt.
// The rest of the line is the payload length in ASCII decimal, e.g. "\xff\xff\xff\xff5\n" + "hello".
var promptMarker = []byte{0xFF, 0xFF, 0xFF, 0xFF}

// Unit is one decoded piece of child output.
type Unit struct {
	Text     string
	IsPrompt bool
}

// Decoder splits a child output stream into units.
// A Decoder is not safe for concurrent use; each pump owns its own.
type Decoder struct {
	r       *bufio.Reader
	prompts bool
}

// NewPromptDecoder returns a decoder that understands prompt framing.
func NewPromptDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r), prompts: true}
}

// NewLineDecoder returns a decoder that only does line framing.
// Marker bytes are passed through as ordinary text.
func NewLineDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next unit.
//
// Line units keep their trailing newline, if there was one. At end of stream Next
// returns an empty unit and io.EOF; an empty line is returned as "\n" with a nil error.
// A prompt header with a non-numeric length yields a *ProtocolError, after which
// the decoder should be abandoned.
func (d *Decoder) Next() (Unit, error) {
	line, err := d.r.ReadBytes('\n')
	if len(line) == 0 {
		if err == nil {
			err = io.EOF
		}
		return Unit{}, err
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return Unit{}, err
	}

	if !d.prompts || !bytes.HasPrefix(line, promptMarker) {
		// a final unterminated line is still a unit; EOF surfaces on the next call
		return Unit{Text: string(line)}, nil
	}

	field := bytes.TrimSpace(line[len(promptMarker):])
	n, perr := strconv.ParseUint(string(field), 10, 31)
	if perr != nil {
		return Unit{}, &ProtocolError{Field: field, Err: perr}
	}

	// grow with what actually arrives, not with what the header claims
	var payload bytes.Buffer
	_, err = io.CopyN(&payload, d.r, int64(n))
	if err != nil && !errors.Is(err, io.EOF) {
		return Unit{}, fmt.Errorf("reading %d byte prompt: %w", n, err)
	}
	// on EOF the child went away mid-prompt; hand over what arrived
	return Unit{Text: payload.String(), IsPrompt: true}, nil
}

// Discard reads and drops the rest of the stream, returning the number of bytes dropped.
func (d *Decoder) Discard() (int64, error) {
	return io.Copy(io.Discard, d.r)
}
