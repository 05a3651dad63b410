package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ChildFD is the file descriptor the child writes its messages to. The
// parent reads them from the pipe attached there; stdin carries the parent's
// messages, and stdout/stderr stay plain log streams.
const ChildFD = 3

// Encoder writes newline-delimited messages.
type Encoder struct {
	enc *json.Encoder
}

// NewEncoder creates an Encoder on w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Send validates and writes one message.
func (e *Encoder) Send(msg Message) error {
	if err := validateMessage(&msg); err != nil {
		return err
	}
	if err := e.enc.Encode(&msg); err != nil {
		return fmt.Errorf("encode ipc message: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited messages, rejecting unknown tags.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a Decoder on r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Decoder{scanner: sc}
}

// Next reads one message. io.EOF is returned when the stream closes.
func (d *Decoder) Next() (*Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("decode ipc message: %w", err)
		}
		if err := validateMessage(&msg); err != nil {
			return nil, err
		}
		return &msg, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ipc stream: %w", err)
	}
	return nil, io.EOF
}

// validateMessage enforces the tagged-union contract.
func validateMessage(msg *Message) error {
	switch msg.Type {
	case TypeStart:
		if msg.Config == nil {
			return fmt.Errorf("start message missing config")
		}
	case TypeShutdown:
	case TypeReady:
		if msg.URL == "" || msg.Port == 0 {
			return fmt.Errorf("ready message missing url or port")
		}
	case TypeError:
		if msg.Error == "" {
			return fmt.Errorf("error message missing error")
		}
	default:
		return fmt.Errorf("unknown ipc message type %q", msg.Type)
	}
	return nil
}

// ChildChannel opens the child side of the IPC channel: parent messages
// arrive on stdin, child messages leave on the inherited pipe at ChildFD.
func ChildChannel() (*Decoder, *Encoder) {
	out := os.NewFile(ChildFD, "ipc")
	return NewDecoder(os.Stdin), NewEncoder(out)
}
