// Package wire implements the translation protocol's packet framing: a
// 4-byte big-endian length prefix followed by a CBOR-encoded Packet, sent
// over a long-lived connection to the translation server. CBOR (rather
// than the bespoke binary packet-list encoding the original protocol
// used) keeps the payload self-describing while staying a compact binary
// format.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxPacketSize bounds a single encoded Packet to guard against a
// misbehaving translation server exhausting memory.
const MaxPacketSize = 16 * 1024 * 1024

// Command names one request/response packet's purpose.
type Command string

const (
	CommandRequest    Command = "REQUEST"
	CommandResponse   Command = "RESPONSE"
	CommandBase       Command = "BASE"
	CommandRegex      Command = "REGEX"
	CommandInvalidate Command = "INVALIDATE"
)

// Packet is one translation-protocol message.
type Packet struct {
	Command Command           `cbor:"cmd"`
	Fields  map[string]string `cbor:"fields,omitempty"`
	// MaxAgeSeconds is the cache lifetime hint for CommandResponse packets
	// (0 means "use the default").
	MaxAgeSeconds int64 `cbor:"max_age,omitempty"`
}

// WritePacket frames and writes p to w.
func WritePacket(w io.Writer, p *Packet) error {
	body, err := cbor.Marshal(p)
	if err != nil {
		return err
	}
	if len(body) > MaxPacketSize {
		return fmt.Errorf("wire: packet too large (%d bytes)", len(body))
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadPacket reads one framed Packet from r.
func ReadPacket(r *bufio.Reader) (*Packet, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header)
	if size > MaxPacketSize {
		return nil, fmt.Errorf("wire: packet too large (%d bytes)", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	p := &Packet{}
	if err := cbor.Unmarshal(body, p); err != nil {
		return nil, err
	}
	return p, nil
}
