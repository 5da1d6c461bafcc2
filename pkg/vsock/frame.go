// Package vsock implements the Vsock Transport (spec §4.3): a
// length-prefixed request/response/event protocol running over a single
// AF_VSOCK connection to the in-guest agent shim, grounded on
// techsavvyash-aetherium's pkg/vmm/firecracker/exec.go connection pattern
// but generalized from its line-delimited JSON to length-prefixed framing
// so arbitrary byte payloads (file writes) don't need escaping.
package vsock

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// frameKind tags the three message shapes spec §6.2 defines.
type frameKind string

const (
	kindRequest  frameKind = "request"
	kindResponse frameKind = "response"
	kindEvent    frameKind = "event"
)

// envelope is the outer shape every frame shares; Body is re-parsed based
// on Kind.
type envelope struct {
	Kind frameKind       `json:"kind"`
	Body json.RawMessage `json:"body"`
}

type requestBody struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

type responseBody struct {
	ID    uint64          `json:"id"`
	OK    bool            `json:"ok"`
	Value json.RawMessage `json:"value,omitempty"`
	Error *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

type eventBody struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// maxFrameSize bounds a single frame; guards against a corrupt length
// prefix turning into an unbounded allocation.
const maxFrameSize = 64 * 1024 * 1024

func writeFrame(w io.Writer, v envelope) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(data)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return envelope{}, err
	}

	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return envelope{}, fmt.Errorf("frame too large: %d bytes", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return envelope{}, err
	}

	var env envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return envelope{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	return env, nil
}
