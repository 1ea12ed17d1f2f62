package telephony

import (
	"bufio"
	"fmt"
	"io"
)

// The voice stack's control socket frames every JSON payload as a
// netstring: <length>:<payload>,
//
// Frames larger than maxFrame indicate a desynchronized or hostile
// peer; the decoder fails hard so the caller can reconnect.
const maxFrame = 1 << 20

// NetstringEncoder writes netstring-framed payloads to a stream.
type NetstringEncoder struct {
	w io.Writer
}

func NewNetstringEncoder(w io.Writer) *NetstringEncoder {
	return &NetstringEncoder{w: w}
}

// Encode writes one frame. Not safe for concurrent use; callers
// serialize writes.
func (e *NetstringEncoder) Encode(payload []byte) error {
	if _, err := fmt.Fprintf(e.w, "%d:", len(payload)); err != nil {
		return err
	}
	if _, err := e.w.Write(payload); err != nil {
		return err
	}
	_, err := e.w.Write([]byte{','})
	return err
}

// NetstringDecoder reads netstring-framed payloads from a stream.
type NetstringDecoder struct {
	r *bufio.Reader
}

func NewNetstringDecoder(r io.Reader) *NetstringDecoder {
	return &NetstringDecoder{r: bufio.NewReader(r)}
}

// Decode reads the next frame and returns its payload without framing.
// A malformed length header or missing trailing comma is a framing
// error; the connection is unusable after one.
func (d *NetstringDecoder) Decode() ([]byte, error) {
	n, err := d.readLength()
	if err != nil {
		return nil, err
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, fmt.Errorf("reading %d-byte frame: %w", n, err)
	}

	term, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}
	if term != ',' {
		return nil, fmt.Errorf("netstring frame missing terminator, got %q", term)
	}
	return payload, nil
}

func (d *NetstringDecoder) readLength() (int, error) {
	n := 0
	digits := 0
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return 0, err
		}
		if b == ':' {
			if digits == 0 {
				return 0, fmt.Errorf("netstring frame with empty length")
			}
			return n, nil
		}
		if b < '0' || b > '9' {
			return 0, fmt.Errorf("invalid netstring length byte %q", b)
		}
		n = n*10 + int(b-'0')
		digits++
		if n > maxFrame {
			return 0, fmt.Errorf("netstring frame exceeds %d bytes", maxFrame)
		}
	}
}
