package stomp

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/go-stomp/stomp/v3/frame"
)

var (
	// ErrHeartbeat is returned by Decode for a frame made only of EOLs.
	ErrHeartbeat = errors.New("stomp: heartbeat")
	// ErrMalformed is wrapped by every decoding error.
	ErrMalformed = errors.New("stomp: malformed frame")
)

// HeartbeatPayload is the wire form of a transport level heartbeat.
var HeartbeatPayload = []byte{'\n'}

// Encode serialises f as one WebSocket message.
func Encode(f Frame) []byte {
	out := &frame.Frame{Command: f.Command, Header: f.Header, Body: f.Body}
	if out.Header == nil {
		out.Header = frame.NewHeader()
	}

	var buf bytes.Buffer
	// writes to a bytes.Buffer cannot fail
	_ = frame.NewWriter(&buf).Write(out)
	return buf.Bytes()
}

// Decode parses the single frame carried by one WebSocket message. Leading
// EOLs are skipped.
func Decode(data []byte) (Frame, error) {
	if len(bytes.Trim(data, "\r\n")) == 0 {
		return Frame{}, ErrHeartbeat
	}

	r := frame.NewReader(bytes.NewReader(data))
	for {
		f, err := r.Read()
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if f == nil {
			// heart-beat EOL before the frame
			continue
		}
		if f.Command == "" {
			return Frame{}, fmt.Errorf("%w: empty command", ErrMalformed)
		}
		return Frame{Command: f.Command, Header: f.Header, Body: f.Body}, nil
	}
}
