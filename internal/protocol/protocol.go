// Package protocol defines the framed wire format spoken between queue
// clients and the daemon over the unix socket.
//
// Every message is a 4-byte big-endian length prefix followed by that many
// bytes of UTF-8 JSON. The JSON object always carries a "type" field; the
// remaining fields are the payload of that message type. Frames larger than
// MaxMessageSize are rejected on both sides.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/asyncmcp/mcpqueue/internal/domain"
)

// HeaderSize is the length of the frame header in bytes.
const HeaderSize = 4

// MaxMessageSize caps a single frame at 10 MiB.
const MaxMessageSize = 10 * 1024 * 1024

// Message type constants.
const (
	TypePing           = "ping"
	TypePong           = "pong"
	TypeSubmitJob      = "submit_job"
	TypeJobAccepted    = "job_accepted"
	TypeJobCompleted   = "job_completed"
	TypeJobFailed      = "job_failed"
	TypeStatus         = "status"
	TypeStatusResponse = "status_response"
	TypeShutdown       = "shutdown"
	TypeShutdownAck    = "shutdown_ack"
	TypeError          = "error"
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds MaxMessageSize,
	// on encode or on decode of a hostile header.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum message size")

	// ErrShortRead is returned when the stream ends mid-header or mid-body.
	ErrShortRead = errors.New("protocol: short read (truncated frame)")
)

// Message is a decoded frame: the type plus the raw payload bytes, which
// callers unmarshal into the typed payload struct for that message type.
type Message struct {
	Type string
	Raw  json.RawMessage
}

// Payload unmarshals the message body into v.
func (m *Message) Payload(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// Envelope is the minimal shape every frame must have.
type Envelope struct {
	Type string `json:"type"`
}

// SubmitJob is the payload of a submit_job frame. Field names mirror the
// job model so a Job can be built directly from the request.
type SubmitJob struct {
	Type       string         `json:"type"`
	JobID      string         `json:"job_id,omitempty"`
	Endpoint   string         `json:"endpoint"`
	SubmitTool string         `json:"submit_tool"`
	SubmitArgs map[string]any `json:"submit_args"`
	StatusTool string         `json:"status_tool"`
	ResultTool string         `json:"result_tool"`

	Headers     map[string]string `json:"headers,omitempty"`
	IDParamName string            `json:"id_param_name,omitempty"`

	PollInterval float64 `json:"poll_interval,omitempty"`
	MaxPolls     int     `json:"max_polls,omitempty"`

	OutputDir      string `json:"output_dir,omitempty"`
	OutputFile     string `json:"output_file,omitempty"`
	AutoFilename   bool   `json:"auto_filename,omitempty"`
	SaveLogsToDir  bool   `json:"save_logs_to_dir,omitempty"`
	SaveLogsInline bool   `json:"save_logs_inline,omitempty"`
}

// Validate checks the required submit fields.
func (s *SubmitJob) Validate() error {
	switch {
	case s.Endpoint == "":
		return errors.New("missing required field: endpoint")
	case s.SubmitTool == "":
		return errors.New("missing required field: submit_tool")
	case s.StatusTool == "":
		return errors.New("missing required field: status_tool")
	case s.ResultTool == "":
		return errors.New("missing required field: result_tool")
	case s.SubmitArgs == nil:
		return errors.New("missing required field: submit_args")
	}
	return nil
}

// JobAccepted acknowledges a submit_job.
type JobAccepted struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// JobDone is the payload of job_completed and job_failed frames.
type JobDone struct {
	Type    string            `json:"type"`
	JobID   string            `json:"job_id"`
	Success bool              `json:"success"`
	Result  *domain.JobResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// StatusResponse carries a queue snapshot.
type StatusResponse struct {
	Type string `json:"type"`
	domain.QueueStatus
}

// ErrorMsg reports a per-request protocol error without closing the connection.
type ErrorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Encode frames a payload struct. The payload must marshal to a JSON object
// that already contains its "type" field (use the typed structs above, or
// Bare for payload-less types).
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if len(body) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	frame := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(len(body)))
	copy(frame[HeaderSize:], body)
	return frame, nil
}

// Bare returns a payload for a message type with no fields (ping, pong,
// status, shutdown, shutdown_ack).
func Bare(msgType string) Envelope {
	return Envelope{Type: msgType}
}

// Write encodes v and writes the full frame to w.
func Write(w io.Writer, v any) error {
	frame, err := Encode(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Read reads exactly one frame from r. A clean EOF before any header byte
// returns io.EOF so callers can distinguish normal disconnect; EOF anywhere
// else maps to ErrShortRead.
func Read(r io.Reader) (*Message, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortRead
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: header claims %d bytes", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortRead
		}
		return nil, fmt.Errorf("read body: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &Message{Type: env.Type, Raw: body}, nil
}
