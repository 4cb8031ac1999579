package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	submit := SubmitJob{
		Type:       TypeSubmitJob,
		JobID:      "job-1",
		Endpoint:   "https://mcp.example.com/mcp",
		SubmitTool: "generate",
		SubmitArgs: map[string]any{"prompt": "a red panda"},
		StatusTool: "get_status",
		ResultTool: "get_result",
	}
	require.NoError(t, Write(&buf, &submit))

	msg, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, TypeSubmitJob, msg.Type)

	var got SubmitJob
	require.NoError(t, msg.Payload(&got))
	assert.Equal(t, submit.JobID, got.JobID)
	assert.Equal(t, submit.Endpoint, got.Endpoint)
	assert.Equal(t, "a red panda", got.SubmitArgs["prompt"])
}

func TestBareMessages(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, Bare(TypePing)))

	msg, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, TypePing, msg.Type)
}

func TestEncodeRejectsOversizedFrame(t *testing.T) {
	huge := ErrorMsg{Type: TypeError, Error: string(make([]byte, MaxMessageSize))}
	_, err := Encode(&huge)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadRejectsHostileHeader(t *testing.T) {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], MaxMessageSize+1)

	_, err := Read(bytes.NewReader(header[:]))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadTruncatedFrame(t *testing.T) {
	frame, err := Encode(Bare(TypeStatus))
	require.NoError(t, err)

	// Cut the frame mid-body.
	_, err = Read(bytes.NewReader(frame[:len(frame)-2]))
	assert.ErrorIs(t, err, ErrShortRead)

	// Cut the frame mid-header.
	_, err = Read(bytes.NewReader(frame[:2]))
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestReadCleanEOF(t *testing.T) {
	_, err := Read(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
}

func TestSubmitJobValidate(t *testing.T) {
	valid := SubmitJob{
		Endpoint:   "https://mcp.example.com/mcp",
		SubmitTool: "generate",
		StatusTool: "get_status",
		ResultTool: "get_result",
		SubmitArgs: map[string]any{},
	}
	assert.NoError(t, valid.Validate())

	missing := valid
	missing.StatusTool = ""
	err := missing.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status_tool")
}
