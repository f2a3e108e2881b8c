// Memory pools and SSE framing shared by the translation layer.
package ir

import (
	"bytes"
	"strings"
	"sync"
)

var bytesBufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 1024))
	},
}

func GetBuffer() *bytes.Buffer {
	return bytesBufferPool.Get().(*bytes.Buffer)
}

// PutBuffer returns a buffer to the pool after resetting it.
func PutBuffer(buf *bytes.Buffer) {
	buf.Reset()
	bytesBufferPool.Put(buf)
}

// stringBuilderPool provides reusable strings.Builder instances for
// non-streaming assembly.
var stringBuilderPool = sync.Pool{
	New: func() any {
		b := &strings.Builder{}
		b.Grow(512)
		return b
	},
}

func GetStringBuilder() *strings.Builder {
	return stringBuilderPool.Get().(*strings.Builder)
}

// PutStringBuilder returns a string builder to the pool after resetting it.
func PutStringBuilder(sb *strings.Builder) {
	sb.Reset()
	stringBuilderPool.Put(sb)
}

// BuildSSEChunk frames a JSON payload as one text/event-stream data frame.
func BuildSSEChunk(jsonData []byte) []byte {
	size := 6 + len(jsonData) + 2 // "data: " + json + "\n\n"
	buf := make([]byte, 0, size)
	buf = append(buf, "data: "...)
	buf = append(buf, jsonData...)
	buf = append(buf, "\n\n"...)
	return buf
}

var doneFrame = []byte("data: [DONE]\n\n")

// SSEDone returns the literal stream-termination frame.
func SSEDone() []byte {
	return doneFrame
}
