package chat

import (
	"bytes"

	"github.com/bytedance/sonic"
)

var (
	dataPrefix   = []byte("data: ")
	doneSentinel = []byte("[DONE]")
)

// Decoder turns the assistant's event stream into content deltas. Bytes that
// do not yet form a complete line are kept until the next Feed, so chunks
// may split lines, JSON payloads or UTF-8 sequences anywhere.
type Decoder struct {
	buf []byte
}

// Feed appends chunk to the pending bytes and returns the non-empty deltas
// decoded from every complete line, in arrival order.
//
// A "data: [DONE]" line ends scanning for this chunk. A payload that is not
// valid JSON is put back in front of the pending bytes and scanning stops
// until more data arrives.
func (d *Decoder) Feed(chunk []byte) []string {
	d.buf = append(d.buf, chunk...)
	var deltas []string
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := d.buf[:idx]
		rest := d.buf[idx+1:]
		d.buf = rest

		line = bytes.TrimSuffix(line, []byte{'\r'})
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if bytes.Equal(payload, doneSentinel) {
			break
		}
		if !sonic.Valid(payload) {
			pending := make([]byte, 0, len(line)+1+len(rest))
			pending = append(pending, line...)
			pending = append(pending, '\n')
			d.buf = append(pending, rest...)
			break
		}
		if delta := frameDelta(payload); delta != "" {
			deltas = append(deltas, delta)
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return deltas
}

// Pending reports how many bytes are waiting for a line terminator.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Reset drops any pending bytes.
func (d *Decoder) Reset() {
	d.buf = nil
}

// frameDelta reads choices[0].delta.content and nothing else, so unexpected
// sibling fields never hide the text.
func frameDelta(payload []byte) string {
	node, err := sonic.Get(payload, "choices", 0, "delta", "content")
	if err != nil {
		return ""
	}
	content, err := node.StrictString()
	if err != nil {
		return ""
	}
	return content
}
