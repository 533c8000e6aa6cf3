package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
)

// maxRepairs bounds how many NaN literals a single line may have rewritten.
// Each repair removes one NaN token, so a well-formed but heavily corrupted
// line terminates long before this; the cap guards against pathological input.
const maxRepairs = 64

var (
	nanLiteral  = []byte("NaN")
	nullLiteral = []byte("null")
)

// Decode decodes a raw worker line into a generic JSON object. Unquoted NaN
// literals, which the worker emits for undefined sensor readings, are
// rewritten to null one at a time at the offset reported by the decoder. It
// returns false for blank lines and anything still malformed after repair.
func Decode(line []byte) (map[string]any, bool) {
	var out map[string]any
	if !Unmarshal(line, &out) || out == nil {
		return nil, false
	}
	return out, true
}

// DecodeMessage decodes a worker stdout line. Malformed lines yield the empty
// Message and false; they are never reported as errors.
func DecodeMessage(line []byte) (Message, bool) {
	var msg Message
	if !Unmarshal(line, &msg) {
		return Message{}, false
	}
	return msg, true
}

// Unmarshal is json.Unmarshal with NaN repair. v is only written when the
// (possibly repaired) input is syntactically valid.
func Unmarshal(line []byte, v any) bool {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}
	return unmarshalRepaired(line, v, 0)
}

func unmarshalRepaired(data []byte, v any, depth int) bool {
	err := json.Unmarshal(data, v)
	if err == nil {
		return true
	}

	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) || depth >= maxRepairs {
		return false
	}

	at := nanAt(data, syntaxErr.Offset)
	if at < 0 {
		return false
	}

	repaired := make([]byte, 0, len(data)+1)
	repaired = append(repaired, data[:at]...)
	repaired = append(repaired, nullLiteral...)
	repaired = append(repaired, data[at+len(nanLiteral):]...)
	return unmarshalRepaired(repaired, v, depth+1)
}

// nanAt returns the index of the NaN literal the decoder tripped over, or -1.
// encoding/json reports the offset just past the offending byte, so the
// literal starts one byte before it; the neighbouring positions are checked
// for decoders that report the offset of the byte itself.
func nanAt(data []byte, offset int64) int {
	for _, start := range []int64{offset - 1, offset, offset - 2} {
		if start < 0 || start+int64(len(nanLiteral)) > int64(len(data)) {
			continue
		}
		if bytes.Equal(data[start:start+int64(len(nanLiteral))], nanLiteral) {
			return int(start)
		}
	}
	return -1
}
