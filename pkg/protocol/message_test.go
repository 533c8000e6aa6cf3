package protocol_test

import (
	"testing"

	"beamhost/pkg/protocol"
)

func TestMessageTypes(t *testing.T) {
	t.Parallel()

	if protocol.MsgReady != "ready" || protocol.MsgLog != "log" {
		t.Errorf("unexpected message type values %q, %q", protocol.MsgReady, protocol.MsgLog)
	}
}

func TestMessageEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
		want bool
	}{
		{"ready", `{"type":"ready","port":8000}`, false},
		{"log", `{"type":"log","level":"info","message":"hi"}`, false},
		{"no type", `{"port":8000}`, true},
		{"other object", `{"status":"ok"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, ok := protocol.DecodeMessage([]byte(tt.line))
			if !ok {
				t.Fatalf("DecodeMessage(%s) failed", tt.line)
			}
			if msg.Empty() != tt.want {
				t.Errorf("Empty() = %v, want %v", msg.Empty(), tt.want)
			}
		})
	}
}
