package storage

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestBadgerLogger(t *testing.T) {
	tests := []struct {
		name      string
		log       func(badgerLogger)
		wantLevel string
		wantMsg   string
	}{
		{"error", func(b badgerLogger) { b.Errorf("open %s\n", "vlog") }, "error", "open vlog"},
		{"warning", func(b badgerLogger) { b.Warningf("slow compaction %d", 3) }, "warn", "slow compaction 3"},
		{"info demoted", func(b badgerLogger) { b.Infof("replaying %d\n", 2) }, "debug", "replaying 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(badgerLogger{zerolog.New(&buf).Level(zerolog.DebugLevel)})

			var entry map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("decode log line %q: %v", buf.String(), err)
			}
			if entry["level"] != tt.wantLevel || entry["message"] != tt.wantMsg {
				t.Errorf("entry = %v, want %s %q", entry, tt.wantLevel, tt.wantMsg)
			}
		})
	}

	var buf bytes.Buffer
	badgerLogger{zerolog.New(&buf).Level(zerolog.DebugLevel)}.Debugf("noise")
	if buf.Len() != 0 {
		t.Errorf("debug chatter logged at debug level: %s", buf.String())
	}
}
