package hostfunc

import (
	"encoding/json"
	"testing"
)

func TestLogLevelString(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  string
	}{
		{LogLevelTrace, "trace"},
		{LogLevelDebug, "debug"},
		{LogLevelInfo, "info"},
		{LogLevelWarn, "warn"},
		{LogLevelError, "error"},
		{LogLevelCritical, "critical"},
		{LogLevel(9), "level(9)"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("LogLevel(%d).String() = %q, want %q", uint32(tt.level), got, tt.want)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"", LogLevelTrace, false},
		{"trace", LogLevelTrace, false},
		{"warn", LogLevelWarn, false},
		{"critical", LogLevelCritical, false},
		{"WARN", 0, true},
		{"fatal", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogEntryJSON(t *testing.T) {
	raw, err := json.Marshal(LogEntry{Level: LogLevelWarn, Message: "slow upstream"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"level":"warn","message":"slow upstream"}`
	if string(raw) != want {
		t.Errorf("Marshal = %s, want %s", raw, want)
	}

	var entry LogEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if entry.Level != LogLevelWarn || entry.Message != "slow upstream" {
		t.Errorf("Unmarshal = %+v", entry)
	}
}
