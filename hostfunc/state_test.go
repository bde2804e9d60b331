package hostfunc

import (
	"io"
	"reflect"
	"testing"
)

func executingState(cfg StateConfig) *State {
	s := NewState(cfg)
	s.SetPhase(PhaseExecuting)
	return s
}

func TestStateLogPhase(t *testing.T) {
	s := NewState(StateConfig{})

	s.Log(LogLevelInfo, "during init")
	if got := s.Logs(); len(got) != 0 {
		t.Fatalf("captured %d entries during init, want 0", len(got))
	}

	s.SetPhase(PhaseExecuting)
	s.Log(LogLevelInfo, "during hook")
	want := []LogEntry{{Level: LogLevelInfo, Message: "during hook"}}
	if got := s.Logs(); !reflect.DeepEqual(got, want) {
		t.Errorf("Logs = %v, want %v", got, want)
	}
}

func TestStateLogMinLevel(t *testing.T) {
	s := executingState(StateConfig{MinLevel: LogLevelWarn})

	s.Log(LogLevelTrace, "a")
	s.Log(LogLevelInfo, "b")
	s.Log(LogLevelWarn, "c")
	s.Log(LogLevelCritical, "d")

	want := []LogEntry{
		{Level: LogLevelWarn, Message: "c"},
		{Level: LogLevelCritical, Message: "d"},
	}
	if got := s.Logs(); !reflect.DeepEqual(got, want) {
		t.Errorf("Logs = %v, want %v", got, want)
	}
}

func TestStateLogsIsCopy(t *testing.T) {
	s := executingState(StateConfig{})
	s.Log(LogLevelInfo, "one")

	got := s.Logs()
	got[0].Message = "tampered"

	if s.Logs()[0].Message != "one" {
		t.Error("Logs exposes internal slice")
	}
}

func TestConsoleWriterLines(t *testing.T) {
	tests := []struct {
		name   string
		writes []string
		flush  bool
		want   []string
	}{
		{"single line", []string{"hello\n"}, false, []string{"hello"}},
		{"split across writes", []string{"hel", "lo\nwor", "ld\n"}, false, []string{"hello", "world"}},
		{"crlf", []string{"dos line\r\n"}, false, []string{"dos line"}},
		{"blank lines skipped", []string{"a\n\n\nb\n"}, false, []string{"a", "b"}},
		{"trailing partial needs flush", []string{"no newline"}, true, []string{"no newline"}},
		{"trailing partial without flush", []string{"no newline"}, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := executingState(StateConfig{})
			for _, w := range tt.writes {
				if _, err := io.WriteString(s.Stdout(), w); err != nil {
					t.Fatalf("write: %v", err)
				}
			}
			if tt.flush {
				s.FlushStdio()
			}

			var got []string
			for _, e := range s.Logs() {
				if e.Level != LogLevelInfo {
					t.Errorf("stdout line captured at %v, want info", e.Level)
				}
				got = append(got, e.Message)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("lines = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConsoleWriterStderrLevel(t *testing.T) {
	s := executingState(StateConfig{})
	io.WriteString(s.Stderr(), "boom\n")

	logs := s.Logs()
	if len(logs) != 1 || logs[0].Level != LogLevelError || logs[0].Message != "boom" {
		t.Errorf("Logs = %v, want one error entry %q", logs, "boom")
	}
}

func TestStateBuffers(t *testing.T) {
	s := executingState(StateConfig{
		RequestBody:  []byte("req"),
		ResponseBody: []byte("resp"),
		VMConfig:     []byte("vm"),
		PluginConfig: []byte("plugin"),
	})

	tests := []struct {
		name         string
		t            BufferType
		want         string
		wantReadOnly bool
		wantOK       bool
	}{
		{"request body", BufferRequestBody, "req", false, true},
		{"response body", BufferResponseBody, "resp", false, true},
		{"vm config", BufferVMConfig, "vm", true, true},
		{"plugin config", BufferPluginConfig, "plugin", true, true},
		{"unknown", BufferType(4), "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, readOnly, ok := s.Buffer(tt.t)
			if ok != tt.wantOK || readOnly != tt.wantReadOnly || string(b) != tt.want {
				t.Errorf("Buffer(%d) = %q, %v, %v; want %q, %v, %v",
					tt.t, b, readOnly, ok, tt.want, tt.wantReadOnly, tt.wantOK)
			}
		})
	}
}

func TestStateSetBuffer(t *testing.T) {
	s := executingState(StateConfig{RequestBody: []byte("old")})

	if !s.SetBuffer(BufferRequestBody, []byte("new")) {
		t.Fatal("SetBuffer(request body) = false")
	}
	if b, _, _ := s.Buffer(BufferRequestBody); string(b) != "new" {
		t.Errorf("body = %q, want new", b)
	}

	if s.SetBuffer(BufferVMConfig, []byte("x")) {
		t.Error("SetBuffer accepted a write to a config buffer")
	}
}

func TestStateMapDefaults(t *testing.T) {
	s := NewState(StateConfig{})
	for _, mt := range []MapType{MapRequestHeaders, MapRequestTrailers, MapResponseHeaders, MapResponseTrailers} {
		m, ok := s.Map(mt)
		if !ok || m == nil {
			t.Errorf("Map(%d) = %v, %v; want empty map, true", mt, m, ok)
			continue
		}
		if m.Len() != 0 {
			t.Errorf("Map(%d).Len = %d, want 0", mt, m.Len())
		}
	}
	if _, ok := s.Map(MapType(8)); ok {
		t.Error("Map(8) = ok, want false")
	}
}
