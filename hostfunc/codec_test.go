package hostfunc

import (
	"bytes"
	"strings"
	"testing"
)

// wireExample is the canonical two-pair encoding of
// host=example.com, x-custom-relay=Fifteen.
func wireExample() []byte {
	b := []byte{
		0x02, 0x00, 0x00, 0x00, // pair count
		0x04, 0x00, 0x00, 0x00, 0x0b, 0x00, 0x00, 0x00, // host / example.com
		0x0e, 0x00, 0x00, 0x00, 0x07, 0x00, 0x00, 0x00, // x-custom-relay / Fifteen
	}
	return append(b, "host\x00example.com\x00x-custom-relay\x00Fifteen\x00"...)
}

func TestEncodeHeaderMapWireLayout(t *testing.T) {
	h := NewHeaderMap()
	h.Set("host", "example.com")
	h.Set("x-custom-relay", "Fifteen")

	if got, want := EncodeHeaderMap(h), wireExample(); !bytes.Equal(got, want) {
		t.Errorf("EncodeHeaderMap =\n% x\nwant\n% x", got, want)
	}
}

func TestEncodeHeaderMapEmpty(t *testing.T) {
	got := EncodeHeaderMap(NewHeaderMap())
	if want := []byte{0, 0, 0, 0}; !bytes.Equal(got, want) {
		t.Errorf("EncodeHeaderMap(empty) = % x, want % x", got, want)
	}
}

func TestHeaderMapCodecRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		pairs [][2]string
	}{
		{"empty", nil},
		{"single", [][2]string{{"host", "example.com"}}},
		{"case preserved", [][2]string{{"Host", "A"}, {"X-Custom-Relay", "B"}}},
		{"empty value", [][2]string{{"x-empty", ""}, {"x-next", "v"}}},
		{"order preserved", [][2]string{{"e", "5"}, {"a", "1"}, {"c", "3"}, {"b", "2"}, {"d", "4"}}},
		{"non-ascii", [][2]string{{"x-subject", "Grüße"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHeaderMap()
			for _, p := range tt.pairs {
				h.Set(p[0], p[1])
			}

			decoded, err := DecodeHeaderMap(EncodeHeaderMap(h))
			if err != nil {
				t.Fatalf("DecodeHeaderMap: %v", err)
			}
			got, want := pairsOf(decoded), pairsOf(h)
			if len(got) != len(want) {
				t.Fatalf("decoded %d pairs, want %d", len(got), len(want))
			}
			for i := range want {
				if got[i] != want[i] {
					t.Errorf("pair %d = %v, want %v", i, got[i], want[i])
				}
			}
		})
	}
}

func TestDecodeHeaderMapErrors(t *testing.T) {
	valid := wireExample()

	corrupt := func(i int, b byte) []byte {
		c := append([]byte(nil), valid...)
		c[i] = b
		return c
	}

	tests := []struct {
		name    string
		data    []byte
		wantErr string
	}{
		{"too short", []byte{0x01, 0x00}, "too short"},
		{"huge count", []byte{0xff, 0xff, 0xff, 0xff}, "size table truncated"},
		{"count past table", []byte{0x03, 0x00, 0x00, 0x00, 0x01, 0x00}, "size table truncated"},
		{"payload cut", valid[:len(valid)-3], "payload truncated at pair 1"},
		{"key terminator", corrupt(24, 'X'), "key missing NUL"},
		{"value terminator", corrupt(len(valid)-1, 'X'), "value missing NUL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeHeaderMap(tt.data)
			if err == nil {
				t.Fatal("DecodeHeaderMap succeeded on malformed input")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}
