package compress

import (
	"bytes"
	"slices"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func TestRoundTrip(t *testing.T) {
	large := bytes.Repeat([]byte("hello world "), 1000)

	tests := []struct {
		name    string
		alg     string
		data    []byte
		shrinks bool
	}{
		{name: "Success: gzip small", alg: "gzip", data: []byte("hello world")},
		{name: "Success: gzip large", alg: "gzip", data: large, shrinks: true},
		{name: "Success: snappy small", alg: "snappy", data: []byte("hello world")},
		{name: "Success: snappy large", alg: "snappy", data: large, shrinks: true},
		{name: "Success: zstd small", alg: "zstd", data: []byte("hello world")},
		{name: "Success: zstd large", alg: "zstd", data: large, shrinks: true},
		{name: "Success: none passthrough", alg: None, data: []byte("hello world")},
		{name: "Success: empty data", alg: "zstd", data: nil},
	}

	for _, test := range tests {
		compressed, err := Compress(test.alg, test.data)
		if err != nil {
			t.Errorf("[TestRoundTrip](%s): Compress got err == %s, want err == nil", test.name, err)
			continue
		}
		if test.shrinks && len(compressed) >= len(test.data) {
			t.Errorf("[TestRoundTrip](%s): compressed size %d >= original size %d", test.name, len(compressed), len(test.data))
		}

		decompressed, err := Decompress(test.alg, compressed)
		if err != nil {
			t.Errorf("[TestRoundTrip](%s): Decompress got err == %s, want err == nil", test.name, err)
			continue
		}
		if len(test.data) == 0 {
			if len(decompressed) != 0 {
				t.Errorf("[TestRoundTrip](%s): got len %d, want 0", test.name, len(decompressed))
			}
			continue
		}
		if diff := pretty.Compare(test.data, decompressed); diff != "" {
			t.Errorf("[TestRoundTrip](%s): roundtrip mismatch (-want +got):\n%s", test.name, diff)
		}
	}
}

// reverse is a compressor used to test custom registration.
type reverse struct{}

func (reverse) Name() string { return "reverse" }

func (reverse) Compress(data []byte) ([]byte, error) {
	out := slices.Clone(data)
	slices.Reverse(out)
	return out, nil
}

func (r reverse) Decompress(data []byte) ([]byte, error) {
	return r.Compress(data)
}

func TestRegistry(t *testing.T) {
	Register(reverse{})

	compressed, err := Compress("reverse", []byte("abc"))
	if err != nil || string(compressed) != "cba" {
		t.Fatalf("[TestRegistry]: Compress() = %q, %v", compressed, err)
	}
	if !slices.Contains(Names(), "reverse") {
		t.Errorf("[TestRegistry]: Names() does not list the custom compressor")
	}

	for _, name := range []string{"gzip", "snappy", "zstd"} {
		if Get(name) == nil {
			t.Errorf("[TestRegistry]: built-in %q not registered", name)
		}
	}

	if _, err := Compress("nope", []byte("data")); err == nil {
		t.Errorf("[TestRegistry]: Compress with unregistered name: got err == nil, want err != nil")
	}
	if _, err := Decompress("nope", []byte("data")); err == nil {
		t.Errorf("[TestRegistry]: Decompress with unregistered name: got err == nil, want err != nil")
	}
}
