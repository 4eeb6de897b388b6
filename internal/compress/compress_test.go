package compress

import (
	"bytes"
	"io"
	"testing"
)

var algorithms = []Algorithm{None, Zlib, Snappy, Zstd, LZ4}

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("tunnel block payload "), 200)
	for _, algo := range algorithms {
		name := string(algo)
		if name == "" {
			name = "none"
		}
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewWriter(&buf, algo)
			if err != nil {
				t.Fatalf("writer: %v", err)
			}
			if _, err := w.Write(payload); err != nil {
				t.Fatalf("write: %v", err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			r, err := NewReader(bytes.NewReader(buf.Bytes()), algo)
			if err != nil {
				t.Fatalf("reader: %v", err)
			}
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if err := r.Close(); err != nil {
				t.Fatalf("reader close: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("round trip mismatch: %d bytes, want %d", len(got), len(payload))
			}
			if algo != None && buf.Len() >= len(payload) {
				t.Fatalf("compressed %d bytes not smaller than %d raw", buf.Len(), len(payload))
			}
		})
	}
}

func TestEncodingMapping(t *testing.T) {
	for _, algo := range algorithms {
		back, err := ByEncoding(Encoding(algo))
		if err != nil {
			t.Fatalf("%q: %v", algo, err)
		}
		if back != algo {
			t.Fatalf("encoding of %q resolved to %q", algo, back)
		}
	}
	if _, err := ByEncoding("gzip"); err == nil {
		t.Fatal("expected error for unknown encoding")
	}
}

func TestValidate(t *testing.T) {
	for _, algo := range algorithms {
		if err := Validate(algo); err != nil {
			t.Fatalf("%q: %v", algo, err)
		}
	}
	if err := Validate("brotli"); err == nil {
		t.Fatal("expected error for unknown algorithm")
	}
	if _, err := NewWriter(io.Discard, "brotli"); err == nil {
		t.Fatal("expected writer error for unknown algorithm")
	}
}
