// Package benchmark provides performance benchmarks for the record codec
// and the block compression codecs.
package benchmark

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/rrmina/tabletunnel/internal/codec"
	"github.com/rrmina/tabletunnel/internal/compress"
	"github.com/rrmina/tabletunnel/internal/tunnel"
	"github.com/rrmina/tabletunnel/pkg/types"
)

var benchColumns = []types.Column{
	{Name: "id", Type: types.Bigint},
	{Name: "name", Type: types.String},
	{Name: "score", Type: types.Double},
	{Name: "active", Type: types.Boolean},
}

func benchRecords(n int) []*types.Record {
	recs := make([]*types.Record, n)
	for i := 0; i < n; i++ {
		recs[i] = types.RecordFromValues(benchColumns, []interface{}{
			int64(i), "user-" + strconv.Itoa(i), float64(i) * 1.5, i%2 == 0,
		})
	}
	return recs
}

func encodedBlock(b *testing.B, recs []*types.Record) []byte {
	b.Helper()
	enc := codec.NewRecordEncoder(benchColumns)
	for _, rec := range recs {
		if err := enc.Append(rec); err != nil {
			b.Fatal(err)
		}
	}
	return enc.Finish()
}

func BenchmarkRecordEncode(b *testing.B) {
	recs := benchRecords(1000)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		enc := codec.NewRecordEncoder(benchColumns)
		for _, rec := range recs {
			if err := enc.Append(rec); err != nil {
				b.Fatal(err)
			}
		}
		if len(enc.Finish()) == 0 {
			b.Fatal("empty block")
		}
	}
}

func BenchmarkRecordDecode(b *testing.B) {
	payload := encodedBlock(b, benchRecords(1000))
	b.SetBytes(int64(len(payload)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dec := codec.NewRecordDecoder(bytes.NewReader(payload), benchColumns, codec.Options{})
		for {
			if _, err := dec.Next(); err != nil {
				if err == io.EOF {
					break
				}
				b.Fatal(err)
			}
		}
	}
}

func BenchmarkCompress(b *testing.B) {
	payload := encodedBlock(b, benchRecords(1000))
	for _, algo := range []compress.Algorithm{
		compress.Zlib, compress.Snappy, compress.Zstd, compress.LZ4,
	} {
		b.Run(string(algo), func(b *testing.B) {
			b.SetBytes(int64(len(payload)))
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				var buf bytes.Buffer
				w, err := compress.NewWriter(&buf, algo)
				if err != nil {
					b.Fatal(err)
				}
				if _, err := w.Write(payload); err != nil {
					b.Fatal(err)
				}
				if err := w.Close(); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkTextParse(b *testing.B) {
	var sb strings.Builder
	sb.WriteString("id,name,score,active\n")
	for i := 0; i < 1000; i++ {
		sb.WriteString(strconv.Itoa(i))
		sb.WriteString(",user-")
		sb.WriteString(strconv.Itoa(i))
		sb.WriteString(",1.5,true\n")
	}
	input := sb.String()
	schema := &types.Schema{Columns: benchColumns}
	b.SetBytes(int64(len(input)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r, err := tunnel.NewTextReader(strings.NewReader(input), schema, codec.Options{})
		if err != nil {
			b.Fatal(err)
		}
		for {
			if _, err := r.Next(); err != nil {
				if err == io.EOF {
					break
				}
				b.Fatal(err)
			}
		}
	}
}
