package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/rrmina/tabletunnel/internal/codec"
	"github.com/rrmina/tabletunnel/internal/compress"
	"github.com/rrmina/tabletunnel/internal/errors"
	"github.com/rrmina/tabletunnel/internal/transport"
	"github.com/rrmina/tabletunnel/pkg/types"
)

// fakeTransport scripts the tunnel service for tests: it keeps per-session
// block state, serves ranged reads from committed rows, applies upsert
// buckets with version semantics, and can inject stream failures.
type fakeTransport struct {
	mu      sync.Mutex
	version int
	schema  *types.Schema

	rows [][]interface{} // committed table data

	blocks     map[int64][]*types.Record // uploaded blocks of the one live upload session
	committed  []int64
	aborted    bool
	streamRows []*types.Record

	upserted map[string]upsertRow

	sendMetrics  bool
	createStatus Status // overrides the status of created sessions when set
	plainTable   bool   // serve the table as non-transactional (no primary keys)

	// failure injection for download data calls
	failNextReads  int // number of data calls that fail mid-stream
	failAfterRows  int // rows served before the injected failure
	initiatingHits int // data calls answered with initiating status before serving

	dataRanges [][2]int64 // observed (start, count) of every data call
	quotaSeen  []string
}

type upsertRow struct {
	version int64
	vals    []interface{}
	deleted bool
}

func newFakeTransport(schema *types.Schema) *fakeTransport {
	return &fakeTransport{
		version:  transport.MaxProtocolVersion,
		schema:   schema,
		blocks:   make(map[int64][]*types.Record),
		upserted: make(map[string]upsertRow),
	}
}

func (f *fakeTransport) schemaPayload() *schemaPayload {
	p := &schemaPayload{}
	for _, c := range f.schema.Columns {
		p.Columns = append(p.Columns, columnPayload{Name: c.Name, Type: c.Type.String()})
	}
	for _, c := range f.schema.Partitions {
		p.Partitions = append(p.Partitions, columnPayload{Name: c.Name, Type: c.Type.String()})
	}
	return p
}

func (f *fakeTransport) respond(payload interface{}, header http.Header) (*transport.Response, error) {
	if header == nil {
		header = http.Header{}
	}
	header.Set(transport.HeaderVersion, strconv.Itoa(f.version))
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &transport.Response{
		Status: http.StatusOK,
		Header: header,
		Body:   io.NopCloser(bytes.NewReader(body)),
	}, nil
}

func (f *fakeTransport) session(id string, extra func(*sessionPayload)) (*transport.Response, error) {
	status := StatusNormal
	if f.createStatus != "" {
		status = f.createStatus
	}
	p := &sessionPayload{ID: id, Status: string(status), QuotaName: "q", Schema: f.schemaPayload()}
	if extra != nil {
		extra(p)
	}
	return f.respond(p, nil)
}

func (f *fakeTransport) Do(_ context.Context, req *transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if q := req.Query.Get("quotaName"); q != "" {
		f.quotaSeen = append(f.quotaSeen, q)
	}

	switch {
	case req.Method == http.MethodPost && req.Query.Has("uploads"):
		return f.session("up-1", nil)
	case req.Method == http.MethodPost && req.Query.Has("streams"):
		return f.session("st-1", nil)
	case req.Method == http.MethodPost && req.Query.Has("downloads"):
		return f.session("dl-1", func(p *sessionPayload) { p.RecordCount = int64(len(f.rows)) })
	case req.Method == http.MethodPost && req.Query.Has("upserts"):
		return f.session("ups-1", func(p *sessionPayload) {
			if !f.plainTable {
				p.PrimaryKeys = []string{f.schema.Columns[0].Name}
				p.SlotCount = 4
			}
		})

	case req.Method == http.MethodPut && strings.Contains(req.Path, "/uploads/up-1/blocks/"):
		return f.handleBlockPut(req)
	case req.Method == http.MethodPost && strings.Contains(req.Path, "/uploads/up-1") && req.Query.Has("commit"):
		return f.handleCommit(req)
	case req.Method == http.MethodPost && strings.Contains(req.Path, "/uploads/up-1") && req.Query.Has("abort"):
		f.aborted = true
		return f.session("up-1", func(p *sessionPayload) { p.Status = string(StatusClosed) })
	case req.Method == http.MethodGet && strings.Contains(req.Path, "/uploads/up-1"):
		return f.session("up-1", func(p *sessionPayload) { p.Blocks = f.knownBlocks() })

	case req.Method == http.MethodPut && strings.Contains(req.Path, "/streams/st-1"):
		return f.handleStreamPut(req)
	case req.Method == http.MethodPost && strings.Contains(req.Path, "/streams/st-1") && req.Query.Has("abort"):
		f.aborted = true
		return f.session("st-1", func(p *sessionPayload) { p.Status = string(StatusClosed) })
	case req.Method == http.MethodPost && strings.Contains(req.Path, "/streams/st-1") && req.Query.Has("commit"):
		f.rows = append(f.rows, recordsToRows(f.streamRows)...)
		return f.session("st-1", func(p *sessionPayload) { p.Status = string(StatusClosed) })

	case req.Method == http.MethodGet && strings.Contains(req.Path, "/downloads/dl-1") && req.Query.Has("data"):
		return f.handleData(req)
	case req.Method == http.MethodGet && strings.Contains(req.Path, "/downloads/dl-1"):
		return f.session("dl-1", func(p *sessionPayload) { p.RecordCount = int64(len(f.rows)) })

	case req.Method == http.MethodPut && strings.Contains(req.Path, "/upserts/ups-1/buckets/"):
		return f.handleBucketPut(req)
	case req.Method == http.MethodPost && strings.Contains(req.Path, "/upserts/ups-1") && req.Query.Has("commit"):
		return f.session("ups-1", func(p *sessionPayload) { p.Status = string(StatusClosed) })
	case req.Method == http.MethodPost && strings.Contains(req.Path, "/upserts/ups-1") && req.Query.Has("abort"):
		return f.session("ups-1", func(p *sessionPayload) { p.Status = string(StatusClosed) })

	case req.Method == http.MethodGet && req.Query.Has("preview"):
		return f.handlePreview(req)
	}
	return nil, errors.NewProtocolError(errors.CodeRequestRejected,
		fmt.Sprintf("fake: unhandled %s %s?%s", req.Method, req.Path, req.Query.Encode()))
}

func (f *fakeTransport) decodeBody(req *transport.Request, columns []types.Column) ([]*types.Record, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	alg := compress.None
	if enc := req.Header.Get("Content-Encoding"); enc != "" {
		if alg, err = compress.ByEncoding(enc); err != nil {
			return nil, err
		}
	}
	cr, err := compress.NewReader(bytes.NewReader(body), alg)
	if err != nil {
		return nil, err
	}
	dec := codec.NewRecordDecoder(cr, columns, codec.Options{AllowAntiqueDate: true})
	var recs []*types.Record
	for {
		rec, err := dec.Next()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
}

func (f *fakeTransport) handleBlockPut(req *transport.Request) (*transport.Response, error) {
	idStr := req.Path[strings.LastIndex(req.Path, "/")+1:]
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return nil, errors.NewProtocolError(errors.CodeRequestRejected, "fake: bad block id")
	}
	recs, err := f.decodeBody(req, f.schema.Columns)
	if err != nil {
		return nil, errors.NewProtocolError(errors.CodeRequestRejected, err.Error())
	}
	f.blocks[id] = recs
	p := &sessionPayload{ID: "up-1", Status: string(StatusNormal)}
	if f.sendMetrics && f.version >= transport.MetricsProtocolVersion {
		p.Metrics = &metricsPayload{TunnelProcessCostMs: 3, StorageCostMs: 2, BytesReceived: 128}
	}
	return f.respond(p, nil)
}

func (f *fakeTransport) knownBlocks() []int64 {
	ids := make([]int64, 0, len(f.blocks))
	for id := range f.blocks {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeTransport) handleCommit(req *transport.Request) (*transport.Response, error) {
	var p commitPayload
	if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
		return nil, errors.NewProtocolError(errors.CodeRequestRejected, "fake: bad commit body")
	}
	if len(p.Blocks) != len(f.blocks) {
		return nil, errors.NewProtocolError(errors.CodeBlockMismatch, "fake: block set mismatch")
	}
	for _, id := range p.Blocks {
		recs, ok := f.blocks[id]
		if !ok {
			return nil, errors.NewProtocolError(errors.CodeBlockMismatch, "fake: unknown block")
		}
		f.rows = append(f.rows, recordsToRows(recs)...)
	}
	f.committed = p.Blocks
	return f.session("up-1", func(sp *sessionPayload) { sp.Status = string(StatusClosed) })
}

func (f *fakeTransport) handleStreamPut(req *transport.Request) (*transport.Response, error) {
	recs, err := f.decodeBody(req, f.schema.Columns)
	if err != nil {
		return nil, errors.NewProtocolError(errors.CodeRequestRejected, err.Error())
	}
	f.streamRows = append(f.streamRows, recs...)
	return f.session("st-1", nil)
}

// handleData serves [start, start+count) from committed rows, honoring
// projection, the initiating delay and mid-stream failure injection.
func (f *fakeTransport) handleData(req *transport.Request) (*transport.Response, error) {
	if f.initiatingHits > 0 {
		f.initiatingHits--
		h := http.Header{}
		h.Set(headerSessionStatus, string(StatusInitiating))
		return f.respond(&sessionPayload{ID: "dl-1", Status: string(StatusInitiating)}, h)
	}

	start, _ := strconv.ParseInt(req.Query.Get("start"), 10, 64)
	count, _ := strconv.ParseInt(req.Query.Get("count"), 10, 64)
	f.dataRanges = append(f.dataRanges, [2]int64{start, count})

	columns := f.schema.Columns
	if names := req.Query.Get("columns"); names != "" {
		var err error
		columns, err = f.schema.Project(strings.Split(names, ","))
		if err != nil {
			return nil, errors.NewProtocolError(errors.CodeRequestRejected, err.Error())
		}
	}

	end := start + count
	if end > int64(len(f.rows)) {
		end = int64(len(f.rows))
	}
	serveRows := f.rows[start:end]

	failAfter := -1
	if f.failNextReads > 0 {
		f.failNextReads--
		failAfter = f.failAfterRows
	}

	enc := codec.NewRecordEncoder(columns)
	var failOffset int
	for i, row := range serveRows {
		vals := row
		if len(columns) != len(f.schema.Columns) {
			vals = projectRow(f.schema, columns, row)
		}
		if err := enc.Append(types.RecordFromValues(columns, vals)); err != nil {
			return nil, errors.NewProtocolError(errors.CodeRequestRejected, err.Error())
		}
		if failAfter >= 0 && i+1 == failAfter {
			failOffset = enc.Len()
		}
	}
	payload := enc.Finish()

	body := io.ReadCloser(io.NopCloser(bytes.NewReader(payload)))
	if failAfter >= 0 {
		body = io.NopCloser(&brokenReader{data: payload[:failOffset]})
	}
	return &transport.Response{
		Status: http.StatusOK,
		Header: http.Header{transport.HeaderVersion: {strconv.Itoa(f.version)}},
		Body:   body,
	}, nil
}

func (f *fakeTransport) handleBucketPut(req *transport.Request) (*transport.Response, error) {
	wire := append(append([]types.Column(nil), f.schema.Columns...), upsertMetaColumns...)
	recs, err := f.decodeBody(req, wire)
	if err != nil {
		return nil, errors.NewProtocolError(errors.CodeRequestRejected, err.Error())
	}
	n := len(f.schema.Columns)
	for _, rec := range recs {
		vals := rec.Values()
		key := fmt.Sprintf("%v", vals[0])
		op := vals[n].(int64)
		version := vals[n+1].(int64)
		if existing, ok := f.upserted[key]; ok && version <= existing.version {
			continue // retransmitted duplicate
		}
		f.upserted[key] = upsertRow{
			version: version,
			vals:    append([]interface{}(nil), vals[:n]...),
			deleted: op == opDelete,
		}
	}
	return f.session("ups-1", nil)
}

func (f *fakeTransport) handlePreview(req *transport.Request) (*transport.Response, error) {
	limit, _ := strconv.ParseInt(req.Query.Get("limit"), 10, 64)
	if limit > int64(len(f.rows)) {
		limit = int64(len(f.rows))
	}
	enc := codec.NewRecordEncoder(f.schema.Columns)
	for _, row := range f.rows[:limit] {
		if err := enc.Append(types.RecordFromValues(f.schema.Columns, row)); err != nil {
			return nil, errors.NewProtocolError(errors.CodeRequestRejected, err.Error())
		}
	}
	schemaJSON, err := json.Marshal(f.schemaPayload())
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set(transport.HeaderVersion, strconv.Itoa(f.version))
	h.Set(headerSchema, string(schemaJSON))
	return &transport.Response{
		Status: http.StatusOK,
		Header: h,
		Body:   io.NopCloser(bytes.NewReader(enc.Finish())),
	}, nil
}

// liveRows returns the upsert table state after applying every buffered
// operation, keyed by the first column.
func (f *fakeTransport) liveRows() map[string][]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]interface{})
	for key, row := range f.upserted {
		if !row.deleted {
			out[key] = row.vals
		}
	}
	return out
}

func recordsToRows(recs []*types.Record) [][]interface{} {
	rows := make([][]interface{}, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, append([]interface{}(nil), r.Values()...))
	}
	return rows
}

func projectRow(schema *types.Schema, columns []types.Column, row []interface{}) []interface{} {
	out := make([]interface{}, len(columns))
	for i, c := range columns {
		out[i] = row[schema.FieldIndex(c.Name)]
	}
	return out
}

// brokenReader serves a byte prefix, then fails like a dropped connection.
type brokenReader struct {
	data []byte
	off  int
}

func (b *brokenReader) Read(p []byte) (int, error) {
	if b.off >= len(b.data) {
		return 0, errors.NewTransportError(errors.CodeConnectionFailed, "fake: connection reset", nil)
	}
	n := copy(p, b.data[b.off:])
	b.off += n
	return n, nil
}
