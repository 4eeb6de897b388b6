package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rrmina/tabletunnel/internal/codec"
	"github.com/rrmina/tabletunnel/internal/compress"
	"github.com/rrmina/tabletunnel/internal/errors"
	"github.com/rrmina/tabletunnel/internal/transport"
	"github.com/rrmina/tabletunnel/pkg/types"
)

const headerSchema = "x-tunnel-schema"

// WithReadPartition scopes a preview read to one partition.
func WithReadPartition(spec string) ReaderOption {
	return func(o *readerOptions) { o.partition = normalizePartition(spec) }
}

// OpenPreviewReader samples up to limit records from a table with no
// session and no commit step. It supports the same compression, projection
// and partition-append options as a download read.
func (t *TableTunnel) OpenPreviewReader(ctx context.Context, table string, limit int64, opts ...ReaderOption) (*PreviewReader, error) {
	if limit <= 0 {
		return nil, errors.NewValidationError(errors.CodeBadArgument,
			fmt.Sprintf("preview limit %d must be positive", limit))
	}
	if readCap := t.cfg.TableReadLimit; readCap > 0 && limit > readCap {
		t.logger.Printf("preview of %d records truncated to the configured cap of %d", limit, readCap)
		limit = readCap
	}
	var o readerOptions
	for _, fn := range opts {
		fn(&o)
	}

	q := url.Values{
		"preview": {""},
		"limit":   {strconv.FormatInt(limit, 10)},
	}
	if len(o.columns) > 0 {
		q.Set("columns", strings.Join(o.columns, ","))
	}
	if o.partition != "" {
		q.Set("partition", o.partition)
	}
	header := http.Header{}
	if enc := compress.Encoding(o.compression); enc != "" {
		header.Set("Accept-Encoding", enc)
	}

	// The deadline covers the whole preview, including body consumption,
	// so the cancel is owned by the reader rather than deferred here.
	cancel := context.CancelFunc(func() {})
	if t.cfg.ReadTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ReadTimeout)
	}
	res, err := t.transport.Do(ctx, &transport.Request{
		Method: http.MethodGet,
		Path:   t.tablePath(table),
		Query:  q,
		Header: header,
	})
	if err != nil {
		cancel()
		if deadlineExceeded(err) {
			return nil, errors.NewReadTimeout(
				fmt.Sprintf("preview of %s exceeded %s", table, t.cfg.ReadTimeout), err)
		}
		return nil, err
	}

	schema, err := previewSchema(res.Header)
	if err != nil {
		res.Body.Close()
		cancel()
		return nil, err
	}
	wire := schema.Columns
	if len(o.columns) > 0 {
		wire, err = schema.Project(o.columns)
		if err != nil {
			res.Body.Close()
			cancel()
			return nil, errors.NewValidationError(errors.CodeBadArgument, err.Error())
		}
	}
	delivered := wire
	var partVals []interface{}
	if o.appendPartitions {
		delivered = append(append([]types.Column(nil), wire...), schema.Partitions...)
		for _, v := range partitionValues(o.partition) {
			partVals = append(partVals, v)
		}
	}

	alg := o.compression
	if enc := res.Header.Get("Content-Encoding"); enc != "" {
		alg, err = compress.ByEncoding(enc)
		if err != nil {
			res.Body.Close()
			cancel()
			return nil, errors.NewProtocolError(errors.CodeBadResponse, err.Error())
		}
	}
	cr, err := compress.NewReader(res.Body, alg)
	if err != nil {
		res.Body.Close()
		cancel()
		return nil, errors.NewProtocolError(errors.CodeBadResponse, err.Error())
	}

	return &PreviewReader{
		cancel:   cancel,
		body:     res.Body,
		dec:      codec.NewRecordDecoder(cr, wire, CodecOptions(t.cfg)),
		columns:  delivered,
		partVals: partVals,
		append:   o.appendPartitions,
		limit:    limit,
	}, nil
}

// PreviewFrame drains a preview read into one columnar frame, using the
// configured batch size and merge threshold.
func (t *TableTunnel) PreviewFrame(ctx context.Context, table string, limit int64, opts ...ReaderOption) (*Frame, error) {
	r, err := t.OpenPreviewReader(ctx, table, limit, opts...)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ReadFrames(r, t.cfg.ReadRowBatchSize, t.cfg.BatchMergeThreshold)
}

func previewSchema(header http.Header) (*types.Schema, error) {
	raw := header.Get(headerSchema)
	if raw == "" {
		return nil, errors.NewProtocolError(errors.CodeBadResponse, "preview reply carries no schema")
	}
	var payload schemaPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, errors.NewProtocolError(errors.CodeBadResponse,
			fmt.Sprintf("bad preview schema: %v", err))
	}
	return payload.toSchema()
}

// PreviewReader is a forward-only cursor over a preview byte stream. It
// does not resume on failure; previews are cheap to reissue.
type PreviewReader struct {
	cancel    context.CancelFunc
	body      io.ReadCloser
	dec       *codec.RecordDecoder
	columns   []types.Column
	partVals  []interface{}
	append    bool
	limit     int64
	delivered int64
	closed    bool
}

// Columns returns the delivered column list.
func (p *PreviewReader) Columns() []types.Column { return p.columns }

// Next returns the next sampled record, or io.EOF once the stream or the
// limit is exhausted.
func (p *PreviewReader) Next() (*types.Record, error) {
	if p.closed || p.delivered >= p.limit {
		p.Close()
		return nil, io.EOF
	}
	rec, err := p.dec.Next()
	if err == io.EOF {
		p.Close()
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	p.delivered++
	if p.append {
		vals := append(append([]interface{}(nil), rec.Values()...), p.partVals...)
		rec = types.RecordFromValues(p.columns, vals)
	}
	return rec, nil
}

// Close releases the underlying stream.
func (p *PreviewReader) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.body.Close()
	p.cancel()
	return err
}
