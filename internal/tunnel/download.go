package tunnel

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rrmina/tabletunnel/internal/codec"
	"github.com/rrmina/tabletunnel/internal/compress"
	"github.com/rrmina/tabletunnel/internal/errors"
	"github.com/rrmina/tabletunnel/internal/transport"
	"github.com/rrmina/tabletunnel/pkg/types"
)

const headerSessionStatus = "x-tunnel-session-status"

// initiatingPollInterval is the delay between status polls while a download
// session is still materializing its snapshot server-side.
var initiatingPollInterval = 500 * time.Millisecond

// DownloadSession serves ranged, resumable reads over a consistent
// snapshot: record count and schema are fixed at creation. Reads never
// mutate server state, so one session may back any number of concurrent
// readers.
type DownloadSession struct {
	session
	columns []string
}

func (d *DownloadSession) path() string {
	return d.tunnel.tablePath(d.table) + "/downloads/" + d.ID()
}

// Count returns the total visible record count fixed at creation.
func (d *DownloadSession) Count() int64 { return d.snapshot().RecordCount }

// Reload refreshes the session snapshot.
func (d *DownloadSession) Reload(ctx context.Context) error {
	return d.reload(ctx, d.path())
}

// ReaderOption customizes one ranged read.
type ReaderOption func(*readerOptions)

type readerOptions struct {
	columns          []string
	compression      compress.Algorithm
	appendPartitions bool
	partition        string
}

// WithProjection restricts decoding to a column subset, delivered in the
// given order.
func WithProjection(names ...string) ReaderOption {
	return func(o *readerOptions) { o.columns = append(o.columns, names...) }
}

// WithReadCompression requests a compressed byte stream.
func WithReadCompression(a compress.Algorithm) ReaderOption {
	return func(o *readerOptions) { o.compression = a }
}

// WithAppendPartitions synthesizes partition key values and appends them to
// every record.
func WithAppendPartitions() ReaderOption {
	return func(o *readerOptions) { o.appendPartitions = true }
}

// resolveColumns computes the wire column list, the delivered column list
// and the synthesized partition values for one read.
func (d *DownloadSession) resolveColumns(o readerOptions) (wire, delivered []types.Column, partVals []interface{}, err error) {
	schema := d.Schema()
	names := o.columns
	if len(names) == 0 {
		names = d.columns
	}
	if len(names) > 0 {
		wire, err = schema.Project(names)
		if err != nil {
			return nil, nil, nil, errors.NewValidationError(errors.CodeBadArgument, err.Error())
		}
	} else {
		wire = schema.Columns
	}
	delivered = wire
	if o.appendPartitions {
		delivered = append(append([]types.Column(nil), wire...), schema.Partitions...)
		for i, v := range partitionValues(d.partition) {
			if i < len(schema.Partitions) {
				partVals = append(partVals, v)
			}
		}
		if len(partVals) != len(schema.Partitions) {
			return nil, nil, nil, errors.NewValidationError(errors.CodeBadArgument,
				fmt.Sprintf("partition spec %q does not cover the %d partition columns", d.partition, len(schema.Partitions)))
		}
	}
	return wire, delivered, partVals, nil
}

// OpenRecordReader opens a lazy forward-only reader over the logical range
// [start, start+count). The requested count is clamped to the session
// snapshot and to the process-wide read cap; cap truncation is silent apart
// from a warning log.
func (d *DownloadSession) OpenRecordReader(ctx context.Context, start, count int64, opts ...ReaderOption) (*RecordReader, error) {
	if err := d.checkUsable(); err != nil {
		return nil, err
	}
	if start < 0 {
		return nil, errors.NewValidationError(errors.CodeInvalidSlice,
			fmt.Sprintf("start %d cannot be negative", start))
	}
	if count <= 0 {
		return nil, errors.NewValidationError(errors.CodeInvalidSlice,
			fmt.Sprintf("count %d must be positive", count))
	}
	if total := d.Count(); start+count > total {
		count = total - start
		if count <= 0 {
			return nil, errors.NewValidationError(errors.CodeInvalidSlice,
				fmt.Sprintf("start %d is beyond the session count %d", start, total))
		}
	}
	if limit := d.tunnel.cfg.TableReadLimit; limit > 0 && count > limit {
		d.tunnel.logger.Printf("read of %d records truncated to the configured cap of %d", count, limit)
		count = limit
	}

	var o readerOptions
	for _, fn := range opts {
		fn(&o)
	}
	wire, delivered, partVals, err := d.resolveColumns(o)
	if err != nil {
		return nil, err
	}
	return &RecordReader{
		ctx:      ctx,
		sess:     d,
		start:    start,
		count:    count,
		wire:     wire,
		columns:  delivered,
		partVals: partVals,
		opts:     o,
		copts:    CodecOptions(d.tunnel.cfg),
	}, nil
}

// Read returns the record at logical index i, signalling out-of-range for
// i beyond the session count.
func (d *DownloadSession) Read(ctx context.Context, i int64, opts ...ReaderOption) (*types.Record, error) {
	if i < 0 || i >= d.Count() {
		return nil, errors.NewValidationError(errors.CodeInvalidSlice,
			fmt.Sprintf("index %d out of range for %d records", i, d.Count()))
	}
	r, err := d.OpenRecordReader(ctx, i, 1, opts...)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Next()
}

// OpenSlice returns a bounded cursor over (start, stop, step). Negative
// start or step and empty computed ranges are rejected before any I/O.
func (d *DownloadSession) OpenSlice(ctx context.Context, start, stop, step int64, opts ...ReaderOption) (RecordCursor, error) {
	n, err := sliceCount(start, stop, step, d.Count())
	if err != nil {
		return nil, err
	}
	base, err := d.OpenRecordReader(ctx, start, (n-1)*step+1, opts...)
	if err != nil {
		return nil, err
	}
	return newStepCursor(base, step, n), nil
}

// RecordReader is the resumable ranged reader. It is not safe for
// concurrent use; open one reader per goroutine instead.
type RecordReader struct {
	ctx       context.Context
	sess      *DownloadSession
	start     int64
	count     int64
	delivered int64
	wire      []types.Column
	columns   []types.Column
	partVals  []interface{}
	opts      readerOptions
	copts     codec.Options
	dec       *codec.RecordDecoder
	body      io.ReadCloser
	cancel    context.CancelFunc
	counter   *countingReader
	attempts  int
	metrics   *Metrics
	closed    bool
}

// Columns returns the delivered column list, including appended partition
// columns when requested.
func (r *RecordReader) Columns() []types.Column { return r.columns }

// Count returns the number of records this reader will deliver in total.
func (r *RecordReader) Count() int64 { return r.count }

// Next returns the next record in logical order, or io.EOF after the full
// range has been delivered. Retryable stream failures are absorbed by
// reopening the remaining sub-range; everything else propagates.
func (r *RecordReader) Next() (*types.Record, error) {
	for {
		if r.closed || r.delivered >= r.count {
			r.Close()
			return nil, io.EOF
		}
		if r.dec == nil {
			if err := r.openStream(); err != nil {
				if errors.IsRetryable(err) && r.attempts < r.sess.tunnel.cfg.MaxReadRetries {
					r.attempts++
					continue
				}
				return nil, err
			}
		}
		rec, err := r.dec.Next()
		if err == nil {
			r.delivered++
			return r.deliver(rec), nil
		}
		if err == io.EOF {
			// The stream ended cleanly short of the range; reopen the
			// remainder like a dropped connection.
			err = errors.NewTransportError(errors.CodeConnectionFailed,
				fmt.Sprintf("stream ended after %d of %d records", r.delivered, r.count), nil)
		}
		if errors.IsRetryable(err) && r.attempts < r.sess.tunnel.cfg.MaxReadRetries {
			r.attempts++
			r.dropStream()
			continue
		}
		return nil, err
	}
}

func (r *RecordReader) deliver(rec *types.Record) *types.Record {
	if !r.opts.appendPartitions {
		return rec
	}
	vals := append(append([]interface{}(nil), rec.Values()...), r.partVals...)
	return types.RecordFromValues(r.columns, vals)
}

// openStream opens one byte stream over the undelivered remainder
// [start+delivered, start+count). A single deadline covers the whole
// request including any wait on an initiating session.
func (r *RecordReader) openStream() error {
	cfg := r.sess.tunnel.cfg
	deadline := time.Now().Add(cfg.ReadTimeout)

	q := url.Values{
		"data":  {""},
		"start": {strconv.FormatInt(r.start+r.delivered, 10)},
		"count": {strconv.FormatInt(r.count-r.delivered, 10)},
	}
	if len(r.opts.columns) > 0 || len(r.sess.columns) > 0 {
		names := make([]string, len(r.wire))
		for i, c := range r.wire {
			names[i] = c.Name
		}
		q.Set("columns", strings.Join(names, ","))
	}
	if r.sess.partition != "" {
		q.Set("partition", r.sess.partition)
	}
	header := http.Header{}
	if enc := compress.Encoding(r.opts.compression); enc != "" {
		header.Set("Accept-Encoding", enc)
	}

	for {
		ctx, cancel := context.WithDeadline(r.ctx, deadline)
		res, err := r.sess.tunnel.transport.Do(ctx, &transport.Request{
			Method: http.MethodGet,
			Path:   r.sess.path(),
			Query:  q,
			Header: header,
		})
		if err != nil {
			cancel()
			if deadlineExceeded(err) {
				return errors.NewReadTimeout(
					fmt.Sprintf("read of %s exceeded %s", r.sess.ID(), cfg.ReadTimeout), err)
			}
			return err
		}
		if Status(res.Header.Get(headerSessionStatus)) == StatusInitiating {
			res.Body.Close()
			cancel()
			if time.Now().Add(initiatingPollInterval).After(deadline) {
				return errors.NewReadTimeout(
					fmt.Sprintf("session %s still initiating after %s", r.sess.ID(), cfg.ReadTimeout), nil)
			}
			time.Sleep(initiatingPollInterval)
			continue
		}
		alg := r.opts.compression
		if enc := res.Header.Get("Content-Encoding"); enc != "" {
			alg, err = compress.ByEncoding(enc)
			if err != nil {
				res.Body.Close()
				cancel()
				return errors.NewProtocolError(errors.CodeBadResponse, err.Error())
			}
		}
		r.counter = &countingReader{r: res.Body}
		cr, err := compress.NewReader(r.counter, alg)
		if err != nil {
			res.Body.Close()
			cancel()
			return errors.NewProtocolError(errors.CodeBadResponse, err.Error())
		}
		// The body is read under the same deadline; the cancel is released
		// when the stream is dropped.
		r.cancel = cancel
		r.body = res.Body
		r.dec = codec.NewRecordDecoder(cr, r.wire, r.copts)
		if cfg.EnableClientMetrics && r.sess.supportsMetrics() && r.metrics == nil {
			r.metrics = &Metrics{}
		}
		return nil
	}
}

func (r *RecordReader) dropStream() {
	if r.body != nil {
		r.body.Close()
		r.body = nil
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.counter != nil && r.metrics != nil {
		r.metrics.BytesReceived += r.counter.n
	}
	r.counter = nil
	r.dec = nil
}

// Metrics returns accumulated read-side cost accounting, or nil below the
// metrics protocol version.
func (r *RecordReader) Metrics() *Metrics {
	if r.metrics == nil {
		return nil
	}
	m := *r.metrics
	if r.counter != nil {
		m.BytesReceived += r.counter.n
	}
	return &m
}

// Close releases the underlying stream. Further Next calls fail.
func (r *RecordReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.dropStream()
	return nil
}

func deadlineExceeded(err error) bool {
	return stderrors.Is(err, context.DeadlineExceeded)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
