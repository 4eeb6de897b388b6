package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rrmina/tabletunnel/internal/codec"
	"github.com/rrmina/tabletunnel/internal/compress"
	"github.com/rrmina/tabletunnel/internal/errors"
	"github.com/rrmina/tabletunnel/internal/transport"
	"github.com/rrmina/tabletunnel/pkg/types"
)

// StreamUploadSession targets continuous ingestion. It exposes no
// caller-visible block ids; the server sequences appended batches
// internally. Whether a durable commit exists server-side is gated behind
// an explicit capability flag, so by default the session is abort-only.
type StreamUploadSession struct {
	session
	tolerant      bool
	commitCapable bool
	aborted       atomic.Bool
}

func (s *StreamUploadSession) path() string {
	return s.tunnel.tablePath(s.table) + "/streams/" + s.ID()
}

// Reload refreshes the session snapshot.
func (s *StreamUploadSession) Reload(ctx context.Context) error {
	return s.reload(ctx, s.path())
}

// Tolerant reports whether the schema-mismatch-tolerant write mode is on.
func (s *StreamUploadSession) Tolerant() bool { return s.tolerant }

// OpenStreamWriter opens a writer that appends record batches to the
// stream.
func (s *StreamUploadSession) OpenStreamWriter(opts ...WriterOption) (*StreamWriter, error) {
	if err := s.checkUsable(); err != nil {
		return nil, err
	}
	if s.aborted.Load() {
		return nil, errors.NewProtocolError(errors.CodeInvalidState,
			fmt.Sprintf("stream session %s is aborted", s.ID()))
	}
	o := applyWriterOptions(opts)
	if err := compress.Validate(o.compression); err != nil {
		return nil, errors.NewValidationError(errors.CodeBadArgument, err.Error())
	}
	return &StreamWriter{
		sess: s,
		enc:  codec.NewRecordEncoder(s.Schema().Columns),
		comp: o.compression,
	}, nil
}

// Abort discards the stream session.
func (s *StreamUploadSession) Abort(ctx context.Context) error {
	st, err := s.call(ctx, http.MethodPost, s.path(), url.Values{"abort": {""}}, nil)
	if err != nil {
		return err
	}
	s.state.Store(st)
	s.aborted.Store(true)
	return nil
}

// Commit finalizes the stream durably. Rejected unless the session was
// created with the commit capability flag.
func (s *StreamUploadSession) Commit(ctx context.Context) error {
	if !s.commitCapable {
		return errors.NewProtocolError(errors.CodeUnsupported,
			"stream session has no commit capability; use Abort or create with WithCommitCapability")
	}
	if s.aborted.Load() {
		return errors.NewProtocolError(errors.CodeInvalidState,
			fmt.Sprintf("stream session %s is aborted", s.ID()))
	}
	st, err := s.call(ctx, http.MethodPost, s.path(), url.Values{"commit": {""}}, nil)
	if err != nil {
		return err
	}
	s.state.Store(st)
	return nil
}

// conform aligns a record's values to the schema. Strict mode requires
// exact arity; tolerant mode NULL-pads missing trailing values and still
// rejects extra values.
func (s *StreamUploadSession) conform(rec *types.Record) (*types.Record, error) {
	columns := s.Schema().Columns
	vals := rec.Values()
	switch {
	case len(vals) == len(columns):
		return rec, nil
	case len(vals) > len(columns):
		return nil, errors.NewValidationError(errors.CodeSchemaMismatch,
			fmt.Sprintf("record has %d values, schema has %d columns", len(vals), len(columns)))
	case !s.tolerant:
		return nil, errors.NewValidationError(errors.CodeSchemaMismatch,
			fmt.Sprintf("record has %d values, schema has %d columns", len(vals), len(columns)))
	default:
		padded := make([]interface{}, len(columns))
		copy(padded, vals)
		return types.RecordFromValues(columns, padded), nil
	}
}

// StreamWriter buffers records and appends them to the stream on Flush.
// Not safe for concurrent use.
type StreamWriter struct {
	sess    *StreamUploadSession
	enc     *codec.RecordEncoder
	comp    compress.Algorithm
	seq     int64
	metrics *Metrics
	closed  bool
}

// Write buffers one record, applying the session's arity policy.
func (w *StreamWriter) Write(rec *types.Record) error {
	if w.closed {
		return errors.NewProtocolError(errors.CodeInvalidState, "stream writer is closed")
	}
	conformed, err := w.sess.conform(rec)
	if err != nil {
		return err
	}
	return w.enc.Append(conformed)
}

// Flush appends buffered records to the stream. Flushing an empty buffer
// is a no-op.
func (w *StreamWriter) Flush(ctx context.Context) error {
	if w.closed {
		return errors.NewProtocolError(errors.CodeInvalidState, "stream writer is closed")
	}
	if w.enc.RecordCount() == 0 {
		return nil
	}
	if err := w.sess.checkUsable(); err != nil {
		return err
	}

	records := w.enc.RecordCount()
	payload := w.enc.Finish()

	var buf bytes.Buffer
	cw, err := compress.NewWriter(&buf, w.comp)
	if err != nil {
		return errors.NewValidationError(errors.CodeBadArgument, err.Error())
	}
	if _, err := cw.Write(payload); err != nil {
		return fmt.Errorf("tunnel: compress stream batch: %w", err)
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("tunnel: compress stream batch: %w", err)
	}

	cfg := w.sess.tunnel.cfg
	if cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.WriteTimeout)
		defer cancel()
	}

	w.seq++
	header := http.Header{}
	header.Set(transport.HeaderStream, strconv.FormatInt(w.seq, 10))
	header.Set(headerRecordCount, strconv.FormatInt(records, 10))
	if enc := compress.Encoding(w.comp); enc != "" {
		header.Set("Content-Encoding", enc)
	}

	start := time.Now()
	res, err := w.sess.tunnel.transport.Do(ctx, &transport.Request{
		Method: http.MethodPut,
		Path:   w.sess.path(),
		Query:  blockQuery(w.sess.partition),
		Header: header,
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		if deadlineExceeded(err) {
			return errors.NewWriteTimeout(
				fmt.Sprintf("stream append exceeded %s", cfg.WriteTimeout), err)
		}
		return err
	}
	var reply sessionPayload
	if err := transport.ReadJSON(res, &reply); err != nil {
		return err
	}
	w.enc.Reset()

	if cfg.EnableClientMetrics && w.sess.supportsMetrics() {
		if w.metrics == nil {
			w.metrics = &Metrics{}
		}
		w.metrics.BytesSent += int64(buf.Len())
		w.metrics.ClientProcessCost += time.Since(start)
		w.metrics.merge(reply.Metrics)
	}
	return nil
}

// Close flushes any buffered records and finalizes the writer.
func (w *StreamWriter) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	if err := w.Flush(ctx); err != nil {
		return err
	}
	w.closed = true
	return nil
}

// Metrics returns accumulated cost accounting, or nil below the metrics
// protocol version.
func (w *StreamWriter) Metrics() *Metrics {
	if w.metrics == nil {
		return nil
	}
	m := *w.metrics
	return &m
}
