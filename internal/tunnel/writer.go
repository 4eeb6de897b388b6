package tunnel

import (
	"context"
	"fmt"
	"time"

	"github.com/rrmina/tabletunnel/internal/codec"
	"github.com/rrmina/tabletunnel/internal/compress"
	"github.com/rrmina/tabletunnel/internal/errors"
	"github.com/rrmina/tabletunnel/pkg/types"
)

// WriterOption customizes a writer at open time.
type WriterOption func(*writerOptions)

type writerOptions struct {
	compression compress.Algorithm
}

// WithCompression selects the block compression codec. Unavailable codecs
// fail eagerly at writer open.
func WithCompression(a compress.Algorithm) WriterOption {
	return func(o *writerOptions) { o.compression = a }
}

func applyWriterOptions(opts []WriterOption) writerOptions {
	var o writerOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// blockWriter holds the encode-and-flush machinery shared by both writer
// kinds. A writer owns exactly one in-flight upload and must not be shared
// across goroutines.
type blockWriter struct {
	sess    *UploadSession
	enc     *codec.RecordEncoder
	comp    compress.Algorithm
	metrics *Metrics
	opened  time.Time
	closed  bool
}

func (w *blockWriter) init(sess *UploadSession, o writerOptions) {
	w.sess = sess
	w.enc = codec.NewRecordEncoder(sess.Schema().Columns)
	w.comp = o.compression
	w.opened = time.Now()
	if sess.tunnel.cfg.EnableClientMetrics && sess.supportsMetrics() {
		w.metrics = &Metrics{}
	}
}

// Columns returns the resolved column list records must align to.
func (w *blockWriter) Columns() []types.Column { return w.sess.Schema().Columns }

func (w *blockWriter) append(rec *types.Record) error {
	if w.closed {
		return errors.NewProtocolError(errors.CodeInvalidState, "writer is closed")
	}
	return w.enc.Append(rec)
}

// flushBlock uploads the encoder's current contents as physical block id
// and resets the encoder.
func (w *blockWriter) flushBlock(ctx context.Context, id int64) error {
	records := w.enc.RecordCount()
	payload := w.enc.Finish()
	raw := int64(len(payload))
	mp, sent, err := w.sess.writeBlock(ctx, id, payload, records, w.comp)
	if err != nil {
		return err
	}
	w.enc.Reset()
	if w.metrics != nil {
		w.metrics.BytesSent += sent
		w.metrics.BytesRaw += raw
		w.metrics.merge(mp)
	}
	return nil
}

// Metrics returns accumulated per-writer cost accounting, or nil when the
// negotiated protocol version predates metrics support or metrics are
// disabled. Absent metrics are nil, never zero.
func (w *blockWriter) Metrics() *Metrics {
	if w.metrics == nil {
		return nil
	}
	m := *w.metrics
	return &m
}

// RecordWriter writes one physical block under a caller-chosen id. Records
// accumulate in memory and upload as a single block on Close.
type RecordWriter struct {
	blockWriter
	blockID int64
}

// BlockID returns the block id the writer is bound to.
func (w *RecordWriter) BlockID() int64 { return w.blockID }

// Write encodes one record onto the block.
func (w *RecordWriter) Write(rec *types.Record) error {
	return w.append(rec)
}

// Close uploads the block and finalizes the writer. Closing a writer that
// wrote no records uploads an empty block, which the server accepts.
func (w *RecordWriter) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flushBlock(ctx, w.blockID); err != nil {
		return fmt.Errorf("tunnel: close block %d: %w", w.blockID, err)
	}
	if w.metrics != nil {
		w.metrics.ClientProcessCost = time.Since(w.opened)
	}
	return nil
}

// BufferedWriter writes one logical block that fragments into several
// physical blocks once the in-memory buffer crosses the configured byte
// threshold. Physical ids come from a session-wide counter, so multiple
// buffered writers never collide.
type BufferedWriter struct {
	blockWriter
	threshold int
	blocks    []int64
}

// Write encodes one record, flushing the current physical block when the
// buffer crosses the threshold.
func (w *BufferedWriter) Write(ctx context.Context, rec *types.Record) error {
	if err := w.append(rec); err != nil {
		return err
	}
	if w.enc.Len() >= w.threshold {
		return w.flush(ctx)
	}
	return nil
}

func (w *BufferedWriter) flush(ctx context.Context) error {
	if w.enc.RecordCount() == 0 {
		return nil
	}
	id := w.sess.nextBlock.Add(1) - 1
	if err := w.flushBlock(ctx, id); err != nil {
		return fmt.Errorf("tunnel: flush block %d: %w", id, err)
	}
	w.blocks = append(w.blocks, id)
	return nil
}

// Flush forces the current buffer out as a physical block regardless of
// the threshold. Flushing an empty buffer is a no-op.
func (w *BufferedWriter) Flush(ctx context.Context) error {
	if w.closed {
		return errors.NewProtocolError(errors.CodeInvalidState, "writer is closed")
	}
	return w.flush(ctx)
}

// Close flushes any buffered records and finalizes the writer.
func (w *BufferedWriter) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	if err := w.flush(ctx); err != nil {
		return err
	}
	w.closed = true
	if w.metrics != nil {
		w.metrics.ClientProcessCost = time.Since(w.opened)
	}
	return nil
}

// BlocksWritten returns the physical block ids this writer produced, in
// write order. The full set across all writers must be passed to Commit.
func (w *BufferedWriter) BlocksWritten() []int64 {
	return append([]int64(nil), w.blocks...)
}
