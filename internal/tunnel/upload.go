package tunnel

import (
	"bytes"
	"context"
	stderrors "errors"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rrmina/tabletunnel/internal/compress"
	"github.com/rrmina/tabletunnel/internal/errors"
	"github.com/rrmina/tabletunnel/internal/transport"
)

const headerRecordCount = "x-tunnel-record-count"

// Client-side lifecycle of a writable session. The server tracks its own
// status; the phase only sequences local operations.
type phase int32

const (
	phaseWritable phase = iota
	phaseCommitPending
	phaseCommitted
	phaseAborted
)

func (p phase) String() string {
	switch p {
	case phaseWritable:
		return "writable"
	case phaseCommitPending:
		return "commit-pending"
	case phaseCommitted:
		return "committed"
	case phaseAborted:
		return "aborted"
	}
	return "unknown"
}

// UploadSession is an ordinary block-addressed upload. Writers on disjoint
// block ids may run concurrently; they share only the immutable session
// snapshot and the written-block registry.
type UploadSession struct {
	session
	phase     atomic.Int32
	mu        sync.Mutex
	written   map[int64]struct{}
	nextBlock atomic.Int64
}

func (u *UploadSession) path() string {
	return u.tunnel.tablePath(u.table) + "/uploads/" + u.ID()
}

// Reload refreshes status, quota and schema without touching block state.
func (u *UploadSession) Reload(ctx context.Context) error {
	return u.reload(ctx, u.path())
}

func (u *UploadSession) currentPhase() phase { return phase(u.phase.Load()) }

func (u *UploadSession) requirePhase(want phase) error {
	if got := u.currentPhase(); got != want {
		return errors.NewProtocolError(errors.CodeInvalidState,
			fmt.Sprintf("session %s is %s, not %s", u.ID(), got, want))
	}
	return nil
}

// BlocksWritten returns the sorted set of physical block ids written
// through this session so far.
func (u *UploadSession) BlocksWritten() []int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	ids := make([]int64, 0, len(u.written))
	for id := range u.written {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (u *UploadSession) registerBlock(id int64) {
	u.mu.Lock()
	u.written[id] = struct{}{}
	u.mu.Unlock()
}

// OpenRecordWriter opens an unbuffered writer bound to one caller-chosen
// block id. Closing the writer uploads exactly one physical block.
func (u *UploadSession) OpenRecordWriter(blockID int64, opts ...WriterOption) (*RecordWriter, error) {
	if err := u.writerPreflight(opts); err != nil {
		return nil, err
	}
	if blockID < 0 {
		return nil, errors.NewValidationError(errors.CodeBadArgument,
			fmt.Sprintf("block id %d must be non-negative", blockID))
	}
	w := &RecordWriter{blockID: blockID}
	w.init(u, applyWriterOptions(opts))
	return w, nil
}

// OpenBufferedWriter opens a writer that fragments one logical block into
// several physical blocks at the configured byte threshold, allocating
// physical ids from a session-wide counter.
func (u *UploadSession) OpenBufferedWriter(opts ...WriterOption) (*BufferedWriter, error) {
	if err := u.writerPreflight(opts); err != nil {
		return nil, err
	}
	w := &BufferedWriter{threshold: u.tunnel.cfg.BlockBufferSize}
	w.init(u, applyWriterOptions(opts))
	return w, nil
}

// writerPreflight raises unavailable-codec and bad-state errors eagerly at
// writer open, not at first flush.
func (u *UploadSession) writerPreflight(opts []WriterOption) error {
	if err := u.checkUsable(); err != nil {
		return err
	}
	if err := u.requirePhase(phaseWritable); err != nil {
		return err
	}
	o := applyWriterOptions(opts)
	if err := compress.Validate(o.compression); err != nil {
		return errors.NewValidationError(errors.CodeBadArgument, err.Error())
	}
	return nil
}

type commitPayload struct {
	Blocks []int64 `json:"Blocks"`
}

// Commit finalizes the session. The supplied id set must exactly match the
// physical blocks written through this session; any mismatch fails the
// whole session.
func (u *UploadSession) Commit(ctx context.Context, ids []int64) error {
	if err := u.checkUsable(); err != nil {
		return err
	}
	if !u.phase.CompareAndSwap(int32(phaseWritable), int32(phaseCommitPending)) {
		return errors.NewProtocolError(errors.CodeInvalidState,
			fmt.Sprintf("session %s is %s, not writable", u.ID(), u.currentPhase()))
	}

	supplied := append([]int64(nil), ids...)
	sort.Slice(supplied, func(i, j int) bool { return supplied[i] < supplied[j] })
	written := u.BlocksWritten()
	if !equalIDs(supplied, written) {
		return errors.NewProtocolError(errors.CodeBlockMismatch,
			fmt.Sprintf("commit ids %v do not match written blocks %v", supplied, written))
	}

	body, err := json.Marshal(commitPayload{Blocks: supplied})
	if err != nil {
		return fmt.Errorf("tunnel: marshal commit: %w", err)
	}
	st, err := u.call(ctx, http.MethodPost, u.path(), url.Values{"commit": {""}}, &transport.Request{
		Header: jsonHeader(),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return err
	}
	u.state.Store(st)
	u.phase.Store(int32(phaseCommitted))
	return nil
}

// Abort discards the session and every uncommitted block.
func (u *UploadSession) Abort(ctx context.Context) error {
	st, err := u.call(ctx, http.MethodPost, u.path(), url.Values{"abort": {""}}, nil)
	if err != nil {
		return err
	}
	u.state.Store(st)
	u.phase.Store(int32(phaseAborted))
	return nil
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func jsonHeader() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return h
}

// writeBlock uploads one compressed physical block, bounded by the write
// timeout, and returns the metrics payload when the protocol version
// carries one.
func (u *UploadSession) writeBlock(ctx context.Context, blockID int64, payload []byte, records int64, comp compress.Algorithm) (*metricsPayload, int64, error) {
	if err := u.checkUsable(); err != nil {
		return nil, 0, err
	}
	if err := u.requirePhase(phaseWritable); err != nil {
		return nil, 0, err
	}

	var buf bytes.Buffer
	cw, err := compress.NewWriter(&buf, comp)
	if err != nil {
		return nil, 0, errors.NewValidationError(errors.CodeBadArgument, err.Error())
	}
	if _, err := cw.Write(payload); err != nil {
		return nil, 0, fmt.Errorf("tunnel: compress block %d: %w", blockID, err)
	}
	if err := cw.Close(); err != nil {
		return nil, 0, fmt.Errorf("tunnel: compress block %d: %w", blockID, err)
	}

	if u.tunnel.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.tunnel.cfg.WriteTimeout)
		defer cancel()
	}

	header := http.Header{}
	if enc := compress.Encoding(comp); enc != "" {
		header.Set("Content-Encoding", enc)
	}
	header.Set(headerRecordCount, strconv.FormatInt(records, 10))

	start := time.Now()
	res, err := u.tunnel.transport.Do(ctx, &transport.Request{
		Method: http.MethodPut,
		Path:   fmt.Sprintf("%s/blocks/%d", u.path(), blockID),
		Query:  blockQuery(u.partition),
		Header: header,
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, 0, errors.NewWriteTimeout(
				fmt.Sprintf("block %d upload exceeded %s", blockID, u.tunnel.cfg.WriteTimeout), err)
		}
		return nil, 0, err
	}
	var payload2 sessionPayload
	if err := transport.ReadJSON(res, &payload2); err != nil {
		return nil, 0, err
	}
	u.registerBlock(blockID)

	metrics := payload2.Metrics
	if metrics != nil && metrics.NetworkWallCostMs == 0 {
		metrics.NetworkWallCostMs = time.Since(start).Milliseconds()
	}
	return metrics, int64(buf.Len()), nil
}

func blockQuery(partition string) url.Values {
	q := url.Values{}
	if partition != "" {
		q.Set("partition", partition)
	}
	return q
}
