package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/rrmina/tabletunnel/internal/codec"
	"github.com/rrmina/tabletunnel/internal/compress"
	"github.com/rrmina/tabletunnel/internal/errors"
	"github.com/rrmina/tabletunnel/internal/transport"
	"github.com/rrmina/tabletunnel/pkg/types"
)

// Upsert operation kinds carried in the meta column.
const (
	opUpsert int64 = 1
	opDelete int64 = 2
)

// Meta columns appended to every upsert record on the wire: the operation
// kind and a per-operation version stamp that makes network-level
// retransmission idempotent per key.
var upsertMetaColumns = []types.Column{
	{Name: "__op", Type: types.Tinyint},
	{Name: "__version", Type: types.Bigint},
}

// UpsertSession is a key-based upsert/delete stream against a
// transactional primary-key table.
type UpsertSession struct {
	session
}

func (u *UpsertSession) path() string {
	return u.tunnel.tablePath(u.table) + "/upserts/" + u.ID()
}

// Reload refreshes the session snapshot.
func (u *UpsertSession) Reload(ctx context.Context) error {
	return u.reload(ctx, u.path())
}

// PrimaryKeys returns the key column names fixed at session creation.
func (u *UpsertSession) PrimaryKeys() []string {
	return append([]string(nil), u.snapshot().PrimaryKeys...)
}

// SlotCount returns the number of server-side bucket slots.
func (u *UpsertSession) SlotCount() int { return u.snapshot().SlotCount }

// Commit finalizes the session; buffered streams must be closed first.
func (u *UpsertSession) Commit(ctx context.Context) error {
	if err := u.checkUsable(); err != nil {
		return err
	}
	st, err := u.call(ctx, http.MethodPost, u.path(), url.Values{"commit": {""}}, nil)
	if err != nil {
		return err
	}
	u.state.Store(st)
	return nil
}

// Abort discards the session.
func (u *UpsertSession) Abort(ctx context.Context) error {
	st, err := u.call(ctx, http.MethodPost, u.path(), url.Values{"abort": {""}}, nil)
	if err != nil {
		return err
	}
	u.state.Store(st)
	return nil
}

// OpenUpsertStream opens a buffered operation stream. One stream must not
// be shared across goroutines; open one per writer instead.
func (u *UpsertSession) OpenUpsertStream(opts ...WriterOption) (*UpsertStream, error) {
	if err := u.checkUsable(); err != nil {
		return nil, err
	}
	o := applyWriterOptions(opts)
	if err := compress.Validate(o.compression); err != nil {
		return nil, errors.NewValidationError(errors.CodeBadArgument, err.Error())
	}

	st := u.snapshot()
	keyIdx := make([]int, 0, len(st.PrimaryKeys))
	for _, name := range st.PrimaryKeys {
		i := st.Schema.FieldIndex(name)
		if i < 0 {
			return nil, errors.NewProtocolError(errors.CodeBadResponse,
				fmt.Sprintf("primary key %q is not a schema column", name))
		}
		keyIdx = append(keyIdx, i)
	}
	wireColumns := append(append([]types.Column(nil), st.Schema.Columns...), upsertMetaColumns...)

	return &UpsertStream{
		sess:        u,
		comp:        o.compression,
		keyIdx:      keyIdx,
		wireColumns: wireColumns,
		buckets:     make(map[int]*codec.RecordEncoder),
		lastVersion: time.Now().UnixNano(),
	}, nil
}

// UpsertStream buffers upsert and delete operations, routed to server
// slots by a hash of the primary key. Per-key submission order is
// preserved: operations on one key always land in the same bucket, and
// each bucket's buffer keeps insertion order.
type UpsertStream struct {
	sess        *UpsertSession
	comp        compress.Algorithm
	keyIdx      []int
	wireColumns []types.Column
	buckets     map[int]*codec.RecordEncoder
	lastVersion int64
	closed      bool
}

// Upsert buffers an insert-or-update of the record's key.
func (s *UpsertStream) Upsert(rec *types.Record) error {
	return s.add(rec, opUpsert)
}

// Delete buffers a deletion of the record's key.
func (s *UpsertStream) Delete(rec *types.Record) error {
	return s.add(rec, opDelete)
}

func (s *UpsertStream) add(rec *types.Record, op int64) error {
	if s.closed {
		return errors.NewProtocolError(errors.CodeInvalidState, "upsert stream is closed")
	}
	vals := rec.Values()
	if len(vals) != len(s.sess.Schema().Columns) {
		return errors.NewValidationError(errors.CodeSchemaMismatch,
			fmt.Sprintf("record has %d values, schema has %d columns", len(vals), len(s.sess.Schema().Columns)))
	}
	for _, i := range s.keyIdx {
		if vals[i] == nil {
			return errors.NewValidationError(errors.CodeBadArgument,
				fmt.Sprintf("primary key column %q must be populated", s.sess.Schema().Columns[i].Name))
		}
	}

	bucket := s.bucketOf(vals)
	enc, ok := s.buckets[bucket]
	if !ok {
		enc = codec.NewRecordEncoder(s.wireColumns)
		s.buckets[bucket] = enc
	}

	wireVals := make([]interface{}, 0, len(vals)+2)
	wireVals = append(wireVals, vals...)
	wireVals = append(wireVals, op, s.nextVersion())
	return enc.Append(types.RecordFromValues(s.wireColumns, wireVals))
}

// bucketOf routes a key to a server slot by hashing the formatted key
// values.
func (s *UpsertStream) bucketOf(vals []interface{}) int {
	h := murmur3.New32()
	for _, i := range s.keyIdx {
		fmt.Fprintf(h, "%v\x00", vals[i])
	}
	return int(h.Sum32() % uint32(s.sess.SlotCount()))
}

// nextVersion returns a strictly increasing stamp so the server can drop
// retransmitted duplicates per key while applying operations in
// submission order.
func (s *UpsertStream) nextVersion() int64 {
	v := time.Now().UnixNano()
	if v <= s.lastVersion {
		v = s.lastVersion + 1
	}
	s.lastVersion = v
	return v
}

// Flush forces every non-empty bucket buffer to the server.
func (s *UpsertStream) Flush(ctx context.Context) error {
	if s.closed {
		return errors.NewProtocolError(errors.CodeInvalidState, "upsert stream is closed")
	}
	if err := s.sess.checkUsable(); err != nil {
		return err
	}
	ids := make([]int, 0, len(s.buckets))
	for id, enc := range s.buckets {
		if enc.RecordCount() > 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	for _, id := range ids {
		if err := s.flushBucket(ctx, id, s.buckets[id]); err != nil {
			return err
		}
	}
	return nil
}

func (s *UpsertStream) flushBucket(ctx context.Context, bucket int, enc *codec.RecordEncoder) error {
	records := enc.RecordCount()
	payload := enc.Finish()

	var buf bytes.Buffer
	cw, err := compress.NewWriter(&buf, s.comp)
	if err != nil {
		return errors.NewValidationError(errors.CodeBadArgument, err.Error())
	}
	if _, err := cw.Write(payload); err != nil {
		return fmt.Errorf("tunnel: compress bucket %d: %w", bucket, err)
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("tunnel: compress bucket %d: %w", bucket, err)
	}

	cfg := s.sess.tunnel.cfg
	if cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.WriteTimeout)
		defer cancel()
	}
	header := http.Header{}
	header.Set(headerRecordCount, strconv.FormatInt(records, 10))
	if cenc := compress.Encoding(s.comp); cenc != "" {
		header.Set("Content-Encoding", cenc)
	}

	res, err := s.sess.tunnel.transport.Do(ctx, &transport.Request{
		Method: http.MethodPut,
		Path:   fmt.Sprintf("%s/buckets/%d", s.sess.path(), bucket),
		Query:  blockQuery(s.sess.partition),
		Header: header,
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		if deadlineExceeded(err) {
			return errors.NewWriteTimeout(
				fmt.Sprintf("bucket %d flush exceeded %s", bucket, cfg.WriteTimeout), err)
		}
		return err
	}
	res.Body.Close()
	enc.Reset()
	return nil
}

// Close flushes buffered operations and finalizes the stream.
func (s *UpsertStream) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	if err := s.Flush(ctx); err != nil {
		return err
	}
	s.closed = true
	return nil
}
