package tunnel

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/rrmina/tabletunnel/internal/config"
	"github.com/rrmina/tabletunnel/internal/errors"
	"github.com/rrmina/tabletunnel/internal/transport"
)

// TableTunnel is the entry point for transfer sessions against one
// project. Safe for concurrent use.
type TableTunnel struct {
	transport transport.Interface
	cfg       *config.Config
	logger    *log.Logger
}

// New creates a tunnel over an established transport.
func New(tr transport.Interface, cfg *config.Config) *TableTunnel {
	return &TableTunnel{
		transport: tr,
		cfg:       cfg,
		logger:    log.New(os.Stderr, "[tunnel] ", log.LstdFlags),
	}
}

// SetLogger replaces the diagnostic logger.
func (t *TableTunnel) SetLogger(l *log.Logger) { t.logger = l }

func (t *TableTunnel) tablePath(table string) string {
	return fmt.Sprintf("/projects/%s/tables/%s", t.cfg.Project, table)
}

// SessionOption customizes session creation.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	partition     string
	tags          []string
	columns       []string
	tolerant      bool
	commitCapable bool
}

// WithPartition scopes the session to one partition, given as a
// "k1=v1,k2=v2" spec.
func WithPartition(spec string) SessionOption {
	return func(o *sessionOptions) { o.partition = normalizePartition(spec) }
}

// WithTags forwards caller tags on session creation.
func WithTags(tags ...string) SessionOption {
	return func(o *sessionOptions) { o.tags = append(o.tags, tags...) }
}

// WithColumns restricts a download session to a column subset, decoded in
// the given order.
func WithColumns(names ...string) SessionOption {
	return func(o *sessionOptions) { o.columns = append(o.columns, names...) }
}

// WithTolerantSchema enables the schema-mismatch-tolerant write mode on a
// stream-upload session: missing trailing values are NULL-padded, extra
// values are rejected.
func WithTolerantSchema() SessionOption {
	return func(o *sessionOptions) { o.tolerant = true }
}

// WithCommitCapability marks a stream-upload session as backed by a
// server that supports a durable commit; without it Commit is rejected
// and the session is abort-only.
func WithCommitCapability() SessionOption {
	return func(o *sessionOptions) { o.commitCapable = true }
}

func applyOptions(opts []SessionOption) sessionOptions {
	var o sessionOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// normalizePartition canonicalizes "k1=v1/k2=v2" and "k1=v1,k2=v2" specs
// and strips quoting around values.
func normalizePartition(spec string) string {
	parts := strings.FieldsFunc(spec, func(r rune) bool { return r == ',' || r == '/' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) != 2 {
			continue
		}
		out = append(out, kv[0]+"="+strings.Trim(kv[1], `'"`))
	}
	return strings.Join(out, ",")
}

// partitionValues returns the ordered values of a normalized spec.
func partitionValues(spec string) []string {
	if spec == "" {
		return nil
	}
	parts := strings.Split(spec, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) == 2 {
			out = append(out, kv[1])
		}
	}
	return out
}

func createQuery(kind string, o sessionOptions) url.Values {
	q := url.Values{kind: {""}}
	for _, tag := range o.tags {
		q.Add("tag", tag)
	}
	return q
}

// CreateUploadSession opens an ordinary block-addressed upload session
// against a table.
func (t *TableTunnel) CreateUploadSession(ctx context.Context, table string, opts ...SessionOption) (*UploadSession, error) {
	o := applyOptions(opts)
	u := &UploadSession{}
	u.tunnel = t
	u.table = table
	u.partition = o.partition
	u.written = make(map[int64]struct{})

	st, err := u.call(ctx, http.MethodPost, t.tablePath(table), createQuery("uploads", o), nil)
	if err != nil {
		return nil, err
	}
	u.state.Store(st)
	if err := u.checkUsable(); err != nil {
		return nil, err
	}
	return u, nil
}

// CreateStreamUploadSession opens a stream-upload session for continuous
// ingestion. No caller-visible block ids exist on this path.
func (t *TableTunnel) CreateStreamUploadSession(ctx context.Context, table string, opts ...SessionOption) (*StreamUploadSession, error) {
	o := applyOptions(opts)
	s := &StreamUploadSession{tolerant: o.tolerant, commitCapable: o.commitCapable}
	s.tunnel = t
	s.table = table
	s.partition = o.partition

	st, err := s.call(ctx, http.MethodPost, t.tablePath(table), createQuery("streams", o), nil)
	if err != nil {
		return nil, err
	}
	s.state.Store(st)
	if err := s.checkUsable(); err != nil {
		return nil, err
	}
	return s, nil
}

// CreateDownloadSession opens a download session, fixing the visible
// record count and schema as a consistent read snapshot.
func (t *TableTunnel) CreateDownloadSession(ctx context.Context, table string, opts ...SessionOption) (*DownloadSession, error) {
	o := applyOptions(opts)
	d := &DownloadSession{columns: o.columns}
	d.tunnel = t
	d.table = table
	d.partition = o.partition

	st, err := d.call(ctx, http.MethodPost, t.tablePath(table), createQuery("downloads", o), nil)
	if err != nil {
		return nil, err
	}
	d.state.Store(st)
	if err := d.checkUsable(); err != nil {
		return nil, err
	}
	return d, nil
}

// AttachDownloadSession reattaches to an existing download session by id,
// recovering its snapshot from the server. The session keeps the record
// count and schema fixed at its original creation, so reads resumed
// through a checkpoint journal see the same data.
func (t *TableTunnel) AttachDownloadSession(ctx context.Context, table, id string, opts ...SessionOption) (*DownloadSession, error) {
	o := applyOptions(opts)
	d := &DownloadSession{columns: o.columns}
	d.tunnel = t
	d.table = table
	d.partition = o.partition

	st, err := d.call(ctx, http.MethodGet, t.tablePath(table)+"/downloads/"+id, nil, nil)
	if err != nil {
		return nil, err
	}
	d.state.Store(st)
	if err := d.checkUsable(); err != nil {
		return nil, err
	}
	return d, nil
}

// CreateUpsertSession opens an upsert session against a transactional
// primary-key table.
func (t *TableTunnel) CreateUpsertSession(ctx context.Context, table string, opts ...SessionOption) (*UpsertSession, error) {
	o := applyOptions(opts)
	u := &UpsertSession{}
	u.tunnel = t
	u.table = table
	u.partition = o.partition

	st, err := u.call(ctx, http.MethodPost, t.tablePath(table), createQuery("upserts", o), nil)
	if err != nil {
		return nil, err
	}
	if len(st.PrimaryKeys) == 0 {
		return nil, errors.NewProtocolError(errors.CodeUnsupported,
			fmt.Sprintf("table %s is not a transactional primary-key table", table))
	}
	if st.SlotCount <= 0 {
		st.SlotCount = 1
	}
	u.state.Store(st)
	if err := u.checkUsable(); err != nil {
		return nil, err
	}
	return u, nil
}
