// Package tunnel implements the session-based, block-oriented transfer
// protocol: upload, stream-upload, download, upsert and preview sessions,
// their writers and readers, and the resumable-read algorithm.
package tunnel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"

	"github.com/rrmina/tabletunnel/internal/codec"
	"github.com/rrmina/tabletunnel/internal/compress"
	"github.com/rrmina/tabletunnel/internal/config"
	"github.com/rrmina/tabletunnel/internal/errors"
	"github.com/rrmina/tabletunnel/internal/transport"
	"github.com/rrmina/tabletunnel/pkg/types"
)

// Status is the server-reported session status.
type Status string

const (
	StatusInitiating Status = "initiating"
	StatusNormal     Status = "normal"
	StatusClosed     Status = "closed"
	StatusExpired    Status = "expired"
	StatusCritical   Status = "critical"
)

// sessionState is an immutable session snapshot. Reload swaps the whole
// snapshot through an atomic pointer, so concurrent readers of session
// metadata need no locking.
type sessionState struct {
	ID              string
	Status          Status
	Schema          *types.Schema
	QuotaName       string
	ProtocolVersion int
	Compression     compress.Algorithm
	BlockIDs        []int64
	RecordCount     int64
	PrimaryKeys     []string
	SlotCount       int
}

// session is the embedded base of every concrete session kind.
type session struct {
	tunnel    *TableTunnel
	table     string
	partition string
	state     atomic.Pointer[sessionState]
}

func (s *session) snapshot() *sessionState { return s.state.Load() }

// ID returns the server-assigned session id.
func (s *session) ID() string { return s.snapshot().ID }

// Status returns the status captured by the latest snapshot.
func (s *session) Status() Status { return s.snapshot().Status }

// QuotaName returns the quota serving this session.
func (s *session) QuotaName() string { return s.snapshot().QuotaName }

// Schema returns the schema fixed at session creation.
func (s *session) Schema() *types.Schema { return s.snapshot().Schema }

// ProtocolVersion returns the negotiated protocol version.
func (s *session) ProtocolVersion() int { return s.snapshot().ProtocolVersion }

// supportsMetrics reports whether the negotiated version carries client
// metrics payloads.
func (s *session) supportsMetrics() bool {
	return s.snapshot().ProtocolVersion >= transport.MetricsProtocolVersion
}

// checkUsable fails on terminal server-side states; expired and critical
// are surfaced verbatim and are never retried.
func (s *session) checkUsable() error {
	switch st := s.snapshot(); st.Status {
	case StatusExpired:
		return errors.New(errors.CategoryProtocol, errors.CodeSessionExpired,
			fmt.Sprintf("session %s has expired", st.ID))
	case StatusCritical:
		return errors.New(errors.CategoryProtocol, errors.CodeSessionCritical,
			fmt.Sprintf("session %s is in critical state", st.ID))
	default:
		return nil
	}
}

// sessionPayload is the control-plane session body.
type sessionPayload struct {
	ID          string          `json:"SessionId"`
	Status      string          `json:"Status"`
	QuotaName   string          `json:"QuotaName"`
	Schema      *schemaPayload  `json:"Schema,omitempty"`
	Blocks      []int64         `json:"Blocks,omitempty"`
	RecordCount int64           `json:"RecordCount,omitempty"`
	PrimaryKeys []string        `json:"PrimaryKeys,omitempty"`
	SlotCount   int             `json:"SlotCount,omitempty"`
	Metrics     *metricsPayload `json:"Metrics,omitempty"`
}

type schemaPayload struct {
	Columns    []columnPayload `json:"Columns"`
	Partitions []columnPayload `json:"PartitionColumns,omitempty"`
}

type columnPayload struct {
	Name string `json:"Name"`
	Type string `json:"Type"`
}

func (p *schemaPayload) toSchema() (*types.Schema, error) {
	if p == nil {
		return nil, nil
	}
	parse := func(cols []columnPayload) ([]types.Column, error) {
		out := make([]types.Column, 0, len(cols))
		for _, c := range cols {
			t, err := types.ParseType(c.Type)
			if err != nil {
				return nil, errors.NewProtocolError(errors.CodeBadResponse,
					fmt.Sprintf("column %q has unparseable type %q: %v", c.Name, c.Type, err))
			}
			out = append(out, types.Column{Name: c.Name, Type: t})
		}
		return out, nil
	}
	columns, err := parse(p.Columns)
	if err != nil {
		return nil, err
	}
	partitions, err := parse(p.Partitions)
	if err != nil {
		return nil, err
	}
	return &types.Schema{Columns: columns, Partitions: partitions}, nil
}

// stateFromPayload builds a snapshot from a control-plane reply, taking the
// negotiated protocol version from the response header.
func stateFromPayload(p *sessionPayload, header http.Header) (*sessionState, error) {
	schema, err := p.Schema.toSchema()
	if err != nil {
		return nil, err
	}
	version := transport.MaxProtocolVersion
	if v := header.Get(transport.HeaderVersion); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.NewProtocolError(errors.CodeBadResponse,
				fmt.Sprintf("bad protocol version header %q", v))
		}
		version = n
	}
	return &sessionState{
		ID:              p.ID,
		Status:          Status(p.Status),
		Schema:          schema,
		QuotaName:       p.QuotaName,
		ProtocolVersion: version,
		BlockIDs:        p.Blocks,
		RecordCount:     p.RecordCount,
		PrimaryKeys:     p.PrimaryKeys,
		SlotCount:       p.SlotCount,
	}, nil
}

// call runs one control-plane request and decodes the session payload.
func (s *session) call(ctx context.Context, method, path string, query url.Values, body *transport.Request) (*sessionState, error) {
	req := &transport.Request{Method: method, Path: path, Query: query}
	if body != nil {
		req.Header = body.Header
		req.Body = body.Body
	}
	if s.partition != "" {
		if req.Query == nil {
			req.Query = url.Values{}
		}
		req.Query.Set("partition", s.partition)
	}
	res, err := s.tunnel.transport.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	var payload sessionPayload
	if err := transport.ReadJSON(res, &payload); err != nil {
		return nil, err
	}
	return stateFromPayload(&payload, res.Header)
}

// reload refreshes the snapshot from the server without touching local
// block state.
func (s *session) reload(ctx context.Context, path string) error {
	st, err := s.call(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	s.state.Store(st)
	return nil
}

// CodecOptions translates process configuration into codec policies.
func CodecOptions(cfg *config.Config) codec.Options {
	mode := types.StructAsNamed
	switch cfg.StructMode {
	case config.StructModeMap:
		mode = types.StructAsMap
	case config.StructModeOrderedMap:
		mode = types.StructAsOrderedMap
	}
	return codec.Options{
		AllowAntiqueDate:   cfg.AllowAntiqueDate,
		OverflowDateAsNone: cfg.OverflowDateAsNone,
		StringAsBinary:     cfg.StringAsBinary,
		StructMode:         mode,
	}
}
