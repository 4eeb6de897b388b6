// Package main implements the tabletunnel command line client: bulk
// upload, download and preview against the tunnel service, using the
// escaped CSV text format at the file boundary.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/rrmina/tabletunnel/internal/checkpoint"
	"github.com/rrmina/tabletunnel/internal/codec"
	"github.com/rrmina/tabletunnel/internal/compress"
	"github.com/rrmina/tabletunnel/internal/config"
	"github.com/rrmina/tabletunnel/internal/stage"
	"github.com/rrmina/tabletunnel/internal/transport"
	"github.com/rrmina/tabletunnel/internal/tunnel"
	"github.com/rrmina/tabletunnel/pkg/types"
)

// checkpointEvery is the number of delivered records between journal
// updates during a download.
const checkpointEvery = 512

func main() {
	log.SetFlags(0)
	log.SetPrefix("tabletunnel: ")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "upload":
		err = runUpload(args)
	case "download":
		err = runDownload(args)
	case "preview":
		err = runPreview(args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `tabletunnel - bulk data transfer client

Usage: tabletunnel <command> [flags]

Commands:
  upload    Upload an escaped CSV file into a table
  download  Download a table range into an escaped CSV file
  preview   Print the head of a table as escaped CSV

Run "tabletunnel <command> -h" for command flags.

Configuration comes from -config (YAML or JSON) overlaid with TUNNEL_*
environment variables; TUNNEL_ENDPOINT and TUNNEL_PROJECT are required
when no config file supplies them.
`)
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("no endpoint configured (set endpoint in the config file or TUNNEL_ENDPOINT)")
	}
	if cfg.Project == "" {
		return nil, fmt.Errorf("no project configured (set project in the config file or TUNNEL_PROJECT)")
	}
	return cfg, nil
}

func newTunnel(cfg *config.Config) (*tunnel.TableTunnel, error) {
	tr, err := transport.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return tunnel.New(tr, cfg), nil
}

func runUpload(args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML or JSON configuration")
	table := fs.String("table", "", "target table")
	partition := fs.String("partition", "", `partition spec, e.g. "ds=20260831"`)
	file := fs.String("file", "", "escaped CSV input with a header line (default stdin)")
	algo := fs.String("compress", "", "block compression: zlib, snappy, zstd or lz4")
	fs.Parse(args)

	if *table == "" {
		return fmt.Errorf("-table is required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	tun, err := newTunnel(cfg)
	if err != nil {
		return err
	}

	in := io.Reader(os.Stdin)
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	ctx := context.Background()
	var opts []tunnel.SessionOption
	if *partition != "" {
		opts = append(opts, tunnel.WithPartition(*partition))
	}
	sess, err := tun.CreateUploadSession(ctx, *table, opts...)
	if err != nil {
		return err
	}
	log.Printf("upload session %s opened against %s", sess.ID(), *table)

	stager, err := stageSource(ctx, cfg, sess.ID(), *file)
	if err != nil {
		return err
	}

	reader, err := tunnel.NewTextReader(in, sess.Schema(), tunnel.CodecOptions(cfg))
	if err != nil {
		return err
	}
	w, err := sess.OpenBufferedWriter(tunnel.WithCompression(compress.Algorithm(*algo)))
	if err != nil {
		return err
	}

	var records int64
	for {
		rec, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			abort(ctx, sess)
			return fmt.Errorf("record %d: %w", records+1, err)
		}
		if err := w.Write(ctx, rec); err != nil {
			abort(ctx, sess)
			return err
		}
		records++
	}
	if err := w.Close(ctx); err != nil {
		abort(ctx, sess)
		return err
	}

	blocks := w.BlocksWritten()
	if err := sess.Commit(ctx, blocks); err != nil {
		return err
	}
	if stager != nil {
		if err := stager.Cleanup(ctx, sess.ID()); err != nil {
			log.Printf("staged source cleanup failed: %v", err)
		}
	}
	log.Printf("uploaded %d records in %d blocks", records, len(blocks))
	if m := w.Metrics(); m != nil {
		log.Printf("sent %d bytes (%d raw), network %s, server %s",
			m.BytesSent, m.BytesRaw, m.NetworkWallCost, m.TunnelProcessCost+m.StorageCost)
	}
	return nil
}

// stageSource copies the source file to the configured object store under
// the session prefix, so an interrupted upload can be retried without the
// original file. No staging bucket or stdin input disables it.
func stageSource(ctx context.Context, cfg *config.Config, sessionID, file string) (*stage.Stager, error) {
	if cfg.Staging.Bucket == "" || file == "" {
		return nil, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	store, err := stage.NewS3Store(ctx, cfg.Staging)
	if err != nil {
		return nil, err
	}
	stager := stage.NewStager(store, cfg.Staging.Concurrency)
	res, err := stager.Stage(ctx, sessionID, []stage.Block{{ID: 0, Payload: data}})
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("staging source: %v", res.Errors[0])
	}
	log.Printf("staged %s as %s", file, res.Keys[0])
	return stager, nil
}

type abortable interface {
	Abort(ctx context.Context) error
}

func abort(ctx context.Context, sess abortable) {
	if err := sess.Abort(ctx); err != nil {
		log.Printf("abort failed: %v", err)
	}
}

func runDownload(args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML or JSON configuration")
	table := fs.String("table", "", "source table")
	partition := fs.String("partition", "", "partition spec")
	columns := fs.String("columns", "", "comma-separated column projection")
	start := fs.Int64("start", 0, "first record index")
	count := fs.Int64("count", -1, "record count (-1 for the whole snapshot)")
	out := fs.String("out", "", "output file (default stdout)")
	sessionID := fs.String("session", "", "existing download session id to reattach")
	appendPt := fs.Bool("append-partitions", false, "append partition key values to every record")
	fs.Parse(args)

	if *table == "" {
		return fmt.Errorf("-table is required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	tun, err := newTunnel(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	var opts []tunnel.SessionOption
	if *partition != "" {
		opts = append(opts, tunnel.WithPartition(*partition))
	}
	if *columns != "" {
		opts = append(opts, tunnel.WithColumns(strings.Split(*columns, ",")...))
	}

	var sess *tunnel.DownloadSession
	if *sessionID != "" {
		sess, err = tun.AttachDownloadSession(ctx, *table, *sessionID, opts...)
	} else {
		sess, err = tun.CreateDownloadSession(ctx, *table, opts...)
	}
	if err != nil {
		return err
	}
	log.Printf("download session %s: %d records visible", sess.ID(), sess.Count())

	total := *count
	if total < 0 {
		total = sess.Count() - *start
	}
	if total <= 0 {
		log.Printf("nothing to download")
		return nil
	}

	// Resume from journaled progress when a checkpoint path is configured.
	var journal *checkpoint.Journal
	var delivered int64
	if cfg.CheckpointPath != "" {
		journal, err = checkpoint.Open(cfg.CheckpointPath)
		if err != nil {
			return err
		}
		defer journal.Close()
		if d, ok, err := journal.Load(sess.ID(), *start); err != nil {
			return err
		} else if ok {
			delivered = d
			log.Printf("resuming at record %d of %d", delivered, total)
		}
	}
	if delivered >= total {
		log.Printf("range already delivered")
		return nil
	}

	var readerOpts []tunnel.ReaderOption
	if *appendPt {
		readerOpts = append(readerOpts, tunnel.WithAppendPartitions())
	}
	r, err := sess.OpenRecordReader(ctx, *start+delivered, total-delivered, readerOpts...)
	if err != nil {
		return err
	}
	defer r.Close()

	dst := io.Writer(os.Stdout)
	if *out != "" {
		flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if delivered > 0 {
			flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
		f, err := os.OpenFile(*out, flags, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		dst = f
	}

	cw := csv.NewWriter(dst)
	if delivered == 0 {
		if err := cw.Write(columnNames(r.Columns())); err != nil {
			return err
		}
	}
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			cw.Flush()
			if journal != nil {
				if jerr := journal.Save(sess.ID(), *start, delivered); jerr != nil {
					log.Printf("checkpoint save failed: %v", jerr)
				}
			}
			return err
		}
		if err := cw.Write(formatRecord(rec, r.Columns())); err != nil {
			return err
		}
		delivered++
		if journal != nil && delivered%checkpointEvery == 0 {
			cw.Flush()
			if err := cw.Error(); err != nil {
				return err
			}
			if err := journal.Save(sess.ID(), *start, delivered); err != nil {
				log.Printf("checkpoint save failed: %v", err)
			}
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	if journal != nil {
		if err := journal.Clear(sess.ID()); err != nil {
			log.Printf("checkpoint clear failed: %v", err)
		}
	}
	log.Printf("downloaded %d records", delivered)
	if m := r.Metrics(); m != nil {
		log.Printf("received %d bytes off the wire", m.BytesReceived)
	}
	return nil
}

func runPreview(args []string) error {
	fs := flag.NewFlagSet("preview", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML or JSON configuration")
	table := fs.String("table", "", "source table")
	partition := fs.String("partition", "", "partition spec")
	columns := fs.String("columns", "", "comma-separated column projection")
	limit := fs.Int64("limit", 20, "maximum records to preview")
	fs.Parse(args)

	if *table == "" {
		return fmt.Errorf("-table is required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	tun, err := newTunnel(cfg)
	if err != nil {
		return err
	}

	var opts []tunnel.ReaderOption
	if *partition != "" {
		opts = append(opts, tunnel.WithReadPartition(*partition))
	}
	if *columns != "" {
		opts = append(opts, tunnel.WithProjection(strings.Split(*columns, ",")...))
	}
	frame, err := tun.PreviewFrame(context.Background(), *table, *limit, opts...)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(os.Stdout)
	cols := frame.Columns()
	if err := cw.Write(columnNames(cols)); err != nil {
		return err
	}
	fields := make([]string, len(cols))
	for row := 0; row < frame.Rows(); row++ {
		for i, c := range cols {
			fields[i] = codec.FormatValue(frame.Value(row, i), c.Type)
		}
		if err := cw.Write(fields); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func columnNames(cols []types.Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

func formatRecord(rec *types.Record, cols []types.Column) []string {
	fields := make([]string, len(cols))
	for i, v := range rec.Values() {
		fields[i] = codec.FormatValue(v, cols[i].Type)
	}
	return fields
}
