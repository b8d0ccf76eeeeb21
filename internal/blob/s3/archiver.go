package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/arseneeth/shayd/internal/domain"
)

const defaultBatchSize = 500

// Archiver drains the durable liquidation stream into object storage as
// newline-delimited JSON, for long-term audit beyond the stream's trim
// horizon. The primary stream is never deleted here; Redis trims it by
// length on append.
type Archiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	bus       domain.SignalBus
	stream    string
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	// checkpointKey stores the id of the last archived entry of this
	// stream so the archiver resumes instead of re-uploading on restart.
	checkpointKey string

	lastID string
}

// NewArchiver creates an Archiver draining the given stream.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, bus domain.SignalBus, stream string, interval time.Duration, logger *slog.Logger) *Archiver {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Archiver{
		writer:        writer,
		reader:        reader,
		bus:           bus,
		stream:        stream,
		interval:      interval,
		batchSize:     defaultBatchSize,
		checkpointKey: "audit/" + stream + "/checkpoint",
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// Run loads the checkpoint and archives batches until ctx is canceled.
func (a *Archiver) Run(ctx context.Context) error {
	if err := a.loadCheckpoint(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.ArchiveOnce(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive pass failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// ArchiveOnce uploads one batch of stream entries and advances the
// checkpoint. It returns the number of entries archived.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	lastID := a.lastID
	if lastID == "" {
		lastID = "0"
	}

	msgs, err := a.bus.StreamRead(ctx, a.stream, lastID, a.batchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: read stream %s: %w", a.stream, err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	for _, msg := range msgs {
		buf.Write(msg.Payload)
		buf.WriteByte('\n')
	}

	// Keys embed the first entry id, which is unique and ordered, so
	// re-running a failed pass overwrites rather than duplicates.
	path := fmt.Sprintf("audit/%s/%s/%s.jsonl",
		a.stream, time.Now().UTC().Format("2006-01-02"), msgs[0].ID)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf.Bytes()), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: upload %s: %w", path, err)
	}

	a.lastID = msgs[len(msgs)-1].ID
	if err := a.saveCheckpoint(ctx); err != nil {
		// The batch is uploaded; the next pass will overwrite it rather
		// than lose entries.
		a.logger.WarnContext(ctx, "checkpoint write failed",
			slog.String("error", err.Error()),
		)
	}

	a.logger.InfoContext(ctx, "stream batch archived",
		slog.String("path", path),
		slog.Int("entries", len(msgs)),
		slog.String("last_id", a.lastID),
	)
	return len(msgs), nil
}

func (a *Archiver) loadCheckpoint(ctx context.Context) error {
	body, err := a.reader.Get(ctx, a.checkpointKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.lastID = "0"
			return nil
		}
		return fmt.Errorf("s3blob: load checkpoint: %w", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("s3blob: read checkpoint: %w", err)
	}
	a.lastID = strings.TrimSpace(string(data))
	if a.lastID == "" {
		a.lastID = "0"
	}
	return nil
}

func (a *Archiver) saveCheckpoint(ctx context.Context) error {
	return a.writer.Put(ctx, a.checkpointKey, strings.NewReader(a.lastID), "text/plain")
}
