package libingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/quay/honeycore/jsonline"
)

// LoadBulk ingests the whole named file.
//
// Bulk loads carry no cursor: every line is processed, and re-running
// over the same file relies on the raw_event natural key to skip
// duplicates.
func (l *Loader) LoadBulk(ctx context.Context, path string) (*Metrics, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "libingest/Loader.LoadBulk",
		"source", path)
	ctx, span := tracer.Start(ctx, "honeycore.bulk.load")
	defer span.End()

	inode, err := jsonline.StatInode(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %q: %w", path, err)
	}
	rd, err := jsonline.Open(ctx, path, jsonline.Options{Pretty: l.opts.Pretty})
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", path, err)
	}
	defer rd.Close()

	pos := sourcePos{
		ingestID: uuid.New(),
		source:   path,
		inode:    inode,
	}
	zlog.Info(ctx).
		Str("ingest_id", pos.ingestID.String()).
		Msg("bulk load starting")
	return l.run(ctx, rd, pos, nil, "bulk")
}
