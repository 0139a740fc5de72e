package libingest

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/quay/honeycore"
	"github.com/quay/honeycore/datastore"
	"github.com/quay/honeycore/jsonline"
)

// LoadDelta ingests only what the named file has accumulated since the
// last committed run for the same source.
//
// The per-source cursor records the last flushed offset, the file's
// inode, a generation counter, and the payload hash at offset 0. An
// inode change means the file was rotated; an unchanged inode with a
// different offset-0 hash means it was truncated and rewritten. Either
// way the generation increments and the file is re-read from the top.
func (l *Loader) LoadDelta(ctx context.Context, path string) (*Metrics, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "libingest/Loader.LoadDelta",
		"source", path)
	ctx, span := tracer.Start(ctx, "honeycore.delta.load")
	defer span.End()

	inode, err := jsonline.StatInode(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %q: %w", path, err)
	}
	cur, err := l.cursorFor(ctx, path)
	if err != nil {
		return nil, err
	}

	switch {
	case cur.Inode != 0 && cur.Inode != inode:
		zlog.Info(ctx).
			Uint64("old_inode", cur.Inode).
			Uint64("new_inode", inode).
			Msg("file rotated, re-reading")
		cur.Generation++
		cur.LastOffset = -1
		cur.FirstHash = honeycore.Digest{}
	case !cur.FirstHash.IsZero():
		h, ok, err := l.readFirstHash(ctx, path)
		if err != nil {
			return nil, err
		}
		if ok && h.String() != cur.FirstHash.String() {
			zlog.Info(ctx).Msg("file rewritten in place, re-reading")
			cur.Generation++
			cur.LastOffset = -1
			cur.FirstHash = honeycore.Digest{}
		}
	}

	rd, err := jsonline.Open(ctx, path, jsonline.Options{Pretty: l.opts.Pretty})
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", path, err)
	}
	defer rd.Close()

	pos := sourcePos{
		ingestID:   uuid.New(),
		source:     path,
		inode:      inode,
		generation: cur.Generation,
	}
	zlog.Info(ctx).
		Str("ingest_id", pos.ingestID.String()).
		Int64("generation", cur.Generation).
		Int64("cursor_offset", cur.LastOffset).
		Msg("delta load starting")
	return l.run(ctx, rd, pos, cur, "delta")
}

// cursorFor loads the source's cursor, bootstrapping one from existing
// raw_event rows when the cursor table has never seen the source.
func (l *Loader) cursorFor(ctx context.Context, source string) (*datastore.Cursor, error) {
	cur, err := l.opts.Store.GetCursor(ctx, source)
	switch {
	case err == nil:
		return cur, nil
	case errors.Is(err, datastore.ErrNotFound):
	default:
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}

	cur = &datastore.Cursor{Source: source, LastOffset: -1}
	gen, off, ok, err := l.opts.Store.MaxSourcePosition(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to bootstrap cursor: %w", err)
	}
	if !ok {
		return cur, nil
	}
	cur.Generation = gen
	cur.LastOffset = off
	if h, ok, err := l.opts.Store.FirstPayloadHash(ctx, source, gen); err != nil {
		return nil, fmt.Errorf("failed to bootstrap cursor: %w", err)
	} else if ok {
		cur.FirstHash = h
	}
	zlog.Info(ctx).
		Int64("generation", gen).
		Int64("offset", off).
		Msg("cursor bootstrapped from existing rows")
	return cur, nil
}

// readFirstHash computes the identity of the file's first line
// without advancing any state. ok is false for an empty file.
func (l *Loader) readFirstHash(ctx context.Context, path string) (honeycore.Digest, bool, error) {
	rd, err := jsonline.Open(ctx, path, jsonline.Options{Pretty: l.opts.Pretty})
	if err != nil {
		return honeycore.Digest{}, false, fmt.Errorf("failed to open %q: %w", path, err)
	}
	defer rd.Close()
	line, err := rd.Next(ctx)
	switch {
	case errors.Is(err, io.EOF):
		return honeycore.Digest{}, false, nil
	case err != nil:
		return honeycore.Digest{}, false, err
	}
	p := l.prepare(line, sourcePos{ingestID: uuid.Nil, source: path})
	return lineHash(p, line), true, nil
}
