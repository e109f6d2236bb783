package retrieve

import (
	"context"
	"errors"
	"io"

	"github.com/pithecene-io/wadostream/multipart"
	"github.com/pithecene-io/wadostream/stream"
	"github.com/pithecene-io/wadostream/types"
)

// stream consumes one GET as a chunk sequence. Intermediate frames are
// emitted each time the accumulator crosses its threshold and the
// multipart header is available. The terminal frame is emitted once the
// body is exhausted.
func (r *Runner) stream(ctx context.Context, req Request, sink Sink) error {
	if err := ctx.Err(); err != nil {
		return cancelled(ctx, req.ImageID)
	}

	cs, err := r.client.Stream(ctx, req.transportRequest(nil))
	if err != nil {
		return err
	}
	defer func() { _ = cs.Close() }()

	acc, err := stream.NewAccumulator(stream.Config{
		ImageID:      req.ImageID,
		MinChunkSize: req.MinChunkSize,
		TotalBytes:   cs.TotalBytes(),
		Logger:       r.logger,
	})
	if err != nil {
		return err
	}

	var state *multipart.State
	for {
		if ctx.Err() != nil {
			acc.Discard()
			return cancelled(ctx, req.ImageID)
		}

		chunk, err := cs.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			acc.Discard()
			return err
		}

		em, err := acc.Append(chunk)
		if err != nil {
			acc.Discard()
			return err
		}
		if em == nil {
			continue
		}

		res, err := multipart.Extract(cs.ContentType, em.Buffer, state, true)
		if errors.Is(err, multipart.ErrNeedMoreData) {
			continue
		}
		if err != nil {
			acc.Discard()
			return types.AsRetrievalError(err, req.ImageID)
		}
		state = res.State
		if len(res.Payload) == 0 {
			continue
		}

		status := types.StatusFor(false, req.Options.Lossy, false)
		sink.Frame(newFrame(&req, res, cs.ContentType, status, false, em.LoadedBytes, em.TotalBytes))
	}

	em, err := acc.Finish()
	if err != nil {
		return err
	}
	res, err := multipart.Extract(cs.ContentType, em.Buffer, state, false)
	if err != nil {
		return types.AsRetrievalError(err, req.ImageID)
	}

	status := types.StatusFor(true, req.Options.Lossy, false)
	sink.Frame(newFrame(&req, res, cs.ContentType, status, true, em.LoadedBytes, em.TotalBytes))
	return nil
}

// whole fetches the resource in one GET and emits a single final frame.
func (r *Runner) whole(ctx context.Context, req Request, sink Sink) error {
	if err := ctx.Err(); err != nil {
		return cancelled(ctx, req.ImageID)
	}

	body, err := r.client.Fetch(ctx, req.transportRequest(nil))
	if err != nil {
		return err
	}

	res, err := multipart.Extract(body.ContentType, body.Data, nil, false)
	if err != nil {
		return types.AsRetrievalError(err, req.ImageID)
	}

	loaded := int64(len(body.Data))
	total := body.TotalBytes()
	if total < loaded {
		total = loaded
	}
	status := types.StatusFor(true, req.Options.Lossy, false)
	sink.Frame(newFrame(&req, res, body.ContentType, status, true, loaded, total))
	return nil
}
