package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/gpusync"
	"github.com/gogpu/gpusync/access"
)

// idleTimeout bounds the final wait for the device to drain.
const idleTimeout = 5 * time.Second

// RecorderResult is what one recorder of a scenario produced.
type RecorderResult struct {
	Name     string
	Queue    access.QueueID
	State    gpusync.State
	Token    gpusync.Token
	Commands []gpusync.SyncCommand
	Err      error
}

// Report is the outcome of a replay.
type Report struct {
	Recorders []RecorderResult
}

// Failed reports whether any recorder failed.
func (r *Report) Failed() bool { return r.Failures() > 0 }

// Failures counts the recorders that failed.
func (r *Report) Failures() int {
	n := 0
	for _, rec := range r.Recorders {
		if rec.Err != nil {
			n++
		}
	}
	return n
}

// Print writes each recorder's synchronization commands and a summary.
func (r *Report) Print(w io.Writer) {
	var cmds, coarse, transfers int
	for _, rec := range r.Recorders {
		fmt.Fprintf(w, "recorder %s (queue %d): %s\n", rec.Name, rec.Queue, rec.State)
		for _, c := range rec.Commands {
			fmt.Fprintf(w, "  %s: %s\n", c.Op, c)
			cmds++
			transfers += c.Transfers()
			if c.Coarse {
				coarse++
			}
		}
		if rec.Err != nil {
			fmt.Fprintf(w, "  error: %v\n", rec.Err)
		}
	}
	fmt.Fprintf(w, "%d sync commands, %d coarse, %d ownership transfers\n", cmds, coarse, transfers)
}

// Replay records sc on the noop backend and submits every recorder that
// ended. Recorder failures are reported per recorder; the returned error
// covers setup and device failures only.
func Replay(ctx context.Context, sc *Scenario, opts ...gpusync.Option) (*Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	instance, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	defer instance.Destroy()
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		return nil, errors.New("replay: noop backend exposes no adapter")
	}
	open, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	defer open.Device.Destroy()

	queues := map[access.QueueID]hal.Queue{0: open.Queue}
	for q := 1; q < sc.Queues; q++ {
		queues[access.QueueID(q)] = &noop.Queue{}
	}
	gctx, err := gpusync.NewContext(open.Device, queues, opts...)
	if err != nil {
		return nil, err
	}

	ids, kinds, err := createResources(gctx, sc.Resources)
	if err != nil {
		return nil, err
	}

	results := make([]RecorderResult, len(sc.Recorders))
	recs := make([]*gpusync.Recorder, len(sc.Recorders))
	for i, spec := range sc.Recorders {
		results[i] = RecorderResult{Name: spec.Name, Queue: access.QueueID(spec.Queue)}
		if recs[i], err = gctx.NewRecorder(access.QueueID(spec.Queue), spec.Name); err != nil {
			return nil, err
		}
	}

	record := func(i int) {
		results[i].Err = recordOne(recs[i], sc.Recorders[i], ids, kinds)
	}
	if sc.Parallel {
		// Every recorder is begun before any declares so their scopes
		// overlap.
		for i, r := range recs {
			if err := r.Begin(); err != nil {
				results[i].Err = err
			}
		}
		var g errgroup.Group
		for i := range recs {
			if results[i].Err != nil {
				continue
			}
			g.Go(func() error {
				record(i)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, r := range recs {
			if err := r.Begin(); err != nil {
				results[i].Err = err
				continue
			}
			record(i)
		}
	}

	for i, r := range recs {
		if r.State() != gpusync.StateExecutable {
			continue
		}
		tok, err := r.Submit(ctx)
		if err != nil {
			results[i].Err = err
			if errors.Is(err, gpusync.ErrDeviceFailure) {
				return finish(results, recs), err
			}
			continue
		}
		results[i].Token = tok
	}

	if err := gctx.WaitIdle(ctx, idleTimeout); err != nil {
		return finish(results, recs), err
	}
	if err := gctx.Close(); err != nil {
		return finish(results, recs), err
	}
	return finish(results, recs), nil
}

// recordOne declares the operations of rs on r, then ends or abandons
// it. A failed declaration abandons the recorder.
func recordOne(r *gpusync.Recorder, rs RecorderSpec, ids map[string]access.ResourceID, kinds map[string]string) error {
	for i, op := range rs.Ops {
		accs := make([]access.Access, 0, len(op.Accesses))
		for _, a := range op.Accesses {
			acc, err := a.parse(ids[a.Resource], kinds[a.Resource])
			if err != nil {
				return err
			}
			accs = append(accs, acc)
		}
		if err := r.Execute(op.opName(i), accs, nil); err != nil {
			if aerr := r.Abandon(); aerr != nil {
				return errors.Join(err, aerr)
			}
			return err
		}
	}
	if rs.Abandon {
		return r.Abandon()
	}
	return r.End()
}

func createResources(gctx *gpusync.Context, specs []ResourceSpec) (map[string]access.ResourceID, map[string]string, error) {
	ids := make(map[string]access.ResourceID, len(specs))
	kinds := make(map[string]string, len(specs))
	for _, s := range specs {
		var sharing access.Sharing
		if len(s.Sharing) > 0 {
			qs := make([]access.QueueID, len(s.Sharing))
			for i, q := range s.Sharing {
				qs[i] = access.QueueID(q)
			}
			sharing = access.Concurrent(qs...)
		}

		var (
			id  access.ResourceID
			err error
		)
		switch s.Kind {
		case "buffer":
			id, err = gctx.CreateBuffer(gpusync.BufferDesc{
				Label:   s.Name,
				Size:    s.Size,
				Usage:   gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst | gputypes.BufferUsageStorage | gputypes.BufferUsageVertex,
				Sharing: sharing,
			})
		case "image":
			format := gputypes.TextureFormatRGBA8Unorm
			usage := gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst | gputypes.TextureUsageTextureBinding | gputypes.TextureUsageRenderAttachment
			if s.DepthStencil {
				format = gputypes.TextureFormatDepth24PlusStencil8
			} else {
				usage |= gputypes.TextureUsageStorageBinding
			}
			id, err = gctx.CreateImage(gpusync.ImageDesc{
				Label:              s.Name,
				Width:              s.Width,
				Height:             s.Height,
				DepthOrArrayLayers: max(s.Layers, 1),
				MipLevels:          max(s.Mips, 1),
				Dimension:          gputypes.TextureDimension2D,
				Format:             format,
				Usage:              usage,
				Sharing:            sharing,
			})
		}
		if err != nil {
			return nil, nil, err
		}
		ids[s.Name] = id
		kinds[s.Name] = s.Kind
	}
	return ids, kinds, nil
}

func finish(results []RecorderResult, recs []*gpusync.Recorder) *Report {
	for i, r := range recs {
		if r == nil {
			continue
		}
		results[i].State = r.State()
		results[i].Commands = r.Commands()
	}
	return &Report{Recorders: results}
}
