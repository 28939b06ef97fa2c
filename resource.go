package gpusync

import (
	"fmt"
	"log/slog"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusync/access"
	"github.com/gogpu/gpusync/internal/interval"
	"github.com/gogpu/gpusync/internal/track"
)

// BufferDesc describes a buffer created through the context.
type BufferDesc struct {
	Label   string
	Size    uint64
	Usage   gputypes.BufferUsage
	Sharing access.Sharing
}

// ImageDesc describes an image created through the context.
type ImageDesc struct {
	Label         string
	Width, Height uint32
	// DepthOrArrayLayers is the depth of a 3D image or the layer count of
	// any other.
	DepthOrArrayLayers uint32
	MipLevels          uint32
	Dimension          gputypes.TextureDimension
	Format             gputypes.TextureFormat
	Usage              gputypes.TextureUsage
	Sharing            access.Sharing
}

// extent returns the tracked extent of an image described by d.
func (d ImageDesc) extent() access.Extent {
	layers := d.DepthOrArrayLayers
	if d.Dimension == gputypes.TextureDimension3D {
		layers = 1
	}
	ext := access.ImageExtent(d.MipLevels, layers, formatAspects(d.Format))
	ext.TexelSize = formatTexelSize(d.Format)
	return ext
}

// formatTexelSize returns the bytes per texel of uncompressed formats and
// zero for block-compressed and combined depth/stencil ones.
func formatTexelSize(f gputypes.TextureFormat) uint32 {
	switch f {
	case gputypes.TextureFormatR8Unorm, gputypes.TextureFormatR8Snorm,
		gputypes.TextureFormatR8Uint, gputypes.TextureFormatR8Sint,
		gputypes.TextureFormatStencil8:
		return 1
	case gputypes.TextureFormatR16Unorm, gputypes.TextureFormatR16Snorm,
		gputypes.TextureFormatR16Uint, gputypes.TextureFormatR16Sint,
		gputypes.TextureFormatR16Float, gputypes.TextureFormatRG8Unorm,
		gputypes.TextureFormatRG8Snorm, gputypes.TextureFormatRG8Uint,
		gputypes.TextureFormatRG8Sint, gputypes.TextureFormatDepth16Unorm:
		return 2
	case gputypes.TextureFormatR32Float, gputypes.TextureFormatR32Uint,
		gputypes.TextureFormatR32Sint, gputypes.TextureFormatRG16Unorm,
		gputypes.TextureFormatRG16Snorm, gputypes.TextureFormatRG16Uint,
		gputypes.TextureFormatRG16Sint, gputypes.TextureFormatRG16Float,
		gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb,
		gputypes.TextureFormatRGBA8Snorm, gputypes.TextureFormatRGBA8Uint,
		gputypes.TextureFormatRGBA8Sint, gputypes.TextureFormatBGRA8Unorm,
		gputypes.TextureFormatBGRA8UnormSrgb, gputypes.TextureFormatRGB10A2Uint,
		gputypes.TextureFormatRGB10A2Unorm, gputypes.TextureFormatRG11B10Ufloat,
		gputypes.TextureFormatRGB9E5Ufloat, gputypes.TextureFormatDepth32Float:
		return 4
	case gputypes.TextureFormatRG32Float, gputypes.TextureFormatRG32Uint,
		gputypes.TextureFormatRG32Sint, gputypes.TextureFormatRGBA16Unorm,
		gputypes.TextureFormatRGBA16Snorm, gputypes.TextureFormatRGBA16Uint,
		gputypes.TextureFormatRGBA16Sint, gputypes.TextureFormatRGBA16Float:
		return 8
	case gputypes.TextureFormatRGBA32Float, gputypes.TextureFormatRGBA32Uint,
		gputypes.TextureFormatRGBA32Sint:
		return 16
	}
	return 0
}

// formatAspects returns the aspects an image of format f has.
func formatAspects(f gputypes.TextureFormat) access.Aspect {
	if !f.IsDepthStencil() {
		return access.AspectColor
	}
	var a access.Aspect
	if f.HasDepth() {
		a |= access.AspectDepth
	}
	if f.HasStencil() {
		a |= access.AspectStencil
	}
	return a
}

// CreateBuffer allocates a buffer on the device and starts tracking it.
func (c *Context) CreateBuffer(d BufferDesc) (access.ResourceID, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	if d.Size == 0 {
		return 0, fmt.Errorf("create buffer %q: zero size: %w", d.Label, ErrRangeOutOfBounds)
	}
	buf, err := c.device.CreateBuffer(&hal.BufferDescriptor{
		Label: d.Label,
		Size:  d.Size,
		Usage: d.Usage,
	})
	if err != nil {
		return 0, c.deviceFailure("create buffer", err)
	}
	e := c.table.Register(track.Desc{
		Label:   d.Label,
		Extent:  access.BufferExtent(d.Size),
		Sharing: d.Sharing,
		Buffer:  buf,
		Owned:   true,
	})
	c.logger.Debug("gpusync: buffer created",
		slog.Uint64("resource", uint64(e.ID())),
		slog.String("label", d.Label),
		slog.Uint64("size", d.Size))
	return e.ID(), nil
}

// CreateImage allocates an image on the device and starts tracking it.
func (c *Context) CreateImage(d ImageDesc) (access.ResourceID, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	if d.Width == 0 || d.Height == 0 {
		return 0, fmt.Errorf("create image %q: zero size: %w", d.Label, ErrRangeOutOfBounds)
	}
	dim := d.Dimension
	if dim == gputypes.TextureDimensionUndefined {
		dim = gputypes.TextureDimension2D
		d.Dimension = dim
	}
	ext := d.extent()
	tex, err := c.device.CreateTexture(&hal.TextureDescriptor{
		Label: d.Label,
		Size: hal.Extent3D{
			Width:              d.Width,
			Height:             d.Height,
			DepthOrArrayLayers: max(d.DepthOrArrayLayers, 1),
		},
		MipLevelCount: ext.Mips,
		SampleCount:   1,
		Dimension:     dim,
		Format:        d.Format,
		Usage:         d.Usage,
	})
	if err != nil {
		return 0, c.deviceFailure("create image", err)
	}
	e := c.table.Register(track.Desc{
		Label:   d.Label,
		Extent:  ext,
		Sharing: d.Sharing,
		Texture: tex,
		Owned:   true,
	})
	c.logger.Debug("gpusync: image created",
		slog.Uint64("resource", uint64(e.ID())),
		slog.String("label", d.Label),
		slog.Uint64("mips", uint64(ext.Mips)),
		slog.Uint64("layers", uint64(ext.Layers)))
	return e.ID(), nil
}

// ImportBuffer starts tracking a buffer allocated elsewhere. buf may be
// nil for bookkeeping-only tracking, in which case no native barriers are
// recorded for it. The context never destroys imported buffers; the
// release hook reports when they are no longer referenced.
func (c *Context) ImportBuffer(label string, buf hal.Buffer, size uint64, sharing access.Sharing) (access.ResourceID, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, fmt.Errorf("import buffer %q: zero size: %w", label, ErrRangeOutOfBounds)
	}
	e := c.table.Register(track.Desc{
		Label:   label,
		Extent:  access.BufferExtent(size),
		Sharing: sharing,
		Buffer:  buf,
	})
	return e.ID(), nil
}

// ImportImage starts tracking an image allocated elsewhere. ext must be an
// image extent; its TexelSize tightens buffer footprints of copies.
// Layout tracking starts from LayoutUndefined.
func (c *Context) ImportImage(label string, tex hal.Texture, ext access.Extent, sharing access.Sharing) (access.ResourceID, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	if ext.Kind != access.KindImage {
		return 0, fmt.Errorf("import image %q: %w", label, ErrKindMismatch)
	}
	tracked := access.ImageExtent(ext.Mips, ext.Layers, ext.Aspects)
	tracked.TexelSize = ext.TexelSize
	e := c.table.Register(track.Desc{
		Label:   label,
		Extent:  tracked,
		Sharing: sharing,
		Texture: tex,
	})
	return e.ID(), nil
}

// Destroy ends the resource's lifetime. The handle is dead immediately:
// every later declaration using it fails with ErrUseAfterFree. The native
// resource is released once no in-flight submission references it.
func (c *Context) Destroy(id access.ResourceID) error {
	if err := c.check(); err != nil {
		return err
	}
	e, err := c.table.Lookup(id)
	if err != nil {
		return fmt.Errorf("destroy: %w", err)
	}
	e.Lock()
	if e.Destroyed() {
		e.Unlock()
		return fmt.Errorf("destroy resource %d: %w", id, ErrUseAfterFree)
	}
	e.MarkDestroyed()
	idle := e.InFlight() == 0
	e.Unlock()

	if idle {
		c.release(e)
	} else {
		c.logger.Debug("gpusync: release deferred until retirement",
			slog.Uint64("resource", uint64(id)))
	}
	return nil
}

// release frees a destroyed entry that nothing references any more.
func (c *Context) release(e *track.Entry) {
	if err := c.table.Remove(e.ID()); err != nil {
		return
	}
	if e.Owned() {
		if b := e.Buffer(); b != nil {
			c.device.DestroyBuffer(b)
		}
		if t := e.Texture(); t != nil {
			c.device.DestroyTexture(t)
		}
	}
	c.logger.Debug("gpusync: resource released",
		slog.Uint64("resource", uint64(e.ID())),
		slog.String("label", e.Label()))
	if c.onRelease != nil {
		c.onRelease(e.ID())
	}
}

// RangeState is a snapshot of the state recorded for one span of a
// resource. Image spans are given in linearized subresource indices.
type RangeState struct {
	Start, End uint64

	Layout access.Layout
	Queue  access.QueueID
	Owned  bool

	WriteStages access.Stage
	WriteAccess access.Flags
	ReadStages  access.Stage
	ReadAccess  access.Flags

	Indeterminate bool
}

// Ranges returns the state recorded for every tracked span of a resource,
// in order.
func (c *Context) Ranges(id access.ResourceID) ([]RangeState, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	e, err := c.table.Lookup(id)
	if err != nil {
		return nil, err
	}
	e.Lock()
	defer e.Unlock()
	pieces := e.States(e.Full())
	out := make([]RangeState, len(pieces))
	for i, p := range pieces {
		out[i] = rangeState(p)
	}
	return out, nil
}

func rangeState(p interval.Entry[track.State]) RangeState {
	s := p.Value
	return RangeState{
		Start:         p.Span.Start,
		End:           p.Span.End,
		Layout:        s.Layout,
		Queue:         s.Queue,
		Owned:         s.Owned,
		WriteStages:   s.WriteStages,
		WriteAccess:   s.WriteAccess,
		ReadStages:    s.ReadStages,
		ReadAccess:    s.ReadAccess,
		Indeterminate: s.Indeterminate,
	}
}
