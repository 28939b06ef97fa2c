package gpusync

import (
	"fmt"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusync/access"
	"github.com/gogpu/gpusync/internal/barrier"
)

// copyAlignment is the alignment WebGPU requires for buffer copy offsets
// and sizes.
const copyAlignment uint64 = 4

// CopyBuffer declares and records a copy of size bytes from src to dst.
//
// The recorder must be in StateRecording. Offsets and size must be 4-byte
// aligned; copying between overlapping ranges of one buffer is a conflict.
func (r *Recorder) CopyBuffer(src access.ResourceID, srcOffset uint64, dst access.ResourceID, dstOffset, size uint64) error {
	const op = "copy buffer"
	if err := r.precheck(op); err != nil {
		return err
	}
	if srcOffset%copyAlignment != 0 {
		return fmt.Errorf("%s: %w: source offset %d", op, ErrCopyOffsetNotAligned, srcOffset)
	}
	if dstOffset%copyAlignment != 0 {
		return fmt.Errorf("%s: %w: destination offset %d", op, ErrCopyOffsetNotAligned, dstOffset)
	}
	if size == 0 || size%copyAlignment != 0 {
		return fmt.Errorf("%s: %w: size %d", op, ErrCopySizeNotAligned, size)
	}
	srcBuf, err := r.nativeBuffer(op, src)
	if err != nil {
		return err
	}
	dstBuf, err := r.nativeBuffer(op, dst)
	if err != nil {
		return err
	}

	accesses := []access.Access{
		{Resource: src, Range: access.BufferRange{Offset: srcOffset, Size: size}, Stages: access.StageTransfer, Access: access.TransferRead},
		{Resource: dst, Range: access.BufferRange{Offset: dstOffset, Size: size}, Stages: access.StageTransfer, Access: access.TransferWrite},
	}
	return r.record(op, accesses, func(enc hal.CommandEncoder) {
		if srcBuf != nil && dstBuf != nil {
			enc.CopyBufferToBuffer(srcBuf, dstBuf, []hal.BufferCopy{{SrcOffset: srcOffset, DstOffset: dstOffset, Size: size}})
		}
	})
}

// ClearBuffer declares and records zeroing size bytes of a buffer. A zero
// size clears to the end of the buffer.
func (r *Recorder) ClearBuffer(id access.ResourceID, offset, size uint64) error {
	const op = "clear buffer"
	if err := r.precheck(op); err != nil {
		return err
	}
	if offset%copyAlignment != 0 {
		return fmt.Errorf("%s: %w: offset %d", op, ErrCopyOffsetNotAligned, offset)
	}
	if size%copyAlignment != 0 {
		return fmt.Errorf("%s: %w: size %d", op, ErrCopySizeNotAligned, size)
	}
	buf, err := r.nativeBuffer(op, id)
	if err != nil {
		return err
	}
	n := size
	if total := r.bufferSize(id); n == 0 && offset < total {
		n = total - offset
	}
	rng := access.BufferRange{Offset: offset, Size: size}
	accesses := []access.Access{
		{Resource: id, Range: rng, Stages: access.StageTransfer, Access: access.TransferWrite},
	}
	return r.record(op, accesses, func(enc hal.CommandEncoder) {
		if buf != nil {
			enc.ClearBuffer(buf, offset, n)
		}
	})
}

// BufferImageCopy describes one buffer/image copy region.
type BufferImageCopy struct {
	// Buffer side. BytesPerRow zero means a single tightly packed row
	// and makes the copy cover the buffer from BufferOffset to its end.
	BufferOffset uint64
	BytesPerRow  uint32
	RowsPerImage uint32

	// Image side.
	Aspect    access.Aspect
	Mip       uint32
	BaseLayer uint32
	Origin    hal.Origin3D
	Size      hal.Extent3D
}

// layers returns the number of array layers the region touches.
func (c BufferImageCopy) layers() uint32 { return max(c.Size.DepthOrArrayLayers, 1) }

// bufferRange returns the bytes the copy touches in the buffer. Every row
// but the last spans BytesPerRow; the last one only holds the copied
// texels. texel is the image's texel size; zero falls back to a full last
// row.
func (c BufferImageCopy) bufferRange(texel uint32) access.BufferRange {
	if c.BytesPerRow == 0 {
		return access.BufferRange{Offset: c.BufferOffset}
	}
	height := uint64(max(c.Size.Height, 1))
	rowsPerImage := max(uint64(c.RowsPerImage), height)
	stride := uint64(c.BytesPerRow)
	last := stride
	if texel != 0 {
		last = uint64(max(c.Size.Width, 1)) * uint64(texel)
	}
	rows := uint64(c.layers()-1)*rowsPerImage + height - 1
	return access.BufferRange{
		Offset: c.BufferOffset,
		Size:   rows*stride + last,
	}
}

func (c BufferImageCopy) imageRange() access.SubresourceRange {
	return access.SubresourceRange{
		Aspects:    c.Aspect,
		BaseMip:    c.Mip,
		MipCount:   1,
		BaseLayer:  c.BaseLayer,
		LayerCount: c.layers(),
	}
}

func (c BufferImageCopy) native(tex hal.Texture) hal.BufferTextureCopy {
	origin := c.Origin
	origin.Z = c.BaseLayer
	return hal.BufferTextureCopy{
		BufferLayout: hal.ImageDataLayout{
			Offset:       c.BufferOffset,
			BytesPerRow:  c.BytesPerRow,
			RowsPerImage: c.RowsPerImage,
		},
		TextureBase: hal.ImageCopyTexture{
			Texture:  tex,
			MipLevel: c.Mip,
			Origin:   origin,
			Aspect:   barrier.TextureAspect(c.Aspect),
		},
		Size: c.Size,
	}
}

// CopyBufferToImage declares and records an upload. The image region is
// transitioned to LayoutTransferDst.
func (r *Recorder) CopyBufferToImage(src, dst access.ResourceID, region BufferImageCopy) error {
	const op = "copy buffer to image"
	if err := r.precheck(op); err != nil {
		return err
	}
	if region.BufferOffset%copyAlignment != 0 {
		return fmt.Errorf("%s: %w: buffer offset %d", op, ErrCopyOffsetNotAligned, region.BufferOffset)
	}
	buf, err := r.nativeBuffer(op, src)
	if err != nil {
		return err
	}
	tex, err := r.nativeTexture(op, dst)
	if err != nil {
		return err
	}
	accesses := []access.Access{
		{Resource: src, Range: region.bufferRange(r.texelSize(dst)), Stages: access.StageTransfer, Access: access.TransferRead},
		{Resource: dst, Range: region.imageRange(), Stages: access.StageTransfer, Access: access.TransferWrite, Layout: access.LayoutTransferDst},
	}
	return r.record(op, accesses, func(enc hal.CommandEncoder) {
		if buf != nil && tex != nil {
			enc.CopyBufferToTexture(buf, tex, []hal.BufferTextureCopy{region.native(tex)})
		}
	})
}

// CopyImageToBuffer declares and records a readback. The image region is
// transitioned to LayoutTransferSrc.
func (r *Recorder) CopyImageToBuffer(src, dst access.ResourceID, region BufferImageCopy) error {
	const op = "copy image to buffer"
	if err := r.precheck(op); err != nil {
		return err
	}
	if region.BufferOffset%copyAlignment != 0 {
		return fmt.Errorf("%s: %w: buffer offset %d", op, ErrCopyOffsetNotAligned, region.BufferOffset)
	}
	tex, err := r.nativeTexture(op, src)
	if err != nil {
		return err
	}
	buf, err := r.nativeBuffer(op, dst)
	if err != nil {
		return err
	}
	accesses := []access.Access{
		{Resource: src, Range: region.imageRange(), Stages: access.StageTransfer, Access: access.TransferRead, Layout: access.LayoutTransferSrc},
		{Resource: dst, Range: region.bufferRange(r.texelSize(src)), Stages: access.StageTransfer, Access: access.TransferWrite},
	}
	return r.record(op, accesses, func(enc hal.CommandEncoder) {
		if buf != nil && tex != nil {
			enc.CopyTextureToBuffer(tex, buf, []hal.BufferTextureCopy{region.native(tex)})
		}
	})
}

// ImageCopy describes one image-to-image copy region.
type ImageCopy struct {
	Aspect       access.Aspect
	SrcMip       uint32
	SrcBaseLayer uint32
	SrcOrigin    hal.Origin3D
	DstMip       uint32
	DstBaseLayer uint32
	DstOrigin    hal.Origin3D
	Size         hal.Extent3D
}

// CopyImage declares and records an image-to-image copy.
func (r *Recorder) CopyImage(src, dst access.ResourceID, region ImageCopy) error {
	const op = "copy image"
	if err := r.precheck(op); err != nil {
		return err
	}
	srcTex, err := r.nativeTexture(op, src)
	if err != nil {
		return err
	}
	dstTex, err := r.nativeTexture(op, dst)
	if err != nil {
		return err
	}
	layers := max(region.Size.DepthOrArrayLayers, 1)
	accesses := []access.Access{
		{
			Resource: src,
			Range:    access.SubresourceRange{Aspects: region.Aspect, BaseMip: region.SrcMip, MipCount: 1, BaseLayer: region.SrcBaseLayer, LayerCount: layers},
			Stages:   access.StageTransfer,
			Access:   access.TransferRead,
			Layout:   access.LayoutTransferSrc,
		},
		{
			Resource: dst,
			Range:    access.SubresourceRange{Aspects: region.Aspect, BaseMip: region.DstMip, MipCount: 1, BaseLayer: region.DstBaseLayer, LayerCount: layers},
			Stages:   access.StageTransfer,
			Access:   access.TransferWrite,
			Layout:   access.LayoutTransferDst,
		},
	}
	return r.record(op, accesses, func(enc hal.CommandEncoder) {
		if srcTex == nil || dstTex == nil {
			return
		}
		so, do := region.SrcOrigin, region.DstOrigin
		so.Z, do.Z = region.SrcBaseLayer, region.DstBaseLayer
		aspect := barrier.TextureAspect(region.Aspect)
		enc.CopyTextureToTexture(srcTex, dstTex, []hal.TextureCopy{{
			SrcBase: hal.ImageCopyTexture{Texture: srcTex, MipLevel: region.SrcMip, Origin: so, Aspect: aspect},
			DstBase: hal.ImageCopyTexture{Texture: dstTex, MipLevel: region.DstMip, Origin: do, Aspect: aspect},
			Size:    region.Size,
		}})
	})
}

// nativeBuffer returns the native buffer behind id, which may be nil for
// bookkeeping-only imports.
func (r *Recorder) nativeBuffer(op string, id access.ResourceID) (hal.Buffer, error) {
	e, err := r.ctx.table.Lookup(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if e.Kind() != access.KindBuffer {
		return nil, fmt.Errorf("%s: resource %d is an %s: %w", op, id, e.Kind(), ErrKindMismatch)
	}
	return e.Buffer(), nil
}

// nativeTexture returns the native texture behind id, which may be nil
// for bookkeeping-only imports.
func (r *Recorder) nativeTexture(op string, id access.ResourceID) (hal.Texture, error) {
	e, err := r.ctx.table.Lookup(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if e.Kind() != access.KindImage {
		return nil, fmt.Errorf("%s: resource %d is a %s: %w", op, id, e.Kind(), ErrKindMismatch)
	}
	return e.Texture(), nil
}

// precheck fails early when the recorder does not accept declarations, so
// misuse is reported as such before argument validation.
func (r *Recorder) precheck(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkRecordingLocked(op)
}

func (r *Recorder) texelSize(id access.ResourceID) uint32 {
	e, err := r.ctx.table.Lookup(id)
	if err != nil {
		return 0
	}
	return e.Extent().TexelSize
}

func (r *Recorder) bufferSize(id access.ResourceID) uint64 {
	e, err := r.ctx.table.Lookup(id)
	if err != nil {
		return 0
	}
	return e.Extent().Size
}
