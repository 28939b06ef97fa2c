package barrier

import (
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusync/access"
)

// Encoder is the part of hal.CommandEncoder that records barriers.
type Encoder interface {
	TransitionBuffers(barriers []hal.BufferBarrier)
	TransitionTextures(barriers []hal.TextureBarrier)
}

// Emit records c into enc. hal tracks buffers by usage rather than byte
// range, so buffer barriers are folded per native buffer. Resources
// without a native handle are skipped.
func Emit(enc Encoder, c Command) {
	if c.IsEmpty() {
		return
	}

	var bufs []hal.BufferBarrier
	index := make(map[hal.Buffer]int)
	for _, b := range c.Buffers {
		if b.Buffer == nil {
			continue
		}
		old := BufferUsage(b.Hazard.Prev | b.Hazard.SrcAccess)
		next := BufferUsage(b.Hazard.DstAccess)
		if i, ok := index[b.Buffer]; ok {
			bufs[i].Usage.OldUsage |= old
			bufs[i].Usage.NewUsage |= next
			continue
		}
		index[b.Buffer] = len(bufs)
		bufs = append(bufs, hal.BufferBarrier{
			Buffer: b.Buffer,
			Usage:  hal.BufferUsageTransition{OldUsage: old, NewUsage: next},
		})
	}

	var texs []hal.TextureBarrier
	for _, b := range c.Images {
		if b.Texture == nil {
			continue
		}
		texs = append(texs, hal.TextureBarrier{
			Texture: b.Texture,
			Range: hal.TextureRange{
				Aspect:          TextureAspect(b.Range.Aspects),
				BaseMipLevel:    b.Range.BaseMip,
				MipLevelCount:   b.Range.MipCount,
				BaseArrayLayer:  b.Range.BaseLayer,
				ArrayLayerCount: b.Range.LayerCount,
			},
			Usage: hal.TextureUsageTransition{
				OldUsage: TextureUsage(b.Hazard.OldLayout, b.Hazard.Prev|b.Hazard.SrcAccess),
				NewUsage: TextureUsage(b.Hazard.NewLayout, b.Hazard.DstAccess),
			},
		})
	}

	if len(bufs) > 0 {
		enc.TransitionBuffers(bufs)
	}
	if len(texs) > 0 {
		enc.TransitionTextures(texs)
	}
}

// BufferUsage maps access types onto the hal buffer usage they imply.
func BufferUsage(f access.Flags) gputypes.BufferUsage {
	var u gputypes.BufferUsage
	if f&access.IndirectCommandRead != 0 {
		u |= gputypes.BufferUsageIndirect
	}
	if f&access.IndexRead != 0 {
		u |= gputypes.BufferUsageIndex
	}
	if f&access.VertexAttributeRead != 0 {
		u |= gputypes.BufferUsageVertex
	}
	if f&access.UniformRead != 0 {
		u |= gputypes.BufferUsageUniform
	}
	if f&(access.ShaderRead|access.ShaderWrite) != 0 {
		u |= gputypes.BufferUsageStorage
	}
	if f&access.TransferRead != 0 {
		u |= gputypes.BufferUsageCopySrc
	}
	if f&access.TransferWrite != 0 {
		u |= gputypes.BufferUsageCopyDst
	}
	if f&access.HostRead != 0 {
		u |= gputypes.BufferUsageMapRead
	}
	if f&access.HostWrite != 0 {
		u |= gputypes.BufferUsageMapWrite
	}
	return u
}

// TextureUsage maps a layout, or the access types when the layout says
// nothing, onto the hal texture usage.
func TextureUsage(l access.Layout, f access.Flags) gputypes.TextureUsage {
	switch l {
	case access.LayoutTransferSrc:
		return gputypes.TextureUsageCopySrc
	case access.LayoutTransferDst:
		return gputypes.TextureUsageCopyDst
	case access.LayoutShaderReadOnly, access.LayoutDepthStencilReadOnly:
		return gputypes.TextureUsageTextureBinding
	case access.LayoutColorAttachment, access.LayoutDepthStencilAttachment:
		return gputypes.TextureUsageRenderAttachment
	case access.LayoutGeneral:
		return gputypes.TextureUsageStorageBinding
	case access.LayoutPresentSrc:
		return gputypes.TextureUsageNone
	}

	var u gputypes.TextureUsage
	if f&access.TransferRead != 0 {
		u |= gputypes.TextureUsageCopySrc
	}
	if f&access.TransferWrite != 0 {
		u |= gputypes.TextureUsageCopyDst
	}
	if f&access.ShaderRead != 0 {
		u |= gputypes.TextureUsageTextureBinding
	}
	if f&access.ShaderWrite != 0 {
		u |= gputypes.TextureUsageStorageBinding
	}
	if f&(access.ColorAttachmentRead|access.ColorAttachmentWrite|access.DepthStencilRead|access.DepthStencilWrite) != 0 {
		u |= gputypes.TextureUsageRenderAttachment
	}
	return u
}

// TextureAspect maps an aspect set onto the hal aspect selector.
func TextureAspect(a access.Aspect) gputypes.TextureAspect {
	switch a {
	case access.AspectDepth:
		return gputypes.TextureAspectDepthOnly
	case access.AspectStencil:
		return gputypes.TextureAspectStencilOnly
	default:
		return gputypes.TextureAspectAll
	}
}
