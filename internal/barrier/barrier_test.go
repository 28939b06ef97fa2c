package barrier

import (
	"strings"
	"testing"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/gpusync/access"
	"github.com/gogpu/gpusync/internal/hazard"
	"github.com/gogpu/gpusync/internal/interval"
	"github.com/gogpu/gpusync/internal/track"
)

// captureEncoder records the barriers passed to it.
type captureEncoder struct {
	buffers  [][]hal.BufferBarrier
	textures [][]hal.TextureBarrier
}

func (c *captureEncoder) TransitionBuffers(b []hal.BufferBarrier)   { c.buffers = append(c.buffers, b) }
func (c *captureEncoder) TransitionTextures(b []hal.TextureBarrier) { c.textures = append(c.textures, b) }

var raw = hazard.Hazard{
	Kind:      hazard.ReadAfterWrite,
	SrcStages: access.StageTransfer,
	SrcAccess: access.TransferWrite,
	DstStages: access.StageVertexInput,
	DstAccess: access.VertexAttributeRead,
	Prev:      access.TransferWrite,
}

func newBuffer(tbl *track.Table, size uint64) *track.Entry {
	return tbl.Register(track.Desc{Extent: access.BufferExtent(size), Buffer: &noop.Buffer{}})
}

func TestBatchMergesTouchingPieces(t *testing.T) {
	tbl := track.NewTable()
	buf := newBuffer(tbl, 256)

	b := NewBatch(Policy{})
	b.Add(buf, interval.Span{Start: 64, End: 128}, raw)
	b.Add(buf, interval.Span{Start: 0, End: 64}, raw)
	b.Add(buf, interval.Span{Start: 0, End: 64}, raw)
	b.Add(buf, interval.Span{Start: 200, End: 256}, hazard.Hazard{})

	c := b.Build()
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1: %v", c.Len(), c)
	}
	if got := c.Buffers[0]; got.Offset != 0 || got.Size != 128 {
		t.Errorf("barrier covers [%d,+%d), want [0,+128)", got.Offset, got.Size)
	}
	if c.Coarse {
		t.Error("default policy produced a coarse command")
	}
	if c.SrcStages != access.StageTransfer || c.DstStages != access.StageVertexInput {
		t.Errorf("stages %v -> %v", c.SrcStages, c.DstStages)
	}
	if b.Len() != 0 {
		t.Errorf("batch not emptied after Build: %d", b.Len())
	}
}

func TestBatchKeepsDisjointAndDistinct(t *testing.T) {
	tbl := track.NewTable()
	a := newBuffer(tbl, 256)
	other := newBuffer(tbl, 256)

	waw := raw
	waw.Kind = hazard.WriteAfterWrite

	b := NewBatch(Policy{})
	b.Add(a, interval.Span{Start: 0, End: 64}, raw)
	b.Add(a, interval.Span{Start: 128, End: 192}, raw)
	b.Add(a, interval.Span{Start: 64, End: 128}, waw)
	b.Add(other, interval.Span{Start: 0, End: 256}, raw)

	c := b.Build()
	if c.Len() != 4 {
		t.Fatalf("Len() = %d, want 4: %v", c.Len(), c)
	}
	if c.Kind != hazard.ReadAfterWrite|hazard.WriteAfterWrite {
		t.Errorf("Kind = %v", c.Kind)
	}
}

func TestPolicyCoarse(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		n      int
		want   bool
	}{
		{"never", Policy{}, 100, false},
		{"always", Policy{Mode: FallbackAlways}, 1, true},
		{"software on discrete", Policy{Mode: FallbackSoftware, Adapter: gpucontext.AdapterInfo{Type: gpucontext.AdapterTypeDiscrete}}, 1, false},
		{"software on software", Policy{Mode: FallbackSoftware, Adapter: gpucontext.AdapterInfo{Name: "llvmpipe", Type: gpucontext.AdapterTypeSoftware}}, 1, true},
		{"under cap", Policy{MaxBarriers: 4}, 4, false},
		{"over cap", Policy{MaxBarriers: 4}, 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := tt.policy.Coarse(tt.n)
			if got != tt.want {
				t.Errorf("Coarse(%d) = %v, want %v", tt.n, got, tt.want)
			}
			if got && reason == "" {
				t.Error("coarse decision without a reason")
			}
		})
	}
}

func TestBatchCoarseWidensBuffers(t *testing.T) {
	tbl := track.NewTable()
	buf := newBuffer(tbl, 256)

	b := NewBatch(Policy{Mode: FallbackAlways})
	b.Add(buf, interval.Span{Start: 0, End: 16}, raw)
	waw := raw
	waw.Kind = hazard.WriteAfterWrite
	b.Add(buf, interval.Span{Start: 100, End: 116}, waw)

	c := b.Build()
	if !c.Coarse {
		t.Fatal("FallbackAlways produced a fine command")
	}
	if b.Reason() == "" {
		t.Error("Reason() empty after coarse build")
	}
	if len(c.Buffers) != 1 || c.Buffers[0].Offset != 0 || c.Buffers[0].Size != 256 {
		t.Fatalf("coarse buffers = %v, want one whole-buffer barrier", c.Buffers)
	}
	if c.SrcStages != access.StageAllCommands || c.DstStages != access.StageAllCommands {
		t.Errorf("coarse stages %v -> %v", c.SrcStages, c.DstStages)
	}
	if c.Buffers[0].Hazard.Kind != hazard.ReadAfterWrite|hazard.WriteAfterWrite {
		t.Errorf("coarse kind = %v", c.Buffers[0].Hazard.Kind)
	}
}

func TestBatchResetForcesCoarse(t *testing.T) {
	tbl := track.NewTable()
	buf := newBuffer(tbl, 16)
	b := NewBatch(Policy{})
	b.Add(buf, buf.Full(), hazard.Hazard{Kind: hazard.Reset, SrcStages: access.StageAllCommands})
	if c := b.Build(); !c.Coarse {
		t.Error("indeterminate state did not force a coarse command")
	}
}

func TestBatchImageRanges(t *testing.T) {
	tbl := track.NewTable()
	img := tbl.Register(track.Desc{Extent: access.ImageExtent(4, 1, access.AspectColor), Texture: &noop.Texture{}})

	h := hazard.Hazard{
		Kind:      hazard.LayoutTransition,
		SrcStages: access.StageTopOfPipe,
		DstStages: access.StageTransfer,
		DstAccess: access.TransferWrite,
		OldLayout: access.LayoutUndefined,
		NewLayout: access.LayoutTransferDst,
	}
	spans, err := img.Spans(access.SubresourceRange{BaseMip: 1, MipCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	b := NewBatch(Policy{})
	for _, s := range spans {
		b.Add(img, s, h)
	}
	c := b.Build()
	if len(c.Images) != 1 {
		t.Fatalf("Images = %v, want 1", c.Images)
	}
	if r := c.Images[0].Range; r.BaseMip != 1 || r.MipCount != 2 || r.Aspects != access.AspectColor {
		t.Errorf("Range = %v", r)
	}

	enc := &captureEncoder{}
	Emit(enc, c)
	if len(enc.textures) != 1 || len(enc.textures[0]) != 1 {
		t.Fatalf("TransitionTextures calls = %v", enc.textures)
	}
	tb := enc.textures[0][0]
	if tb.Usage.NewUsage != gputypes.TextureUsageCopyDst || tb.Usage.OldUsage != gputypes.TextureUsageNone {
		t.Errorf("usage %v -> %v", tb.Usage.OldUsage, tb.Usage.NewUsage)
	}
	if tb.Range.BaseMipLevel != 1 || tb.Range.MipLevelCount != 2 || tb.Range.Aspect != gputypes.TextureAspectAll {
		t.Errorf("hal range = %+v", tb.Range)
	}
	if len(enc.buffers) != 0 {
		t.Errorf("unexpected buffer transitions: %v", enc.buffers)
	}
}

func TestEmitFoldsBufferRanges(t *testing.T) {
	tbl := track.NewTable()
	buf := newBuffer(tbl, 256)

	b := NewBatch(Policy{})
	b.Add(buf, interval.Span{Start: 0, End: 16}, raw)
	b.Add(buf, interval.Span{Start: 64, End: 80}, raw)
	c := b.Build()
	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}

	enc := &captureEncoder{}
	Emit(enc, c)
	if len(enc.buffers) != 1 || len(enc.buffers[0]) != 1 {
		t.Fatalf("TransitionBuffers calls = %v, want one barrier", enc.buffers)
	}
	u := enc.buffers[0][0].Usage
	if u.OldUsage != gputypes.BufferUsageCopyDst || u.NewUsage != gputypes.BufferUsageVertex {
		t.Errorf("usage %v -> %v", u.OldUsage, u.NewUsage)
	}

	// Empty commands emit nothing.
	enc = &captureEncoder{}
	Emit(enc, Command{})
	if len(enc.buffers)+len(enc.textures) != 0 {
		t.Error("empty command emitted barriers")
	}
}

func TestCommandRelease(t *testing.T) {
	tbl := track.NewTable()
	a := newBuffer(tbl, 64)
	b := newBuffer(tbl, 64)

	fromQ0 := raw
	fromQ0.Kind |= hazard.OwnershipTransfer
	fromQ0.SrcQueue, fromQ0.DstQueue = 0, 2
	fromQ1 := fromQ0
	fromQ1.SrcQueue = 1

	batch := NewBatch(Policy{})
	batch.Add(a, a.Full(), fromQ0)
	batch.Add(b, b.Full(), fromQ1)
	c := batch.Build()

	if c.Transfers() != 2 {
		t.Errorf("Transfers() = %d, want 2", c.Transfers())
	}
	qs := c.ReleaseQueues()
	if len(qs) != 2 || qs[0] != 0 || qs[1] != 1 {
		t.Fatalf("ReleaseQueues() = %v", qs)
	}
	rel := c.Release(0)
	if rel.Len() != 1 || rel.Buffers[0].Resource != a.ID() {
		t.Errorf("Release(0) = %v", rel)
	}
	if c.Release(5).Len() != 0 {
		t.Error("Release() of an uninvolved queue is not empty")
	}
	if !strings.Contains(c.String(), "ownership") {
		t.Errorf("String() = %q", c.String())
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{FallbackNever, FallbackAlways, FallbackSoftware} {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseMode(%q) = %v, %v", m.String(), got, err)
		}
	}
	if _, err := ParseMode("sometimes"); err == nil {
		t.Error("ParseMode() accepted an unknown mode")
	}
}

func TestUsageMapping(t *testing.T) {
	if got := BufferUsage(access.ShaderRead | access.UniformRead); got != gputypes.BufferUsageStorage|gputypes.BufferUsageUniform {
		t.Errorf("BufferUsage() = %v", got)
	}
	if got := TextureUsage(access.LayoutUndefined, access.ShaderWrite); got != gputypes.TextureUsageStorageBinding {
		t.Errorf("TextureUsage() = %v", got)
	}
	if got := TextureAspect(access.AspectDepth | access.AspectStencil); got != gputypes.TextureAspectAll {
		t.Errorf("TextureAspect() = %v", got)
	}
}
