package access

import "fmt"

// Layout is the memory organization an image is in, or must be in, for an
// access. Buffers always use LayoutUndefined.
type Layout uint8

// Image layouts.
const (
	LayoutUndefined Layout = iota
	LayoutGeneral
	LayoutColorAttachment
	LayoutDepthStencilAttachment
	LayoutDepthStencilReadOnly
	LayoutShaderReadOnly
	LayoutTransferSrc
	LayoutTransferDst
	LayoutPresentSrc
)

var layoutNames = [...]string{
	LayoutUndefined:              "undefined",
	LayoutGeneral:                "general",
	LayoutColorAttachment:        "color_attachment",
	LayoutDepthStencilAttachment: "depth_stencil_attachment",
	LayoutDepthStencilReadOnly:   "depth_stencil_read_only",
	LayoutShaderReadOnly:         "shader_read_only",
	LayoutTransferSrc:            "transfer_src",
	LayoutTransferDst:            "transfer_dst",
	LayoutPresentSrc:             "present_src",
}

func (l Layout) String() string {
	if int(l) < len(layoutNames) {
		return layoutNames[l]
	}
	return fmt.Sprintf("Layout(%d)", uint8(l))
}

// ParseLayout parses a layout name. The empty string is LayoutUndefined.
func ParseLayout(s string) (Layout, error) {
	if s == "" {
		return LayoutUndefined, nil
	}
	for i, name := range layoutNames {
		if name == s {
			return Layout(i), nil
		}
	}
	return LayoutUndefined, fmt.Errorf("access: unknown layout %q", s)
}
