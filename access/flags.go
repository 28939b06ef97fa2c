package access

// Flags is a set of memory access types.
type Flags uint32

// Memory access types.
const (
	IndirectCommandRead Flags = 1 << iota
	IndexRead
	VertexAttributeRead
	UniformRead
	ShaderRead
	ShaderWrite
	ColorAttachmentRead
	ColorAttachmentWrite
	DepthStencilRead
	DepthStencilWrite
	TransferRead
	TransferWrite
	HostRead
	HostWrite
	MemoryRead
	MemoryWrite

	// None is the empty access set.
	None Flags = 0
)

// WriteMask holds every access type that modifies memory.
const WriteMask = ShaderWrite | ColorAttachmentWrite | DepthStencilWrite |
	TransferWrite | HostWrite | MemoryWrite

// ReadMask holds every access type that only reads memory.
const ReadMask = IndirectCommandRead | IndexRead | VertexAttributeRead |
	UniformRead | ShaderRead | ColorAttachmentRead | DepthStencilRead |
	TransferRead | HostRead | MemoryRead

var flagNames = []flagName[Flags]{
	{IndirectCommandRead, "indirect_command_read"},
	{IndexRead, "index_read"},
	{VertexAttributeRead, "vertex_attribute_read"},
	{UniformRead, "uniform_read"},
	{ShaderRead, "shader_read"},
	{ShaderWrite, "shader_write"},
	{ColorAttachmentRead, "color_attachment_read"},
	{ColorAttachmentWrite, "color_attachment_write"},
	{DepthStencilRead, "depth_stencil_read"},
	{DepthStencilWrite, "depth_stencil_write"},
	{TransferRead, "transfer_read"},
	{TransferWrite, "transfer_write"},
	{HostRead, "host_read"},
	{HostWrite, "host_write"},
	{MemoryRead, "memory_read"},
	{MemoryWrite, "memory_write"},
}

// HasWrite reports whether any access in the set writes memory.
func (f Flags) HasWrite() bool { return f&WriteMask != 0 }

// IsReadOnly reports whether the set is non-empty and contains only reads.
func (f Flags) IsReadOnly() bool { return f != None && f&WriteMask == 0 }

// Contains reports whether every access in o is also in f. MemoryRead and
// MemoryWrite cover all reads and all writes respectively.
func (f Flags) Contains(o Flags) bool {
	e := f
	if e&MemoryRead != 0 {
		e |= ReadMask
	}
	if e&MemoryWrite != 0 {
		e |= WriteMask
	}
	return e&o == o
}

func (f Flags) String() string { return formatFlags(f, flagNames) }

// ParseFlags parses a "|"-separated list of access type names.
func ParseFlags(s string) (Flags, error) { return parseFlags(s, "access", flagNames) }
