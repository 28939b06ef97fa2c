package access

// Stage is a set of pipeline stages.
type Stage uint32

// Pipeline stages, ordered roughly as the hardware pipeline executes them.
const (
	StageTopOfPipe Stage = 1 << iota
	StageDrawIndirect
	StageVertexInput
	StageVertexShader
	StageFragmentShader
	StageEarlyFragmentTests
	StageLateFragmentTests
	StageColorAttachmentOutput
	StageComputeShader
	StageTransfer
	StageBottomOfPipe
	StageHost
	StageAllGraphics
	StageAllCommands

	// StageNone is the empty stage set.
	StageNone Stage = 0
)

var stageNames = []flagName[Stage]{
	{StageTopOfPipe, "top_of_pipe"},
	{StageDrawIndirect, "draw_indirect"},
	{StageVertexInput, "vertex_input"},
	{StageVertexShader, "vertex_shader"},
	{StageFragmentShader, "fragment_shader"},
	{StageEarlyFragmentTests, "early_fragment_tests"},
	{StageLateFragmentTests, "late_fragment_tests"},
	{StageColorAttachmentOutput, "color_attachment_output"},
	{StageComputeShader, "compute_shader"},
	{StageTransfer, "transfer"},
	{StageBottomOfPipe, "bottom_of_pipe"},
	{StageHost, "host"},
	{StageAllGraphics, "all_graphics"},
	{StageAllCommands, "all_commands"},
}

// graphicsStages is what StageAllGraphics stands for.
const graphicsStages = StageDrawIndirect | StageVertexInput | StageVertexShader |
	StageFragmentShader | StageEarlyFragmentTests | StageLateFragmentTests |
	StageColorAttachmentOutput

// Expand replaces the AllGraphics and AllCommands shorthands with the
// individual stages they cover.
func (s Stage) Expand() Stage {
	if s&StageAllCommands != 0 {
		s |= graphicsStages | StageTopOfPipe | StageComputeShader | StageTransfer | StageBottomOfPipe | StageHost
	}
	if s&StageAllGraphics != 0 {
		s |= graphicsStages
	}
	return s &^ (StageAllGraphics | StageAllCommands)
}

// Contains reports whether every stage in o is also covered by s.
func (s Stage) Contains(o Stage) bool {
	e := s.Expand()
	return e&o.Expand() == o.Expand()
}

// IsEmpty reports whether the set contains no stage.
func (s Stage) IsEmpty() bool { return s == StageNone }

func (s Stage) String() string { return formatFlags(s, stageNames) }

// ParseStage parses a "|"-separated list of stage names.
func ParseStage(s string) (Stage, error) { return parseFlags(s, "stage", stageNames) }
