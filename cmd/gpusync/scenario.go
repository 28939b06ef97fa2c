package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/gogpu/gpusync/access"
)

var scenarioValidate = validator.New(validator.WithRequiredStructEnabled())

// Scenario is a replayable recording session.
//
// Example:
//
//	queues: 2
//	resources:
//	  - {name: vertices, kind: buffer, size: 4096}
//	recorders:
//	  - name: upload
//	    queue: 1
//	    ops:
//	      - name: copy
//	        accesses:
//	          - {resource: vertices, stages: transfer, access: transfer_write}
//	  - name: draw
//	    ops:
//	      - accesses:
//	          - {resource: vertices, stages: vertex_input, access: vertex_attribute_read}
type Scenario struct {
	Queues    int            `yaml:"queues" validate:"gte=0,lte=16"`
	Parallel  bool           `yaml:"parallel"`
	Resources []ResourceSpec `yaml:"resources" validate:"required,min=1,dive"`
	Recorders []RecorderSpec `yaml:"recorders" validate:"required,min=1,dive"`
}

// ResourceSpec declares a buffer or image.
type ResourceSpec struct {
	Name         string   `yaml:"name" validate:"required"`
	Kind         string   `yaml:"kind" validate:"required,oneof=buffer image"`
	Size         uint64   `yaml:"size" validate:"required_if=Kind buffer"`
	Width        uint32   `yaml:"width"`
	Height       uint32   `yaml:"height"`
	Mips         uint32   `yaml:"mips" validate:"lte=16"`
	Layers       uint32   `yaml:"layers" validate:"lte=2048"`
	DepthStencil bool     `yaml:"depth_stencil"`
	Sharing      []uint32 `yaml:"sharing"`
}

// RecorderSpec is one recording scope and the operations it declares.
type RecorderSpec struct {
	Name    string   `yaml:"name" validate:"required"`
	Queue   uint32   `yaml:"queue"`
	Abandon bool     `yaml:"abandon"`
	Ops     []OpSpec `yaml:"ops" validate:"dive"`
}

// OpSpec is one declared operation.
type OpSpec struct {
	Name     string       `yaml:"name"`
	Accesses []AccessSpec `yaml:"accesses" validate:"required,min=1,dive"`
}

// AccessSpec is one access of an operation. Zero sizes and counts cover
// the rest of the resource.
type AccessSpec struct {
	Resource   string `yaml:"resource" validate:"required"`
	Offset     uint64 `yaml:"offset"`
	Size       uint64 `yaml:"size"`
	Aspects    string `yaml:"aspects"`
	BaseMip    uint32 `yaml:"base_mip"`
	MipCount   uint32 `yaml:"mip_count"`
	BaseLayer  uint32 `yaml:"base_layer"`
	LayerCount uint32 `yaml:"layer_count"`
	Stages     string `yaml:"stages" validate:"required"`
	Access     string `yaml:"access" validate:"required"`
	Layout     string `yaml:"layout"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML. Unknown keys are
// rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if sc.Queues == 0 {
		sc.Queues = 1
	}
	if err := scenarioValidate.Struct(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if err := sc.check(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

// check enforces the cross-references the struct tags cannot express.
func (sc *Scenario) check() error {
	kinds := make(map[string]string, len(sc.Resources))
	for _, r := range sc.Resources {
		if _, dup := kinds[r.Name]; dup {
			return fmt.Errorf("resource %q declared twice", r.Name)
		}
		kinds[r.Name] = r.Kind
		if r.Kind == "image" && (r.Width == 0 || r.Height == 0) {
			return fmt.Errorf("image %q needs width and height", r.Name)
		}
		for _, q := range r.Sharing {
			if int(q) >= sc.Queues {
				return fmt.Errorf("resource %q shared with queue %d of %d", r.Name, q, sc.Queues)
			}
		}
	}

	names := make(map[string]bool, len(sc.Recorders))
	for _, rec := range sc.Recorders {
		if names[rec.Name] {
			return fmt.Errorf("recorder %q declared twice", rec.Name)
		}
		names[rec.Name] = true
		if int(rec.Queue) >= sc.Queues {
			return fmt.Errorf("recorder %q uses queue %d of %d", rec.Name, rec.Queue, sc.Queues)
		}
		for i, op := range rec.Ops {
			for _, a := range op.Accesses {
				if _, ok := kinds[a.Resource]; !ok {
					return fmt.Errorf("recorder %q op %d: unknown resource %q", rec.Name, i, a.Resource)
				}
				if _, err := a.parse(0, kinds[a.Resource]); err != nil {
					return fmt.Errorf("recorder %q op %d: %w", rec.Name, i, err)
				}
			}
		}
	}
	return nil
}

// opName returns the operation label used in output.
func (op OpSpec) opName(i int) string {
	if op.Name != "" {
		return op.Name
	}
	return fmt.Sprintf("op%d", i)
}

// parse converts the access into its engine form for resource id of the
// given kind.
func (a AccessSpec) parse(id access.ResourceID, kind string) (access.Access, error) {
	stages, err := access.ParseStage(a.Stages)
	if err != nil {
		return access.Access{}, err
	}
	flags, err := access.ParseFlags(a.Access)
	if err != nil {
		return access.Access{}, err
	}
	out := access.Access{Resource: id, Stages: stages, Access: flags}

	if kind == "buffer" {
		if a.Size != 0 || a.Offset != 0 {
			out.Range = access.BufferRange{Offset: a.Offset, Size: a.Size}
		}
		return out, nil
	}

	if a.Layout != "" {
		if out.Layout, err = access.ParseLayout(a.Layout); err != nil {
			return access.Access{}, err
		}
	}
	if a.Aspects != "" || a.BaseMip != 0 || a.MipCount != 0 || a.BaseLayer != 0 || a.LayerCount != 0 {
		aspects, err := access.ParseAspect(a.Aspects)
		if err != nil {
			return access.Access{}, err
		}
		out.Range = access.SubresourceRange{
			Aspects:    aspects,
			BaseMip:    a.BaseMip,
			MipCount:   a.MipCount,
			BaseLayer:  a.BaseLayer,
			LayerCount: a.LayerCount,
		}
	}
	return out, nil
}
