package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dshills/pipeline-go/pipeline"
	"github.com/dshills/pipeline-go/pipeline/store"
)

// YAMLProtocolName is the protocol name runs use to reference a YAML file.
const YAMLProtocolName = "yaml"

// File is a pipeline definition.
//
//	steps:
//	  - name: fetch
//	    command: exec
//	    params: {program: curl, args: [-o, data.json, https://example.com]}
//	    verify: [data.json]
//	  - name: index
//	    command: touch
//	    params: {paths: [index.done]}
//	    parent: fetch
//	    gap: true
type File struct {
	Steps []FileStep `yaml:"steps"`
}

// FileStep is one step of a File. Steps run in the main loop unless Gap is
// set. Parent names an earlier step.
type FileStep struct {
	Name    string         `yaml:"name"`
	Command string         `yaml:"command"`
	Params  map[string]any `yaml:"params"`
	Verify  []string       `yaml:"verify"`
	Parent  string         `yaml:"parent"`
	Gap     bool           `yaml:"gap"`
	Context bool           `yaml:"context"`
	Iter    int            `yaml:"iter"`
}

// ParseFile decodes and checks a pipeline definition.
func ParseFile(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline file: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFile reads and parses the pipeline definition at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return ParseFile(data)
}

func (f *File) validate() error {
	if len(f.Steps) == 0 {
		return errors.New("pipeline file has no steps")
	}
	seen := make(map[string]struct{}, len(f.Steps))
	for i, s := range f.Steps {
		if s.Command == "" {
			return fmt.Errorf("step %d: command is required", i+1)
		}
		if s.Parent != "" {
			if _, ok := seen[s.Parent]; !ok {
				return fmt.Errorf("step %d: parent %q is not an earlier step", i+1, s.Parent)
			}
		}
		if s.Name == "" {
			continue
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("step %d: duplicate name %q", i+1, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// Define registers the steps of f in order.
func (f *File) Define(ctx context.Context, d *pipeline.Differ) error {
	ids := make(map[string]int64, len(f.Steps))
	for i, s := range f.Steps {
		spec := pipeline.StepSpec{
			Command:     s.Command,
			Params:      s.Params,
			VerifyFiles: s.Verify,
			MainLoop:    !s.Gap,
			PassContext: s.Context,
			Iteration:   s.Iter,
		}
		if s.Parent != "" {
			spec.ParentID = ids[s.Parent]
		}
		id, err := d.InsertStep(ctx, spec)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, s.Command, err)
		}
		if s.Name != "" {
			ids[s.Name] = id
		}
	}
	return nil
}

// YAMLProtocol defines runs from the YAML file named by the run's Script.
type YAMLProtocol struct{}

// Name implements pipeline.Protocol.
func (YAMLProtocol) Name() string { return YAMLProtocolName }

// Define implements pipeline.Protocol.
func (YAMLProtocol) Define(ctx context.Context, run store.Run, d *pipeline.Differ) error {
	if run.Script == "" {
		return &pipeline.ValidationError{Field: "script", Message: "yaml runs need a pipeline file"}
	}
	f, err := LoadFile(run.Script)
	if err != nil {
		return err
	}
	return f.Define(ctx, d)
}

// RegisterProtocols registers the protocols shipped with the binary.
func RegisterProtocols(reg *pipeline.ProtocolRegistry) error {
	return reg.Register(YAMLProtocol{})
}
