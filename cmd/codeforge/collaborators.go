package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"codeforge/pkg/executor"
	"codeforge/pkg/orch"
	"codeforge/pkg/proto"
)

// planFile is the on-disk shape of a batch plan.
type planFile struct {
	Understanding string          `json:"understanding" yaml:"understanding"`
	Plan          string          `json:"plan" yaml:"plan"`
	Subtasks      []proto.Subtask `json:"subtasks" yaml:"subtasks"`
}

// filePlanner serves a static plan from disk in place of the external
// planning collaborator.
type filePlanner struct {
	result orch.AnalysisResult
}

func newFilePlanner(path string) (*filePlanner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file %s: %w", path, err)
	}

	var plan planFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &plan); err != nil {
			return nil, fmt.Errorf("failed to parse YAML plan %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &plan); err != nil {
			return nil, fmt.Errorf("failed to parse JSON plan %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported plan format %q (want .json, .yaml or .yml)", filepath.Ext(path))
	}

	if len(plan.Subtasks) == 0 {
		return nil, fmt.Errorf("plan file %s contains no subtasks", path)
	}
	for i := range plan.Subtasks {
		if err := plan.Subtasks[i].Validate(); err != nil {
			return nil, fmt.Errorf("plan file %s: %w", path, err)
		}
	}

	return &filePlanner{
		result: orch.AnalysisResult{
			Understanding: plan.Understanding,
			Plan:          plan.Plan,
			Subtasks:      plan.Subtasks,
		},
	}, nil
}

// Analyze implements orch.Planner. A static plan cannot improve on
// re-plan, so a second analysis with failure context returns an error and
// lets the project-level retry ceiling terminate the run.
func (p *filePlanner) Analyze(_ context.Context, _ string, analysisCtx orch.AnalysisContext) (*orch.AnalysisResult, error) {
	if analysisCtx.PreviousFailure != "" {
		return nil, fmt.Errorf("static plan cannot be revised after failure: %s", analysisCtx.PreviousFailure)
	}
	result := p.result
	return &result, nil
}

// dirGenerator materializes a subtask's expected artifacts from a
// directory of pre-generated files, standing in for the code-generation
// collaborator.
type dirGenerator struct {
	root string
}

func newDirGenerator(root string) *dirGenerator {
	return &dirGenerator{root: root}
}

// Generate implements executor.Generator.
func (g *dirGenerator) Generate(_ context.Context, subtask *proto.Subtask, _ map[string]string, _ *executor.AttemptFailure) (map[string]string, error) {
	if g.root == "" {
		return nil, fmt.Errorf("no artifacts directory configured (pass -artifacts)")
	}

	files := make(map[string]string, len(subtask.ExpectedArtifacts))
	for _, artifact := range subtask.ExpectedArtifacts {
		path := filepath.Join(g.root, filepath.FromSlash(artifact))
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read artifact %s for subtask %s: %w", artifact, subtask.ID, err)
		}
		files[artifact] = string(content)
	}
	return files, nil
}
