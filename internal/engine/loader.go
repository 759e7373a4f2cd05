package engine

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/sagaflow/internal/domain"
)

// WorkflowFile — формат файла с определениями workflow.
//
//	workflows:
//	  - name: invoice
//	    steps: [fetch-orders, create-invoice, pdf-process, send-email]
type WorkflowFile struct {
	Workflows []WorkflowDef `yaml:"workflows"`
}

// WorkflowDef — определение одного workflow в файле.
type WorkflowDef struct {
	Name  string   `yaml:"name"`
	Steps []string `yaml:"steps"`
}

// LoadFile читает и валидирует определения workflow из YAML файла.
func LoadFile(path string) ([]WorkflowDef, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadDefinitions, err)
	}
	defer f.Close()

	return Load(f)
}

// Load читает и валидирует определения workflow из YAML.
func Load(r io.Reader) ([]WorkflowDef, error) {
	var file WorkflowFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %v", ErrParseDefinitions, err)
	}

	names := make(map[string]bool, len(file.Workflows))
	for _, def := range file.Workflows {
		wf := domain.Workflow{Name: def.Name, Definition: domain.Definition{Steps: def.Steps}}
		if err := ValidateWorkflow(&wf); err != nil {
			return nil, err
		}
		if names[def.Name] {
			return nil, fmt.Errorf("%w: workflow %s defined twice", ErrParseDefinitions, def.Name)
		}
		names[def.Name] = true
	}

	return file.Workflows, nil
}

// Definition возвращает domain.Definition для определения из файла.
func (d WorkflowDef) Definition() domain.Definition {
	steps := make([]string, len(d.Steps))
	copy(steps, d.Steps)
	return domain.Definition{Steps: steps}
}
