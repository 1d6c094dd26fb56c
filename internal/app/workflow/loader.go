package workflow

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// definitionsFile is the on-disk layout of a workflow definitions file.
type definitionsFile struct {
	Workflows []definitionSpec `yaml:"workflows"`
}

type definitionSpec struct {
	Name  string         `yaml:"name"`
	Steps []stepSpecYAML `yaml:"steps"`
}

type stepSpecYAML struct {
	Name       string `yaml:"name"`
	Impl       string `yaml:"impl,omitempty"`
	MaxRetries int    `yaml:"max_retries,omitempty"`
	// Timeout is a duration string like "30s"; empty means the executor
	// default.
	Timeout string `yaml:"timeout,omitempty"`
}

// LoadDefinitions parses workflow definitions from the reader and registers
// them. Step implementations referenced by the file must already be
// registered.
func (r *Registry) LoadDefinitions(reader io.Reader) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("reading workflow definitions: %w", err)
	}

	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing workflow definitions: %w", err)
	}

	for _, def := range file.Workflows {
		specs := make([]StepSpec, 0, len(def.Steps))
		for _, s := range def.Steps {
			var timeout time.Duration
			if s.Timeout != "" {
				timeout, err = time.ParseDuration(s.Timeout)
				if err != nil {
					return fmt.Errorf("workflow %q step %q: invalid timeout %q: %w",
						def.Name, s.Name, s.Timeout, err)
				}
			}
			specs = append(specs, StepSpec{
				Name:       s.Name,
				Impl:       s.Impl,
				MaxRetries: s.MaxRetries,
				Timeout:    timeout,
			})
		}
		if err := r.RegisterDefinition(def.Name, specs); err != nil {
			return err
		}
	}
	return nil
}

// LoadDefinitionsFile registers workflow definitions from a YAML file.
func (r *Registry) LoadDefinitionsFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening workflow definitions %s: %w", path, err)
	}
	defer f.Close()

	return r.LoadDefinitions(f)
}
