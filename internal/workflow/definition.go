package workflow

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is the yaml workflow document embedded into every task. Jobs
// are a list so their order is stable.
type Definition struct {
	Name string `yaml:"name" json:"name"`
	Jobs []Job  `yaml:"jobs" json:"jobs"`
}

type Job struct {
	Name  string `yaml:"name" json:"name"`
	Steps []Step `yaml:"steps" json:"steps"`
}

type Step struct {
	Name string `yaml:"name" json:"name"`
	Run  string `yaml:"run" json:"run"`
}

// Parse decodes and validates a workflow definition
func Parse(content []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(content, &def); err != nil {
		return nil, fmt.Errorf("could not parse workflow definition: %w", err)
	}

	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) validate() error {
	var errs []error

	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		errs = append(errs, errors.New("workflow name is empty"))
	}

	if len(d.Jobs) == 0 {
		errs = append(errs, errors.New("workflow has no jobs"))
	}

	seen := make(map[string]bool)
	for i := range d.Jobs {
		job := &d.Jobs[i]
		job.Name = strings.TrimSpace(job.Name)
		if job.Name == "" {
			errs = append(errs, fmt.Errorf("job %d has an empty name", i+1))
			continue
		}

		if seen[job.Name] {
			errs = append(errs, fmt.Errorf("job name %q is duplicated", job.Name))
		}
		seen[job.Name] = true

		if len(job.Steps) == 0 {
			errs = append(errs, fmt.Errorf("job %q has no steps", job.Name))
		}

		for j := range job.Steps {
			step := &job.Steps[j]
			step.Run = strings.TrimSpace(step.Run)
			if step.Run == "" {
				errs = append(errs, fmt.Errorf("job %q step %d has an empty run command", job.Name, j+1))
			}
			if strings.TrimSpace(step.Name) == "" {
				step.Name = fmt.Sprintf("step %d", j+1)
			}
		}
	}

	return errors.Join(errs...)
}

// Job returns the job with the given name, or nil
func (d *Definition) Job(name string) *Job {
	for i := range d.Jobs {
		if d.Jobs[i].Name == name {
			return &d.Jobs[i]
		}
	}
	return nil
}
