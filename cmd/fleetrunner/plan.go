package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/devicelab/fleetrunner"
	"github.com/devicelab/fleetrunner/internal/shellexec"
)

// planFile is the YAML surface for submitting commands from the CLI.
type planFile struct {
	Commands []planCommand `yaml:"commands"`
}

type planCommand struct {
	ID                string           `yaml:"id"`
	Criteria          planCriteria     `yaml:"criteria"`
	Policy            planPolicy       `yaml:"policy"`
	Timeout           string           `yaml:"timeout"`
	Units             []shellexec.Unit `yaml:"units"`
	ContinueOnFailure bool             `yaml:"continueOnFailure"`
}

type planCriteria struct {
	Serials         []string          `yaml:"serials"`
	ExcludeSerials  []string          `yaml:"excludeSerials"`
	ProductTypes    []string          `yaml:"productTypes"`
	Properties      map[string]string `yaml:"properties"`
	MinSdkLevel     int               `yaml:"minSdkLevel"`
	ConnectionKinds []string          `yaml:"connectionKinds"`
	MinBattery      *int              `yaml:"minBattery"`
}

type planPolicy struct {
	RerunMode   bool `yaml:"rerunMode"`
	ResumeMode  bool `yaml:"resumeMode"`
	MaxAttempts int  `yaml:"maxAttempts"`
}

// loadPlan parses a plan file into submittable commands.
func loadPlan(path string) ([]*fleetrunner.Command, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read plan file")
	}
	var plan planFile
	if err := yaml.Unmarshal(raw, &plan); err != nil {
		return nil, errors.Wrap(err, "parse plan file")
	}
	if len(plan.Commands) == 0 {
		return nil, errors.New("plan file contains no commands")
	}
	commands := make([]*fleetrunner.Command, 0, len(plan.Commands))
	for i, pc := range plan.Commands {
		if len(pc.Units) == 0 {
			return nil, errors.Errorf("plan command %d has no units", i)
		}
		var timeout time.Duration
		if pc.Timeout != "" {
			timeout, err = time.ParseDuration(pc.Timeout)
			if err != nil {
				return nil, errors.Wrapf(err, "plan command %d timeout", i)
			}
		}
		kinds := make([]fleetrunner.ConnectionKind, 0, len(pc.Criteria.ConnectionKinds))
		for _, kind := range pc.Criteria.ConnectionKinds {
			kinds = append(kinds, fleetrunner.ConnectionKind(kind))
		}
		commands = append(commands, &fleetrunner.Command{
			ID: pc.ID,
			Workload: shellexec.Workload{
				Units:             pc.Units,
				ContinueOnFailure: pc.ContinueOnFailure,
			},
			Criteria: fleetrunner.SelectionCriteria{
				Serials:         pc.Criteria.Serials,
				ExcludeSerials:  pc.Criteria.ExcludeSerials,
				ProductTypes:    pc.Criteria.ProductTypes,
				Properties:      pc.Criteria.Properties,
				MinSdkLevel:     pc.Criteria.MinSdkLevel,
				ConnectionKinds: kinds,
				MinBattery:      pc.Criteria.MinBattery,
			},
			Policy: fleetrunner.RetryPolicy{
				RerunMode:   pc.Policy.RerunMode,
				ResumeMode:  pc.Policy.ResumeMode,
				MaxAttempts: pc.Policy.MaxAttempts,
			},
			ExecTimeout: timeout,
		})
	}
	return commands, nil
}
