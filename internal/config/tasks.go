package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Task defaults applied when a field is left out of the task file.
const (
	DefaultPollInterval = time.Second
	DefaultVisibility   = 30 * time.Second
	DefaultProcessor    = "log"
)

// TaskFile is the YAML document read by `leaseq worker` and `leaseq serve --tasks`.
//
//	tasks:
//	  - queue: orders
//	    poll_interval: 500ms
//	    visibility: 1m
//	    max_instances: 4
//	    processor: exec
//	    command: ["./bin/handle-order"]
type TaskFile struct {
	Tasks []TaskSpec `yaml:"tasks"`
}

type TaskSpec struct {
	Queue        string        `yaml:"queue"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Visibility   time.Duration `yaml:"visibility"`
	MaxInstances int           `yaml:"max_instances"`
	AckOnPanic   bool          `yaml:"ack_on_panic"`
	Processor    string        `yaml:"processor"`
	Command      []string      `yaml:"command"`
}

// LoadTasks parses a task file, fills defaults and validates every entry.
func LoadTasks(path string) ([]TaskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f TaskFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Tasks) == 0 {
		return nil, fmt.Errorf("%s: no tasks defined", path)
	}

	seen := make(map[string]bool, len(f.Tasks))
	for i := range f.Tasks {
		t := &f.Tasks[i]
		t.applyDefaults()
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("%s: task %d: %w", path, i, err)
		}
		if seen[t.Queue] {
			return nil, fmt.Errorf("%s: queue %q listed twice", path, t.Queue)
		}
		seen[t.Queue] = true
	}
	return f.Tasks, nil
}

func (t *TaskSpec) applyDefaults() {
	if t.PollInterval == 0 {
		t.PollInterval = DefaultPollInterval
	}
	if t.Visibility == 0 {
		t.Visibility = DefaultVisibility
	}
	if t.MaxInstances == 0 {
		t.MaxInstances = 1
	}
	if t.Processor == "" {
		t.Processor = DefaultProcessor
	}
}

func (t *TaskSpec) Validate() error {
	switch {
	case t.Queue == "":
		return fmt.Errorf("queue is required")
	case t.PollInterval < 0:
		return fmt.Errorf("invalid poll_interval: %s", t.PollInterval)
	case t.Visibility < 0:
		return fmt.Errorf("invalid visibility: %s", t.Visibility)
	case t.MaxInstances < 0:
		return fmt.Errorf("invalid max_instances: %d", t.MaxInstances)
	}
	switch t.Processor {
	case "log":
	case "exec":
		if len(t.Command) == 0 {
			return fmt.Errorf("exec processor needs a command")
		}
	default:
		return fmt.Errorf("unknown processor %q", t.Processor)
	}
	return nil
}
