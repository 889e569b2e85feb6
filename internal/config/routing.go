// Package config provides functions for reading config settings from ENV.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default queue topology. The transform topic is pinned to a single
// partition and a single consumer because the versioned table writer does
// not tolerate concurrent commits.
const (
	DefaultFetchTopic     = "stock.fetch"
	DefaultTransformTopic = "stock.transform"
	DefaultMetadataTopic  = "stock.metadata"
	DefaultNotifyTopic    = "stock.notify"
	DefaultBulkTopic      = "stock.bulk"

	defaultFetchConsumers = 4
)

// Sentinel errors for task routing configuration.
var (
	// ErrInvalidConsumerCount is returned when a topic is configured with a non-positive consumer count.
	ErrInvalidConsumerCount = errors.New("consumer count must be greater than zero")

	// ErrTransformNotSerial is returned when the transform topic is configured with more than one consumer.
	ErrTransformNotSerial = errors.New("transform topic must run with exactly one consumer")
)

type (
	// TopicRoute configures a single task topic: its name and how many
	// consumers the worker process starts for it.
	TopicRoute struct {
		Topic     string `yaml:"topic"`
		Consumers int    `yaml:"consumers"`
	}

	// TaskRouting holds the queue topology loaded from the optional
	// routing file pointed at by TASK_ROUTING_FILE.
	//
	// Example configuration (.stocketl.yaml):
	//
	//	fetch:
	//	  topic: stock.fetch
	//	  consumers: 8
	//	transform:
	//	  topic: stock.transform
	//	  consumers: 1
	TaskRouting struct {
		Fetch     TopicRoute `yaml:"fetch"`
		Transform TopicRoute `yaml:"transform"`
		Metadata  TopicRoute `yaml:"metadata"`
		Notify    TopicRoute `yaml:"notify"`
		Bulk      TopicRoute `yaml:"bulk"`
	}
)

// DefaultTaskRouting returns the built-in queue topology.
func DefaultTaskRouting() TaskRouting {
	return TaskRouting{
		Fetch:     TopicRoute{Topic: DefaultFetchTopic, Consumers: defaultFetchConsumers},
		Transform: TopicRoute{Topic: DefaultTransformTopic, Consumers: 1},
		Metadata:  TopicRoute{Topic: DefaultMetadataTopic, Consumers: 1},
		Notify:    TopicRoute{Topic: DefaultNotifyTopic, Consumers: 1},
		Bulk:      TopicRoute{Topic: DefaultBulkTopic, Consumers: 1},
	}
}

// LoadTaskRouting loads the task routing configuration from the file at
// path. Fields missing from the file keep their defaults. An empty path
// returns the defaults unchanged.
func LoadTaskRouting(path string) (TaskRouting, error) {
	routing := DefaultTaskRouting()

	if path == "" {
		return routing, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return routing, fmt.Errorf("failed to read task routing file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &routing); err != nil {
		return routing, fmt.Errorf("failed to parse task routing file %s: %w", path, err)
	}

	if err := routing.Validate(); err != nil {
		return routing, err
	}

	return routing, nil
}

// Validate checks the routing invariants.
func (r TaskRouting) Validate() error {
	for _, route := range []TopicRoute{r.Fetch, r.Transform, r.Metadata, r.Notify, r.Bulk} {
		if route.Consumers <= 0 {
			return fmt.Errorf("%w: topic %s configured with %d", ErrInvalidConsumerCount, route.Topic, route.Consumers)
		}
	}

	if r.Transform.Consumers != 1 {
		return fmt.Errorf("%w: got %d", ErrTransformNotSerial, r.Transform.Consumers)
	}

	return nil
}
