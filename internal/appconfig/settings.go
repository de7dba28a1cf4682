// Package appconfig loads the pipeline's file configuration: settings.yml
// for behaviour toggles, resource.yml for the resource catalogue, and one
// mapping file per resource. Environment variables override server URLs,
// credentials and database settings; see env.go.
package appconfig

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"ehrbridge/internal/platform/net/http/bind"

	perr "ehrbridge/internal/platform/errors"
)

// Settings mirrors settings.yml. Zero values fall back to the documented
// defaults via the accessor methods
type Settings struct {
	FetchByDate struct {
		Enabled            bool   `yaml:"enabled"`
		StartDate          string `yaml:"start_date"`
		EndDate            string `yaml:"end_date"`
		FetchIntervalHours int    `yaml:"fetch_interval_hours" validate:"gte=0"`
	} `yaml:"fetch_by_date"`

	Polling struct {
		Enabled            bool `yaml:"enabled"`
		IntervalSeconds    int  `yaml:"interval_seconds" validate:"gte=0"`
		MaxParallelFetches int  `yaml:"max_parallel_fetches" validate:"gte=0"`
	} `yaml:"polling"`

	PriorityFetching struct {
		Enabled        bool        `yaml:"enabled"`
		PriorityLevels map[int]int `yaml:"priority_levels"`
	} `yaml:"priority_fetching"`

	Processing struct {
		UseBatch       bool `yaml:"use_batch"`
		BatchSize      int  `yaml:"batch_size" validate:"gte=0"`
		MaxFHIRWorkers int  `yaml:"max_fhir_workers" validate:"gte=0"`
	} `yaml:"processing"`

	QueryRetries struct {
		Enabled              bool `yaml:"enabled"`
		RetryCount           int  `yaml:"retry_count" validate:"gte=0"`
		RetryIntervalSeconds int  `yaml:"retry_interval_seconds" validate:"gte=0"`
	} `yaml:"query_retries"`

	ServerHealthCheck struct {
		Enabled              bool `yaml:"enabled"`
		RetryIntervalSeconds int  `yaml:"retry_interval_seconds" validate:"gte=0"`
		MaxRetries           int  `yaml:"max_retries" validate:"gte=0"`
	} `yaml:"server_health_check"`

	Pseudonymization struct {
		Enabled             bool                    `yaml:"enabled"`
		UseDeterministicAES bool                    `yaml:"use_deterministic_aes"`
		GPAS                bool                    `yaml:"GPAS"`
		Elements            map[string]FieldElement `yaml:"elements_to_pseudonymize"`
	} `yaml:"pseudonymization"`

	Sanitize struct {
		Enabled  bool     `yaml:"enabled"`
		Elements []string `yaml:"elements_to_sanitize"`
	} `yaml:"sanitize"`

	Publish struct {
		DiscardInvalid *bool `yaml:"discard_invalid"`
	} `yaml:"publish"`
}

// FieldElement is one entry of elements_to_pseudonymize
type FieldElement struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
	Domain  string `yaml:"domain"`
}

// LoadSettings reads and validates settings.yml
func LoadSettings(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeConfig, "read settings %s", path)
	}
	var s Settings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeConfig, "parse settings %s", path)
	}
	if err := bind.ValidateStruct(&s); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeConfig, "invalid settings %s", path)
	}
	return &s, nil
}

// PollInterval is the sleep between cycles
func (s *Settings) PollInterval() time.Duration {
	if s.Polling.IntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.Polling.IntervalSeconds) * time.Second
}

// MaxParallelFetches bounds concurrent resource fetches in one cycle
func (s *Settings) MaxParallelFetches() int {
	if s.Polling.MaxParallelFetches <= 0 {
		return 1
	}
	return s.Polling.MaxParallelFetches
}

// FetchInterval is the width of one fetch window
func (s *Settings) FetchInterval() time.Duration {
	if s.FetchByDate.FetchIntervalHours <= 0 {
		return time.Hour
	}
	return time.Duration(s.FetchByDate.FetchIntervalHours) * time.Hour
}

// BatchSize is the read batch for transform and publish stages
func (s *Settings) BatchSize() int {
	if !s.Processing.UseBatch || s.Processing.BatchSize <= 0 {
		return 100
	}
	return s.Processing.BatchSize
}

// RetryCount is the number of upsert retries per queue row
func (s *Settings) RetryCount() int {
	if !s.QueryRetries.Enabled {
		return 0
	}
	if s.QueryRetries.RetryCount <= 0 {
		return 3
	}
	return s.QueryRetries.RetryCount
}

// RetryInterval is the fixed wait between publisher retries
func (s *Settings) RetryInterval() time.Duration {
	if s.QueryRetries.RetryIntervalSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.QueryRetries.RetryIntervalSeconds) * time.Second
}

// HealthRetryInterval is the wait between heartbeat attempts
func (s *Settings) HealthRetryInterval() time.Duration {
	if s.ServerHealthCheck.RetryIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.ServerHealthCheck.RetryIntervalSeconds) * time.Second
}

// DiscardInvalid reports whether the publisher drops rows the FHIR server
// rejected with a 4xx. Defaults to true; Consent rows are always retained
// regardless of this flag
func (s *Settings) DiscardInvalid() bool {
	if s.Publish.DiscardInvalid == nil {
		return true
	}
	return *s.Publish.DiscardInvalid
}

// PriorityGapMinutes returns the minimum minutes between fetches for a
// priority level, 0 when priority fetching is off or the level is unknown
func (s *Settings) PriorityGapMinutes(priority int) int {
	if !s.PriorityFetching.Enabled {
		return 0
	}
	return s.PriorityFetching.PriorityLevels[priority]
}
