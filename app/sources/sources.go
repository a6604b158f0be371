// Package sources loads the YAML file describing content sync sources,
// i.e. what to sync, how to invoke the external exporter and when.
// The file is watched for modification and re-parsed on change.
package sources

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/go-pkgz/lgr"
	"gopkg.in/yaml.v3"
)

// Conditions guards heavy syncs by system state, all thresholds optional.
type Conditions struct {
	CPUBelow      *int     `yaml:"cpu_below,omitempty" json:"cpu_below,omitempty" jsonschema:"minimum=1,maximum=100,description=Run only if CPU usage percent is below this"`
	MemoryBelow   *int     `yaml:"memory_below,omitempty" json:"memory_below,omitempty" jsonschema:"minimum=1,maximum=100,description=Run only if memory usage percent is below this"`
	LoadAvgBelow  *float64 `yaml:"loadavg_below,omitempty" json:"loadavg_below,omitempty" jsonschema:"description=Run only if 1m load average is below this"`
	DiskFreeAbove *int     `yaml:"disk_free_above,omitempty" json:"disk_free_above,omitempty" jsonschema:"minimum=1,maximum=100,description=Run only if free disk percent is above this"`
	DiskFreePath  string   `yaml:"disk_free_path,omitempty" json:"disk_free_path,omitempty" jsonschema:"description=Mount point to check, defaults to the working directory"`

	MaxPostpone   *time.Duration `yaml:"max_postpone,omitempty" json:"max_postpone,omitempty" jsonschema:"description=Wait up to this long for conditions instead of skipping"`
	CheckInterval *time.Duration `yaml:"check_interval,omitempty" json:"check_interval,omitempty" jsonschema:"description=Recheck cadence while postponed"`
}

// RetryOverrides tunes the error manager per source.
type RetryOverrides struct {
	MaxRetries *int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	BaseDelay  *time.Duration `yaml:"base_delay,omitempty" json:"base_delay,omitempty"`
	MaxDelay   *time.Duration `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
}

// Spec is a single sync source entry.
type Spec struct {
	Name     string `yaml:"name" json:"name" jsonschema:"required,description=Unique source name"`
	Type     string `yaml:"type" json:"type" jsonschema:"required,example=notion:fetch,example=notion:fetch-all,example=notion:translate,description=Job type tag"`
	Command  string `yaml:"command" json:"command" jsonschema:"required,description=Shell command invoking the external exporter"`
	Schedule string `yaml:"schedule,omitempty" json:"schedule,omitempty" jsonschema:"example=@every 6h,description=Cron spec for automatic runs, manual-only if empty"`

	Conditions *Conditions     `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Retry      *RetryOverrides `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// Config is the top-level document of the sources file.
type Config struct {
	Sources []Spec `yaml:"sources" json:"sources" jsonschema:"required"`
}

// Parser reads the sources file, thread safe.
type Parser struct {
	file        string
	updInterval time.Duration
}

// New creates Parser for file, not parsing yet.
func New(file string, updInterval time.Duration) *Parser {
	log.Printf("[INFO] sources file %s, update check every %v", file, updInterval)
	return &Parser{file: file, updInterval: updInterval}
}

// List parses the file and returns all source specs.
func (p Parser) List() ([]Spec, error) {
	bs, err := os.ReadFile(p.file)
	if err != nil {
		return nil, fmt.Errorf("can't read sources file %s: %w", p.file, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return nil, fmt.Errorf("can't parse sources file %s: %w", p.file, err)
	}

	seen := map[string]bool{}
	for _, s := range cfg.Sources {
		if s.Name == "" || s.Type == "" || s.Command == "" {
			return nil, fmt.Errorf("source entry %+v missing name, type or command", s)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicated source name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return cfg.Sources, nil
}

func (p Parser) String() string { return p.file }

// Changes returns a channel getting the full source list each time the
// file's modification time changes. Checked every updInterval; a change
// has to settle for half the interval before it is picked up, protecting
// against partial saves.
func (p Parser) Changes(ctx context.Context) (<-chan []Spec, error) {
	ch := make(chan []Spec)

	mtime := func() (time.Time, error) {
		st, err := os.Stat(p.file)
		if err != nil {
			return time.Time{}, fmt.Errorf("can't stat sources file %s: %w", p.file, err)
		}
		return st.ModTime(), nil
	}

	lastMtime, err := mtime()
	if err != nil {
		return nil, err // need the file present to start the watcher
	}

	ticker := time.NewTicker(p.updInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(ch)
				return
			case <-ticker.C:
				m, err := mtime()
				if err != nil {
					log.Printf("[WARN] can't get info about %s, %v", p.file, err)
					continue
				}
				if m == lastMtime || time.Since(m) < p.updInterval/2 {
					continue
				}
				lastMtime = m
				specs, err := p.List()
				if err != nil {
					log.Printf("[WARN] can't get sources from %s, %v", p.file, err)
					continue
				}
				ch <- specs
			}
		}
	}()

	return ch, nil
}
