package config

import (
	"os"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"multirx/filter"
)

const (
	EngineXSK = "xsk"
	EngineRaw = "raw"
)

type Config struct {
	Log     Log     `yaml:"log"`
	Ring    Ring    `yaml:"ring"`
	Engine  Engine  `yaml:"engine"`
	DMA     DMA     `yaml:"dma"`
	Filter  Filter  `yaml:"filter"`
	Metrics Metrics `yaml:"metrics"`
}

type Log struct {
	Level string `yaml:"level"`
}

type Ring struct {
	// Path of the shared segment, empty keeps the ring in process memory.
	Path     string `yaml:"path"`
	Capacity uint64 `yaml:"capacity"`
}

type Engine struct {
	Type      string `yaml:"type"`
	Interface string `yaml:"interface"`
	// Queues lists the receive queues, one worker each.
	Queues []int `yaml:"queues"`
	// Program is the XDP object file, xsk only.
	Program        string `yaml:"program"`
	FastRegionSize int    `yaml:"fast_region_size"`
	NumFrame       int    `yaml:"num_frame"`
	SizeFrame      int    `yaml:"size_frame"`
	UseHugePage    bool   `yaml:"hugepage"`
	HugePage1Gb    bool   `yaml:"hugepage_1gb"`
	NeedWakeup     bool   `yaml:"need_wakeup"`
}

type DMA struct {
	Lanes int `yaml:"lanes"`
	Depth int `yaml:"depth"`
}

type Filter struct {
	ExcludedTypes []uint16 `yaml:"excluded_types"`
	// ExpectedLength 0 accepts every length, unset means 64.
	ExpectedLength     *uint32 `yaml:"expected_length"`
	VerifyIPv4Checksum bool    `yaml:"verify_ipv4_checksum"`
}

type Metrics struct {
	// Listen is the address of the metrics and pprof endpoint, empty
	// disables it.
	Listen string `yaml:"listen"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Ring.Capacity == 0 {
		c.Ring.Capacity = 4 << 20
	}
	if c.Engine.Type == "" {
		c.Engine.Type = EngineXSK
	}
	if len(c.Engine.Queues) == 0 {
		c.Engine.Queues = []int{0}
	}
	if c.Engine.FastRegionSize == 0 {
		c.Engine.FastRegionSize = 256
	}
	if c.Engine.NumFrame == 0 {
		c.Engine.NumFrame = 4096
	}
	if c.Engine.SizeFrame == 0 {
		c.Engine.SizeFrame = 2048
	}
	if c.DMA.Lanes == 0 {
		c.DMA.Lanes = 4
	}
	if c.DMA.Depth == 0 {
		c.DMA.Depth = 64
	}
	if c.Filter.ExcludedTypes == nil {
		c.Filter.ExcludedTypes = filter.DefaultRules().ExcludedTypes
	}
	if c.Filter.ExpectedLength == nil {
		l := filter.DefaultRules().ExpectedLength
		c.Filter.ExpectedLength = &l
	}
}

func (c *Config) validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	if c.Ring.Capacity < 2 {
		return errors.Errorf("ring.capacity must be at least 2, got %d", c.Ring.Capacity)
	}

	switch c.Engine.Type {
	case EngineXSK:
		if c.Engine.Program == "" {
			return errors.New("engine.program is required for the xsk engine")
		}
	case EngineRaw:
	default:
		return errors.Errorf("unknown engine.type %q", c.Engine.Type)
	}
	if c.Engine.Interface == "" {
		return errors.New("engine.interface is required")
	}

	seen := make(map[int]bool, len(c.Engine.Queues))
	for _, q := range c.Engine.Queues {
		if q < 0 || seen[q] {
			return errors.Errorf("engine.queues: invalid or duplicate queue %d", q)
		}
		seen[q] = true
	}
	if c.Engine.FastRegionSize < 0 || c.Engine.FastRegionSize > c.Engine.SizeFrame {
		return errors.Errorf("engine.fast_region_size must be within [0, %d]", c.Engine.SizeFrame)
	}
	if c.Engine.SizeFrame&(c.Engine.SizeFrame-1) != 0 {
		return errors.Errorf("engine.size_frame must be a power of two, got %d", c.Engine.SizeFrame)
	}
	if uint64(c.Engine.SizeFrame) >= c.Ring.Capacity {
		return errors.Errorf("ring.capacity %d cannot hold a %d byte frame", c.Ring.Capacity, c.Engine.SizeFrame)
	}
	if c.DMA.Lanes < 0 || c.DMA.Depth < 0 {
		return errors.New("dma.lanes and dma.depth must not be negative")
	}

	return nil
}

// Rules converts the filter section.
func (f Filter) Rules() filter.Rules {
	r := filter.Rules{
		ExcludedTypes:      append([]uint16(nil), f.ExcludedTypes...),
		VerifyIPv4Checksum: f.VerifyIPv4Checksum,
	}
	if f.ExpectedLength != nil {
		r.ExpectedLength = *f.ExpectedLength
	}
	return r
}

// ApplyLogLevel sets the logrus level from the config.
func (c *Config) ApplyLogLevel() {
	if level, err := logrus.ParseLevel(c.Log.Level); err == nil {
		logrus.SetLevel(level)
	}
}
