package config

import (
	_ "embed"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kozaktomas/facepoke/internal/expression"
)

//go:embed presets.yaml
var presetsYAML []byte

type Config struct {
	Server   ServerConfig
	Pipeline PipelineConfig
	Output   OutputConfig
	Neural   NeuralConfig
	Log      LogConfig
	Presets  PresetsConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string // empty allows same-origin only
	RequestTimeout time.Duration
}

type PipelineConfig struct {
	MaxShape         int // longest side after resize (default 1280)
	MaxPixels        int // largest decoded upload, width*height (default 50M)
	ShapeN           int // both sides are cropped to a multiple of this (default 2)
	CropSize         int // neural crop size (default 256)
	SessionCapacity  int // cached portraits (default 10)
	MemoCapacity     int // upload digests remembered (default 512)
	Workers          int // concurrent pipeline stages (default NumCPU)
	MaskTemplatePath string
}

type OutputConfig struct {
	Format  string // webp, jpeg or png
	Quality int
	Method  int // webp compression effort 0..6
}

type NeuralConfig struct {
	URL     string // defaults to http://localhost:8000
	Timeout time.Duration
	Backend string // "http" or "synthetic"
}

type LogConfig struct {
	Level  string
	Format string // json or console
}

type PresetsConfig struct {
	Presets map[string]map[string]float64 `yaml:"presets"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func Load() *Config {
	var presets PresetsConfig
	if err := yaml.Unmarshal(presetsYAML, &presets); err != nil {
		panic("failed to unmarshal embedded presets.yaml: " + err.Error())
	}

	return &Config{
		Server: ServerConfig{
			Host:           envString("WEB_HOST", "0.0.0.0"),
			Port:           envInt("WEB_PORT", 8080),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
			RequestTimeout: envDuration("WEB_REQUEST_TIMEOUT", 60*time.Second),
		},
		Pipeline: PipelineConfig{
			MaxShape:         envInt("FACEPOKE_MAX_SHAPE", 1280),
			MaxPixels:        envInt("FACEPOKE_MAX_PIXELS", 50_000_000),
			ShapeN:           envInt("FACEPOKE_SHAPE_N", 2),
			CropSize:         envInt("FACEPOKE_CROP_SIZE", 256),
			SessionCapacity:  envInt("FACEPOKE_SESSION_CAPACITY", 10),
			MemoCapacity:     envInt("FACEPOKE_MEMO_CAPACITY", 512),
			Workers:          envInt("FACEPOKE_WORKERS", runtime.NumCPU()),
			MaskTemplatePath: os.Getenv("MASK_TEMPLATE_PATH"),
		},
		Output: OutputConfig{
			Format:  strings.ToLower(envString("FACEPOKE_OUTPUT_FORMAT", "webp")),
			Quality: envInt("FACEPOKE_OUTPUT_QUALITY", 82),
			Method:  envInt("FACEPOKE_OUTPUT_METHOD", 6),
		},
		Neural: NeuralConfig{
			URL:     envString("NEURAL_URL", "http://localhost:8000"),
			Timeout: envDuration("NEURAL_TIMEOUT", 60*time.Second),
			Backend: strings.ToLower(envString("NEURAL_BACKEND", "http")),
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "json"),
		},
		Presets: presets,
	}
}

// Preset returns the dial values of a named emotion preset.
func (c *Config) Preset(name string) (expression.Params, bool) {
	dials, ok := c.Presets.Presets[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	p := make(expression.Params, len(dials))
	for k, v := range dials {
		p[k] = v
	}
	return p, true
}

// PresetNames returns the preset names in sorted order.
func (c *Config) PresetNames() []string {
	names := make([]string, 0, len(c.Presets.Presets))
	for name := range c.Presets.Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
