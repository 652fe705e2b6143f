package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RenderThreshold is the minimum score a detection needs to be drawn.
const RenderThreshold = 0.7

type Config struct {
	Model   ModelConfig
	Storage StorageConfig
	Scratch ScratchConfig
	Render  RenderConfig
	Server  ServerConfig
}

type ModelConfig struct {
	Name        string
	Dataset     string
	Dir         string
	CacheDir    string
	Library     string
	Sessions    int
	Threads     int
	InputSize   int
	AcquireWait time.Duration
}

type StorageConfig struct {
	Type     string
	Bucket   string
	Path     string
	Region   string
	Endpoint string
}

type ScratchConfig struct {
	InputDir  string
	OutputDir string
}

type RenderConfig struct {
	Threshold float64
}

type ServerConfig struct {
	Addr string
}

// env maps config keys onto the environment variables set by the stack.
var env = map[string]string{
	"model.name":         "MODEL_NAME",
	"model.dataset":      "DATASET",
	"model.dir":          "MODEL_DIR",
	"model.cache_dir":    "MODEL_CACHE_DIR",
	"model.sessions":     "MODEL_SESSIONS",
	"model.threads":      "MODEL_THREADS",
	"model.input_size":   "MODEL_INPUT_SIZE",
	"model.acquire_wait": "MODEL_ACQUIRE_WAIT",
	"onnx.library":       "ONNXRUNTIME_LIB",
	"storage.type":       "STORAGE_TYPE",
	"storage.bucket":     "BUCKET",
	"storage.path":       "STORAGE_PATH",
	"storage.region":     "AWS_REGION",
	"storage.endpoint":   "S3_ENDPOINT",
	"scratch.input_dir":  "INPUT_DIR",
	"scratch.output_dir": "PLOT_DIR",
	"render.threshold":   "RENDER_THRESHOLD",
	"server.addr":        "SERVER_ADDR",
}

// aliases are older variable names, read when the primary one is unset.
var aliases = map[string]string{
	"model.name": "GLUON_MODEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model.name", "yolov8n")
	v.SetDefault("model.dataset", "coco")
	v.SetDefault("model.dir", "/opt/models")
	v.SetDefault("model.cache_dir", "/tmp/models")
	v.SetDefault("model.sessions", 1)
	v.SetDefault("model.threads", 0)
	v.SetDefault("model.input_size", 640)
	v.SetDefault("model.acquire_wait", 5*time.Second)
	v.SetDefault("onnx.library", "/opt/onnxruntime/lib/libonnxruntime.so")

	v.SetDefault("storage.type", "s3")
	v.SetDefault("storage.path", "./data")
	v.SetDefault("storage.region", "us-east-1")

	v.SetDefault("scratch.input_dir", "/tmp/input_images")
	v.SetDefault("scratch.output_dir", "/tmp/output_images")

	v.SetDefault("render.threshold", RenderThreshold)
	v.SetDefault("server.addr", "127.0.0.1:8080")
}

// Load reads defaults, an optional YAML file and the environment, in that
// order of increasing precedence.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, name := range env {
		names := []string{key, name}
		if alias, ok := aliases[key]; ok {
			names = append(names, alias)
		}
		if err := v.BindEnv(names...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", name, err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Model: ModelConfig{
			Name:        v.GetString("model.name"),
			Dataset:     v.GetString("model.dataset"),
			Dir:         v.GetString("model.dir"),
			CacheDir:    v.GetString("model.cache_dir"),
			Library:     v.GetString("onnx.library"),
			Sessions:    v.GetInt("model.sessions"),
			Threads:     v.GetInt("model.threads"),
			InputSize:   v.GetInt("model.input_size"),
			AcquireWait: v.GetDuration("model.acquire_wait"),
		},
		Storage: StorageConfig{
			Type:     strings.ToLower(v.GetString("storage.type")),
			Bucket:   v.GetString("storage.bucket"),
			Path:     v.GetString("storage.path"),
			Region:   v.GetString("storage.region"),
			Endpoint: v.GetString("storage.endpoint"),
		},
		Scratch: ScratchConfig{
			InputDir:  v.GetString("scratch.input_dir"),
			OutputDir: v.GetString("scratch.output_dir"),
		},
		Render: RenderConfig{
			Threshold: v.GetFloat64("render.threshold"),
		},
		Server: ServerConfig{
			Addr: v.GetString("server.addr"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Model.Name == "" {
		return errors.New("model name is required")
	}
	if c.Model.Dataset == "" {
		return errors.New("dataset tag is required")
	}
	if c.Model.InputSize <= 0 || c.Model.InputSize%32 != 0 {
		return fmt.Errorf("model input size must be a positive multiple of 32, got %d", c.Model.InputSize)
	}
	if c.Render.Threshold < 0 || c.Render.Threshold > 1 {
		return fmt.Errorf("render threshold must be within [0, 1], got %v", c.Render.Threshold)
	}
	switch c.Storage.Type {
	case "s3":
		if c.Storage.Bucket == "" {
			return errors.New("s3 bucket is required (set BUCKET)")
		}
	case "disk":
		if c.Storage.Path == "" {
			return errors.New("disk storage path is required")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	return nil
}
