package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/speechrnt/sttcore/pkg/quantization"
)

// Config is the daemon's top-level configuration, assembled by viper from
// (in ascending priority) a config file, environment variables prefixed
// STTD_, and any flags or values the caller binds or sets on the viper
// instance; the serve command binds none.
type Config struct {
	ModelPath    string `mapstructure:"model_path" validate:"required"`
	Threads      int    `mapstructure:"threads" validate:"gte=1,lte=128"`
	UseGPU       bool   `mapstructure:"use_gpu"`
	GPUDeviceID  int    `mapstructure:"gpu_device_id" validate:"gte=0"`
	Quantization string `mapstructure:"quantization" validate:"oneof=auto full32 half16 int8"`

	ListenAddr string `mapstructure:"listen_addr" validate:"required"`

	Workers             int     `mapstructure:"workers" validate:"gte=0"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" validate:"gte=0,lte=1"`

	HealthCheckInterval   time.Duration `mapstructure:"health_check_interval" validate:"min=1s"`
	ResourceCheckInterval time.Duration `mapstructure:"resource_check_interval" validate:"min=1s"`
	AlertCooldown         time.Duration `mapstructure:"alert_cooldown" validate:"min=0s"`

	MaxRetryAttempts   int           `mapstructure:"max_retry_attempts" validate:"gte=0,lte=20"`
	InitialBackoff     time.Duration `mapstructure:"initial_backoff" validate:"min=0s"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff" validate:"min=0s"`
	EnableGPUFallback  bool          `mapstructure:"enable_gpu_fallback"`
	EnableQuantFallback bool         `mapstructure:"enable_quantization_fallback"`
}

func defaultConfig() Config {
	return Config{
		ModelPath:             "models/ggml-base.bin",
		Threads:               4,
		UseGPU:                false,
		GPUDeviceID:           0,
		Quantization:          "auto",
		ListenAddr:            ":8088",
		Workers:               0,
		ConfidenceThreshold:   0.5,
		HealthCheckInterval:   5 * time.Second,
		ResourceCheckInterval: 5 * time.Second,
		AlertCooldown:         60 * time.Second,
		MaxRetryAttempts:      3,
		InitialBackoff:        100 * time.Millisecond,
		MaxBackoff:            5 * time.Second,
		EnableGPUFallback:     true,
		EnableQuantFallback:   true,
	}
}

// loadConfig reads defaults, then an optional config file, then STTD_-prefixed
// environment variables, then whatever flags the caller has already bound to
// v, and validates the result.
func loadConfig(v *viper.Viper, cfgFile string) (Config, error) {
	cfg := defaultConfig()

	v.SetEnvPrefix("sttd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only consults the environment for keys viper already knows,
	// so every field's key is bound explicitly.
	for _, key := range []string{"model_path", "threads", "use_gpu", "gpu_device_id", "quantization",
		"listen_addr", "workers", "confidence_threshold", "health_check_interval", "resource_check_interval",
		"alert_cooldown", "max_retry_attempts", "initial_backoff", "max_backoff", "enable_gpu_fallback",
		"enable_quantization_fallback"} {
		_ = v.BindEnv(key)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: reading config file %q: %v", errConfigInvalid, cfgFile, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: decoding configuration: %v", errConfigInvalid, err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", errConfigInvalid, err)
	}
	return cfg, nil
}

func parseQuantizationLevel(s string) (quantization.Level, error) {
	switch strings.ToLower(s) {
	case "auto", "":
		return quantization.Auto, nil
	case "full32":
		return quantization.Full32, nil
	case "half16":
		return quantization.Half16, nil
	case "int8":
		return quantization.Int8, nil
	default:
		return quantization.Auto, fmt.Errorf("%w: unknown quantization level %q", errConfigInvalid, s)
	}
}
