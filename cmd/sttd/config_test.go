package main

import (
	"errors"
	"testing"

	"github.com/spf13/viper"

	"github.com/speechrnt/sttcore/pkg/quantization"
)

func TestLoadConfig_DefaultsPassValidation(t *testing.T) {
	v := viper.New()
	cfg, err := loadConfig(v, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ModelPath == "" {
		t.Error("expected a non-empty default model path")
	}
	if cfg.Threads < 1 {
		t.Errorf("got %d threads want >= 1", cfg.Threads)
	}
}

func TestLoadConfig_MissingFileIsConfigError(t *testing.T) {
	v := viper.New()
	_, err := loadConfig(v, "/nonexistent/sttd-config-does-not-exist.yaml")
	if !errors.Is(err, errConfigInvalid) {
		t.Errorf("got %v, want an error wrapping errConfigInvalid", err)
	}
}

func TestLoadConfig_RejectsOutOfRangeThreads(t *testing.T) {
	v := viper.New()
	v.Set("threads", 0)
	_, err := loadConfig(v, "")
	if !errors.Is(err, errConfigInvalid) {
		t.Errorf("got %v, want an error wrapping errConfigInvalid", err)
	}
}

func TestParseQuantizationLevel(t *testing.T) {
	cases := map[string]quantization.Level{
		"":        quantization.Auto,
		"auto":    quantization.Auto,
		"full32":  quantization.Full32,
		"half16":  quantization.Half16,
		"int8":    quantization.Int8,
		"FULL32":  quantization.Full32,
	}
	for input, want := range cases {
		got, err := parseQuantizationLevel(input)
		if err != nil {
			t.Errorf("parseQuantizationLevel(%q): unexpected error %v", input, err)
		}
		if got != want {
			t.Errorf("parseQuantizationLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseQuantizationLevel_RejectsUnknown(t *testing.T) {
	if _, err := parseQuantizationLevel("bogus"); !errors.Is(err, errConfigInvalid) {
		t.Errorf("got %v, want an error wrapping errConfigInvalid", err)
	}
}

func TestExitCode(t *testing.T) {
	if got := exitCode(nil); got != 0 {
		t.Errorf("nil error: got %d want 0", got)
	}
	if got := exitCode(errConfigInvalid); got != 3 {
		t.Errorf("config error: got %d want 3", got)
	}
	if got := exitCode(errInitializeFailed); got != 1 {
		t.Errorf("init error: got %d want 1", got)
	}
	if got := exitCode(errRuntimeFailed); got != 2 {
		t.Errorf("runtime error: got %d want 2", got)
	}
}
