package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/speechrnt/sttcore/pkg/audio"
	"github.com/speechrnt/sttcore/pkg/engine"
	"github.com/speechrnt/sttcore/pkg/quantization"
)

var (
	vaModelPath          string
	vaThreads            int
	vaQuantization       string
	vaAccuracyThreshold  float64
	vaAudioFiles         []string
	vaExpectedTexts      []string
	vaDumpResampledDir   string
)

var validateAccuracyCmd = &cobra.Command{
	Use:   "validate-accuracy",
	Short: "Compare transcription accuracy against a reference transcript set",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidateAccuracy()
	},
}

func init() {
	validateAccuracyCmd.Flags().StringVar(&vaModelPath, "model", "", "path to the model file (required)")
	validateAccuracyCmd.Flags().IntVar(&vaThreads, "threads", 4, "inference threads")
	validateAccuracyCmd.Flags().StringVar(&vaQuantization, "quantization", "auto", "auto|full32|half16|int8")
	validateAccuracyCmd.Flags().Float64Var(&vaAccuracyThreshold, "accuracy-threshold", 0.9, "minimum acceptable 1-WER score")
	validateAccuracyCmd.Flags().StringArrayVar(&vaAudioFiles, "audio", nil, "path to a reference audio file (repeatable)")
	validateAccuracyCmd.Flags().StringArrayVar(&vaExpectedTexts, "expected", nil, "expected transcript for the audio file at the same position (repeatable)")
	validateAccuracyCmd.Flags().StringVar(&vaDumpResampledDir, "dump-resampled-dir", "", "write the mono float32 signal actually fed to the model back out as WAV, for inspecting decode/downmix fidelity")
	_ = validateAccuracyCmd.MarkFlagRequired("model")
}

func dumpResampled(dir string, audioFiles []string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", errConfigInvalid, err)
	}
	for _, path := range audioFiles {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: %v", errConfigInvalid, err)
		}
		decoded, err := audio.Decode(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", errConfigInvalid, err)
		}
		mono := audio.ToFloat32Mono(decoded.PCM, decoded.Channels)
		wav := audio.NewWavBuffer(audio.Float32ToPCM16(mono), decoded.SampleRate)
		out := filepath.Join(dir, filepath.Base(path))
		if err := os.WriteFile(out, wav, 0o644); err != nil {
			return fmt.Errorf("%w: %v", errConfigInvalid, err)
		}
	}
	return nil
}

func runValidateAccuracy() error {
	if len(vaAudioFiles) == 0 || len(vaAudioFiles) != len(vaExpectedTexts) {
		return fmt.Errorf("%w: --audio and --expected must be given the same number of times, at least once", errConfigInvalid)
	}

	if err := dumpResampled(vaDumpResampledDir, vaAudioFiles); err != nil {
		return err
	}

	level, err := parseQuantizationLevel(vaQuantization)
	if err != nil {
		return err
	}

	logger := newLogger()
	engCfg := engine.DefaultConfig()
	engCfg.Logger = logger
	e := engine.New(engCfg)
	defer e.Close()

	if level == quantization.Auto {
		err = e.Initialize(vaModelPath, vaThreads)
	} else {
		err = e.InitializeWithQuantization(vaModelPath, level, vaThreads)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errInitializeFailed, err)
	}

	policy := quantization.NewPolicy()
	policy.SetAccuracyThreshold(vaAccuracyThreshold)

	report, err := e.ValidateAccuracy(policy, vaAudioFiles, vaExpectedTexts)
	if err != nil {
		return fmt.Errorf("%w: %v", errRuntimeFailed, err)
	}

	fmt.Printf("samples=%d mean_wer=%.4f mean_cer=%.4f mean_confidence=%.4f passed=%v\n",
		report.SampleSize, report.MeanWER, report.MeanCER, report.MeanConf, report.Passed)
	if !report.Passed {
		return fmt.Errorf("%w: accuracy below threshold (mean_wer=%.4f)", errRuntimeFailed, report.MeanWER)
	}
	return nil
}
