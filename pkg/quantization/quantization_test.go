package quantization

import "testing"

func TestSelectOptimal_PicksInt8WhenOnlySmallBudgetFits(t *testing.T) {
	got := SelectOptimal(900, 50)
	if got != Int8 {
		t.Errorf("expected Int8, got %v", got)
	}
}

func TestSelectOptimal_PicksHalf16WhenBothFit(t *testing.T) {
	got := SelectOptimal(2000, 50)
	if got != Half16 {
		t.Errorf("expected Half16, got %v", got)
	}
}

func TestSelectOptimal_FallsBackToFull32WhenNothingFits(t *testing.T) {
	got := SelectOptimal(100, 50)
	if got != Full32 {
		t.Errorf("expected Full32, got %v", got)
	}
}

func TestPreferenceOrder_FittingLevelsSortFirst(t *testing.T) {
	order := PreferenceOrder(900)
	if order[0] != Full32 {
		t.Fatalf("expected Full32 first (always fits), got %v", order[0])
	}
	int8At, half16At := -1, -1
	for i, l := range order {
		switch l {
		case Int8:
			int8At = i
		case Half16:
			half16At = i
		}
	}
	if int8At < 0 {
		t.Fatal("expected Int8 present in preference order")
	}
	if half16At >= 0 && half16At < int8At {
		t.Errorf("expected Int8 (fits in 900MB) before Half16 (needs 1500MB), got %v", order)
	}
}

func TestPathFor_AppendsSuffixBeforeExtension(t *testing.T) {
	cases := []struct {
		level Level
		want  string
	}{
		{Full32, "model.bin"},
		{Half16, "model_fp16.bin"},
		{Int8, "model_int8.bin"},
	}
	for _, c := range cases {
		if got := PathFor("model.bin", c.level); got != c.want {
			t.Errorf("PathFor(%v) = %q, want %q", c.level, got, c.want)
		}
	}
}

func TestSetAccuracyThreshold_ClampsToUnitInterval(t *testing.T) {
	p := NewPolicy()
	p.SetAccuracyThreshold(-0.5)
	if p.AccuracyThreshold() != 0 {
		t.Errorf("expected clamp to 0, got %v", p.AccuracyThreshold())
	}
	p.SetAccuracyThreshold(1.5)
	if p.AccuracyThreshold() != 1 {
		t.Errorf("expected clamp to 1, got %v", p.AccuracyThreshold())
	}
}

type fakeTranscriber struct {
	texts []string
	confs []float64
	i     int
}

func (f *fakeTranscriber) TranscribeFile(path string) (string, float64, error) {
	text, conf := f.texts[f.i], f.confs[f.i]
	f.i++
	return text, conf, nil
}

func TestValidateAccuracy_PerfectMatchPasses(t *testing.T) {
	p := NewPolicy()
	ft := &fakeTranscriber{texts: []string{"hello world"}, confs: []float64{0.95}}
	report, err := p.ValidateAccuracy(ft, []string{"a.wav"}, []string{"hello world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.MeanWER != 0 {
		t.Errorf("expected zero WER, got %v", report.MeanWER)
	}
	if !report.Passed {
		t.Error("expected perfect transcription to pass")
	}
}

func TestValidateAccuracy_MismatchedLengthsError(t *testing.T) {
	p := NewPolicy()
	ft := &fakeTranscriber{}
	_, err := p.ValidateAccuracy(ft, []string{"a.wav", "b.wav"}, []string{"only one"})
	if err == nil {
		t.Fatal("expected error on length mismatch")
	}
}

func TestWordErrorRate_OneSubstitution(t *testing.T) {
	got := wordErrorRate("the quick fox", "the slow fox")
	want := 1.0 / 3.0
	if got != want {
		t.Errorf("got %v want %v", got, want)
	}
}
