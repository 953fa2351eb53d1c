package vad

import (
	"math"

	"github.com/voxtutor/voxtutor/pkg/frames"
)

// EnergyDetector is a pure-Go detector based on RMS energy with a slowly
// adapting noise floor. It is the on-device fallback when no model-based
// detector is configured.
type EnergyDetector struct {
	threshold  float64
	noiseFloor float64
	adapt      float64
}

// NewEnergyDetector builds a detector from a sensitivity in [0,1].
// Higher sensitivity lowers the RMS level required to count as speech.
func NewEnergyDetector(sensitivity float64) *EnergyDetector {
	if sensitivity < 0 {
		sensitivity = 0
	}
	if sensitivity > 1 {
		sensitivity = 1
	}
	// 0.030 at sensitivity 0 down to 0.008 at sensitivity 1.
	threshold := 0.030 - 0.022*sensitivity
	return &EnergyDetector{
		threshold: threshold,
		adapt:     0.02,
	}
}

func (d *EnergyDetector) Name() string { return "energy_vad" }

func (d *EnergyDetector) Process(f frames.AudioFrame) (Result, error) {
	level := rms(f.Samples())

	effective := d.threshold + d.noiseFloor
	isSpeech := level >= effective

	// Track the noise floor on non-speech frames only, so sustained speech
	// does not raise the bar against itself.
	if !isSpeech {
		d.noiseFloor += d.adapt * (level - d.noiseFloor)
		if d.noiseFloor < 0 {
			d.noiseFloor = 0
		}
	}

	prob := level / (2 * effective)
	if prob > 1 {
		prob = 1
	}

	return Result{
		IsSpeech:    isSpeech,
		Probability: prob,
		FrameSeq:    f.Seq(),
	}, nil
}

func (d *EnergyDetector) Reset() {
	d.noiseFloor = 0
}

func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
