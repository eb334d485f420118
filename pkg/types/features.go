package types

import (
	"fmt"
	"math"
)

// Fixed band counts of the analysis features.
const (
	MFCCBands   = 13
	ChromaBins  = 12
	TonnetzDims = 6
)

// RawFeatureSet is the closed set of analysis features computed once per audio file.
//
// The band statistics are fixed-size arrays. When decoded from JSON, longer
// arrays are truncated and shorter ones are zero-padded to the band count.
type RawFeatureSet struct {
	Tempo             float64 `json:"tempo" yaml:"tempo"`
	Key               string  `json:"key" yaml:"key"`
	DurationSec       float64 `json:"duration" yaml:"duration"`
	SpectralCentroid  float64 `json:"spectral_centroid" yaml:"spectral_centroid"`
	SpectralBandwidth float64 `json:"spectral_bandwidth" yaml:"spectral_bandwidth"`
	SpectralRolloff   float64 `json:"spectral_rolloff" yaml:"spectral_rolloff"`
	ZeroCrossingRate  float64 `json:"zero_crossing_rate" yaml:"zero_crossing_rate"`
	RMSEnergy         float64 `json:"rms_energy" yaml:"rms_energy"`

	MFCCMean    [MFCCBands]float64   `json:"mfcc_mean" yaml:"mfcc_mean"`
	MFCCStd     [MFCCBands]float64   `json:"mfcc_std" yaml:"mfcc_std"`
	ChromaMean  [ChromaBins]float64  `json:"chroma_mean" yaml:"chroma_mean"`
	ChromaStd   [ChromaBins]float64  `json:"chroma_std" yaml:"chroma_std"`
	TonnetzMean [TonnetzDims]float64 `json:"tonnetz_mean" yaml:"tonnetz_mean"`
	TonnetzStd  [TonnetzDims]float64 `json:"tonnetz_std" yaml:"tonnetz_std"`
}

// Validate checks that every numeric feature is finite and the scalar
// features are in range.
func (f *RawFeatureSet) Validate() error {
	scalars := map[string]float64{
		"tempo":              f.Tempo,
		"duration":           f.DurationSec,
		"spectral_centroid":  f.SpectralCentroid,
		"spectral_bandwidth": f.SpectralBandwidth,
		"spectral_rolloff":   f.SpectralRolloff,
		"zero_crossing_rate": f.ZeroCrossingRate,
		"rms_energy":         f.RMSEnergy,
	}
	for name, v := range scalars {
		if !finite(v) {
			return fmt.Errorf("%s: %w", name, ErrInvalidFeature)
		}
	}
	if f.Tempo < 0 {
		return ErrNegativeTempo
	}
	if f.DurationSec < 0 {
		return ErrNegativeDuration
	}

	bands := map[string][]float64{
		"mfcc_mean":    f.MFCCMean[:],
		"mfcc_std":     f.MFCCStd[:],
		"chroma_mean":  f.ChromaMean[:],
		"chroma_std":   f.ChromaStd[:],
		"tonnetz_mean": f.TonnetzMean[:],
		"tonnetz_std":  f.TonnetzStd[:],
	}
	for name, values := range bands {
		for i, v := range values {
			if !finite(v) {
				return fmt.Errorf("%s[%d]: %w", name, i, ErrInvalidFeature)
			}
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
