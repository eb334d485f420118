// Package codec builds the combined audio embedding stored for every song.
//
// A combined embedding is the concatenation of a local sub-vector, derived
// from the scalar and band features of a RawFeatureSet, and an external
// sub-vector produced by a deep audio model. The external slot is always
// present; it is zero-filled when no external embedding is available so that
// every combined embedding shares one dimension.
package codec

import (
	"fmt"
	"math"

	"github.com/dshills/soundscope-mcp/pkg/types"
)

const (
	// ScalarDim is the number of scaled scalar features in the local sub-vector
	ScalarDim = 6
	// LocalDim is the dimension of the local sub-vector
	LocalDim = ScalarDim + types.MFCCBands + types.ChromaBins + types.TonnetzDims

	// DefaultExternalDim is the dimension of the external embedding slot
	DefaultExternalDim = 512
	// DefaultLocalWeight scales the local sub-vector when an external embedding is present
	DefaultLocalWeight = 0.3
	// DefaultExternalWeight scales the external sub-vector
	DefaultExternalWeight = 0.7
)

// Reference scales for the scalar features, in local vector order.
const (
	tempoScale     = 200.0
	centroidScale  = 5000.0
	bandwidthScale = 5000.0
	rolloffScale   = 10000.0
	zcrScale       = 1.0
	rmsScale       = 1.0
)

// Options configures a Codec
type Options struct {
	LocalWeight    float64
	ExternalWeight float64
	ExternalDim    int
}

// DefaultOptions returns the stock weights and the 512-dim external slot
func DefaultOptions() Options {
	return Options{
		LocalWeight:    DefaultLocalWeight,
		ExternalWeight: DefaultExternalWeight,
		ExternalDim:    DefaultExternalDim,
	}
}

// Codec turns raw features and an optional external embedding into a
// unit-norm combined embedding. It holds no mutable state and is safe for
// concurrent use.
type Codec struct {
	localWeight    float64
	externalWeight float64
	externalDim    int
}

// New creates a codec. Invalid options are rejected rather than corrected.
func New(opts Options) (*Codec, error) {
	if opts.ExternalDim <= 0 {
		return nil, fmt.Errorf("external dimension must be positive, got %d", opts.ExternalDim)
	}
	if opts.LocalWeight < 0 || opts.ExternalWeight < 0 {
		return nil, fmt.Errorf("codec weights must be non-negative (local=%v, external=%v)", opts.LocalWeight, opts.ExternalWeight)
	}
	if opts.LocalWeight == 0 && opts.ExternalWeight == 0 {
		return nil, fmt.Errorf("at least one codec weight must be positive")
	}
	return &Codec{
		localWeight:    opts.LocalWeight,
		externalWeight: opts.ExternalWeight,
		externalDim:    opts.ExternalDim,
	}, nil
}

// Dimension returns the combined embedding dimension
func (c *Codec) Dimension() int {
	return LocalDim + c.externalDim
}

// ExternalDim returns the dimension of the external slot
func (c *Codec) ExternalDim() int {
	return c.externalDim
}

// Combine builds the combined embedding for raw and an optional external
// embedding (nil when the external model is unavailable). The result is
// unit-norm unless every input component is zero, in which case it is the
// zero vector.
func (c *Codec) Combine(raw *types.RawFeatureSet, external []float32) ([]float32, error) {
	if raw == nil {
		return nil, fmt.Errorf("raw features are required")
	}
	if external != nil && len(external) != c.externalDim {
		return nil, fmt.Errorf("external embedding has %d components, want %d: %w",
			len(external), c.externalDim, types.ErrDimensionMismatch)
	}

	local := LocalVector(raw)
	normalizeInPlace(local[:])

	combined := make([]float64, c.Dimension())
	if external == nil {
		copy(combined, local[:])
	} else {
		for i, v := range local {
			combined[i] = v * c.localWeight
		}
		for i, v := range external {
			combined[LocalDim+i] = float64(v) * c.externalWeight
		}
	}
	normalizeInPlace(combined)

	out := make([]float32, len(combined))
	for i, v := range combined {
		out[i] = float32(v)
	}
	return out, nil
}

// LocalVector returns the un-normalized local sub-vector: the six scaled
// scalars followed by the MFCC, chroma and tonnetz means.
func LocalVector(raw *types.RawFeatureSet) [LocalDim]float64 {
	var v [LocalDim]float64
	v[0] = raw.Tempo / tempoScale
	v[1] = raw.SpectralCentroid / centroidScale
	v[2] = raw.SpectralBandwidth / bandwidthScale
	v[3] = raw.SpectralRolloff / rolloffScale
	v[4] = raw.ZeroCrossingRate / zcrScale
	v[5] = raw.RMSEnergy / rmsScale

	off := ScalarDim
	off += copy(v[off:], raw.MFCCMean[:])
	off += copy(v[off:], raw.ChromaMean[:])
	copy(v[off:], raw.TonnetzMean[:])
	return v
}

// normalizeInPlace scales v to unit length. A zero vector is left untouched.
func normalizeInPlace(v []float64) {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] /= norm
	}
}
