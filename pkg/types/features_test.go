package types

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawFeatureSet_DecodeFitsBands(t *testing.T) {
	payload := `{
		"tempo": 120.5,
		"key": "A minor",
		"mfcc_mean": [1,2,3,4,5,6,7,8,9,10,11,12,13,14,15],
		"chroma_mean": [0.5, 0.25],
		"tonnetz_mean": [1,1,1,1,1,1]
	}`

	var f RawFeatureSet
	require.NoError(t, json.Unmarshal([]byte(payload), &f))

	assert.Equal(t, 120.5, f.Tempo)
	assert.Equal(t, "A minor", f.Key)
	assert.Equal(t, 13.0, f.MFCCMean[12], "extra MFCC bands are dropped")
	assert.Equal(t, 0.25, f.ChromaMean[1])
	assert.Equal(t, 0.0, f.ChromaMean[11], "missing chroma bins are zero")
	require.NoError(t, f.Validate())
}

func TestRawFeatureSet_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(f *RawFeatureSet)
		wantErr error
	}{
		{"valid", func(f *RawFeatureSet) {}, nil},
		{"negative tempo", func(f *RawFeatureSet) { f.Tempo = -1 }, ErrNegativeTempo},
		{"negative duration", func(f *RawFeatureSet) { f.DurationSec = -3 }, ErrNegativeDuration},
		{"nan scalar", func(f *RawFeatureSet) { f.RMSEnergy = math.NaN() }, ErrInvalidFeature},
		{"inf band", func(f *RawFeatureSet) { f.ChromaStd[4] = math.Inf(1) }, ErrInvalidFeature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := RawFeatureSet{Tempo: 100, DurationSec: 200}
			tt.mutate(&f)
			err := f.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSongResult_Validate(t *testing.T) {
	r := SongResult{SongID: 7, Rank: 1, Similarity: 0.9}
	assert.NoError(t, r.Validate())

	r.Rank = 0
	assert.ErrorIs(t, r.Validate(), ErrInvalidRank)

	r = SongResult{Rank: 1}
	assert.ErrorIs(t, r.Validate(), ErrInvalidSongID)

	results := []SongResult{{SongID: 3}, {SongID: 1}}
	AssignRanks(results)
	assert.Equal(t, 1, results[0].Rank)
	assert.Equal(t, 2, results[1].Rank)
}
