package dtw

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/mfcc"
)

func TestNewIncremental_Errors(t *testing.T) {
	_, err := NewIncremental(nil, DefaultIncrementalOptions())
	assert.ErrorIs(t, err, ErrEmptySequence)

	ragged := mfcc.Sequence{{1, 2}, {1}}
	_, err = NewIncremental(ragged, DefaultIncrementalOptions())
	assert.ErrorIs(t, err, ErrWidthMismatch)
}

func TestIncremental_PushRejectsWrongWidth(t *testing.T) {
	inc, err := NewIncremental(randomSequence(1, 5, 13), DefaultIncrementalOptions())
	require.NoError(t, err)

	_, err = inc.Push(make(mfcc.Frame, 12))
	assert.ErrorIs(t, err, ErrWidthMismatch)
	assert.Zero(t, inc.Frames())
	assert.False(t, inc.Ready())

	_, err = inc.Push(make(mfcc.Frame, 13))
	require.NoError(t, err)
	assert.True(t, inc.Ready())
}

func TestIncremental_SelfAlignmentScoresOne(t *testing.T) {
	master := randomSequence(3, 40, 13)
	inc, err := NewIncremental(master, DefaultIncrementalOptions())
	require.NoError(t, err)

	for i, f := range master {
		score, err := inc.Push(f)
		require.NoError(t, err)
		assert.Equal(t, 1.0, score, "frame %d", i)
	}

	st := inc.State()
	assert.Equal(t, 40, st.Frames)
	assert.Equal(t, 25, st.MinFrames)
	assert.True(t, st.Reliable)
	assert.Zero(t, st.Normalized)
}

func TestIncremental_FinalColumnMatchesBatch(t *testing.T) {
	master := randomSequence(5, 30, 13)
	user := randomSequence(6, 37, 13)

	inc, err := NewIncremental(master, DefaultIncrementalOptions())
	require.NoError(t, err)
	for _, f := range user {
		_, err := inc.Push(f)
		require.NoError(t, err)
	}

	batch, err := Compare(master, user, nil)
	require.NoError(t, err)

	end := inc.prev[len(master)-1]
	assert.Equal(t, batch.Cost, end.cost)
	assert.Equal(t, batch.PathLength, end.steps)
	// The open-end provisional value is never worse than the full alignment.
	assert.GreaterOrEqual(t, inc.Score(), batch.Score)
}

func TestIncremental_ReliabilityGate(t *testing.T) {
	master := randomSequence(9, 10, 4)
	opts := IncrementalOptions{MinFrames: 5, StableUpdates: 3, StableTolerance: 0.02}
	inc, err := NewIncremental(master, opts)
	require.NoError(t, err)

	// Identical frames give a constant score, so only MinFrames gates.
	for i := 0; i < 4; i++ {
		_, err := inc.Push(master[i])
		require.NoError(t, err)
		assert.False(t, inc.Reliable(), "frame %d is below MinFrames", i+1)
	}
	_, err = inc.Push(master[4])
	require.NoError(t, err)
	assert.True(t, inc.Reliable())
}

func TestIncremental_UnstableScoreIsUnreliable(t *testing.T) {
	master := mfcc.Sequence{{0}, {0}, {0}, {0}}
	opts := IncrementalOptions{MinFrames: 1, StableUpdates: 3, StableTolerance: 0.01}
	inc, err := NewIncremental(master, opts)
	require.NoError(t, err)

	for _, v := range []float32{0, 0, 40} {
		_, err := inc.Push(mfcc.Frame{v})
		require.NoError(t, err)
	}
	assert.False(t, inc.Reliable())
}

func TestIncremental_BandHoldsScore(t *testing.T) {
	master := randomSequence(13, 3, 4)
	inc, err := NewIncremental(master, IncrementalOptions{Window: 1, MinFrames: 1, StableUpdates: 1})
	require.NoError(t, err)

	var last float64
	for j := 0; j < 10; j++ {
		score, err := inc.Push(master[j%3])
		require.NoError(t, err)
		if j >= 4 {
			assert.Equal(t, last, score, "score is held once the band is exhausted")
		}
		last = score
	}
	assert.Equal(t, 10, inc.Frames())
}
