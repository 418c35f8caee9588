package preprocessing

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func correlatedRows(n int, rng *rand.Rand) []float64 {
	data := make([]float64, 0, n*3)
	for i := 0; i < n; i++ {
		a, b, c := rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()
		data = append(data, 2+3*a, a+0.5*b, -1+a-b+0.2*c)
	}
	return data
}

func column(data []float64, dim, j int) []float64 {
	out := make([]float64, len(data)/dim)
	for i := range out {
		out[i] = data[i*dim+j]
	}
	return out
}

func TestZCAWhitens(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	data := correlatedRows(500, rng)

	z, err := FitZCA(data, 3, 1e-9)
	require.NoError(t, err)
	assert.Equal(t, 3, z.Dim())

	white := append([]float64(nil), data...)
	require.NoError(t, z.Apply(white))

	for i := 0; i < 3; i++ {
		xi := column(white, 3, i)
		assert.InDelta(t, 0, stat.Mean(xi, nil), 1e-9)
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			assert.InDelta(t, want, stat.Covariance(xi, column(white, 3, j), nil), 1e-6, "cov(%d,%d)", i, j)
		}
	}
}

func TestZCAInvertRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	data := correlatedRows(200, rng)

	for _, eps := range []float64{1e-9, DefaultZCAEpsilon} {
		z, err := FitZCA(data, 3, eps)
		require.NoError(t, err)

		x := append([]float64(nil), data...)
		require.NoError(t, z.Apply(x))
		require.NoError(t, z.Invert(x))
		assert.InDeltaSlice(t, data, x, 1e-8, "eps=%g", eps)
	}

	z, err := FitZCA(data, 3, DefaultZCAEpsilon)
	require.NoError(t, err)
	assert.Error(t, z.Invert(make([]float64, 4)))
	assert.NoError(t, z.Invert(nil))
}

func TestZCAEpsilonShrinks(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	data := correlatedRows(300, rng)

	z, err := FitZCA(data, 3, DefaultZCAEpsilon)
	require.NoError(t, err)
	white := append([]float64(nil), data...)
	require.NoError(t, z.Apply(white))

	// eigenvalue s maps to variance s/(s+eps) < 1
	for j := 0; j < 3; j++ {
		v := stat.Variance(column(white, 3, j), nil)
		assert.Less(t, v, 1.0)
		assert.Greater(t, v, 0.0)
	}
}

func TestZCAErrors(t *testing.T) {
	_, err := FitZCA([]float64{1, 2, 3}, 2, DefaultZCAEpsilon)
	assert.Error(t, err, "ragged rows")

	_, err = FitZCA([]float64{1, 2}, 2, DefaultZCAEpsilon)
	assert.Error(t, err, "single sample")

	z, err := FitZCA([]float64{1, 2, 3, 5}, 2, DefaultZCAEpsilon)
	require.NoError(t, err)
	assert.Error(t, z.Apply([]float64{1, 2, 3}))
	assert.NoError(t, z.Apply(nil))
}
