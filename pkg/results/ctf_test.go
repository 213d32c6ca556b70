package results

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopeflow/scopeflow/pkg/models"
)

const ctfStar = `data_micrographs

loop_
_rlnMicrographName #1
_rlnDefocusU #2
_rlnDefocusV #3
_rlnCtfMaxResolution #4
mic_0001.mrc 12000.0 11800.0 3.2
mic_0002.mrc 18000.0 17500.0 5.1
mic_0003.mrc 42000.0 41000.0 3.8
mic_0004.mrc 9000.0 8800.0 8.9
`

func TestFilterCtf(t *testing.T) {
	path := writeStar(t, ctfStar)

	tests := []struct {
		name    string
		q       models.QualityThresholds
		passing int64
	}{
		{"no thresholds pass everything", models.QualityThresholds{}, 4},
		{"resolution cutoff", models.QualityThresholds{MaxCtfResolution: 4.0}, 2},
		{"defocus window", models.QualityThresholds{MinDefocus: 10000, MaxDefocus: 30000}, 2},
		{
			"combined",
			models.QualityThresholds{MaxCtfResolution: 6.0, MinDefocus: 10000, MaxDefocus: 30000},
			2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			total, passing, err := FilterCtf(path, tt.q)
			require.NoError(t, err)
			assert.Equal(t, int64(4), total)
			assert.Equal(t, tt.passing, passing)
		})
	}
}

func TestFilterCtf_MissingFile(t *testing.T) {
	total, passing, err := FilterCtf("/nonexistent/micrographs_ctf.star", models.QualityThresholds{MaxCtfResolution: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
	assert.Equal(t, int64(0), passing)
}

func TestFilterCtf_MissingColumnsPass(t *testing.T) {
	path := writeStar(t, `data_micrographs
loop_
_rlnMicrographName #1
mic_0001.mrc
mic_0002.mrc
`)
	total, passing, err := FilterCtf(path, models.QualityThresholds{MaxCtfResolution: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, int64(2), passing, "rows without the column are not rejected")
}
