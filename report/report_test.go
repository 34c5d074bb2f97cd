package report_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitlos/losctl/los"
	"github.com/transitlos/losctl/metrics"
	"github.com/transitlos/losctl/report"
)

func TestWriteScores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scores.csv")
	scores := []los.Score{
		{LinkID: "l1", LOS: 3.2, Grade: los.GradeC},
		{LinkID: "l2", LineID: "L1", LOS: 1.9, Grade: los.GradeA},
	}

	require.NoError(t, report.WriteScores(path, scores))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "link_id")
	assert.Contains(t, string(data), "l1")
	assert.Contains(t, string(data), "L1")
}

func TestWriteLinkMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filtered.csv")
	rows := []metrics.LinkMetrics{
		{LinkID: "l1", Length: 500, BusFrequency: 6},
	}

	require.NoError(t, report.WriteLinkMetrics(path, rows))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "bus_frequency")
}
