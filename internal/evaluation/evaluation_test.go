package evaluation

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateTopKAndGroups(t *testing.T) {
	labels := []int{0, 1, 2, 3}
	topk := [][]int{
		{0, 1},
		{0, 1},
		{2, 3},
		{1, 2},
	}
	m := Evaluate(topk, labels, 2, []int{0, 2, 4})
	assert.Equal(t, 50.0, m.Top1)
	assert.Equal(t, 75.0, m.TopK)
	assert.Equal(t, 2, m.K)

	names := make([]string, len(m.Grouped))
	for i, g := range m.Grouped {
		names[i] = g.Name
	}
	assert.Equal(t, []string{"total", "00-01", "02-03", "old", "new"}, names)
	assert.Equal(t, []float64{50, 50}, m.Blocks())
	old, _ := m.Get("old")
	assert.Equal(t, 50.0, old)
}

func TestEvaluateSkipsBlocksBeyondLabels(t *testing.T) {
	m := Evaluate([][]int{{0}, {1}}, []int{0, 1}, 0, []int{0, 2, 4, 6})
	assert.Len(t, m.Blocks(), 1)
	assert.Equal(t, 100.0, m.Top1)
}

func TestEvaluateRoundsToTwoDecimals(t *testing.T) {
	m := Evaluate([][]int{{0}, {0}, {1}}, []int{0, 1, 1}, 0, []int{0, 2})
	assert.Equal(t, 66.67, m.Top1)
}

func metricsWith(top1 float64, blocks ...float64) Metrics {
	m := Metrics{Top1: top1, Grouped: []Group{{Name: "total", Accuracy: top1}}}
	for i, b := range blocks {
		m.Grouped = append(m.Grouped, Group{Name: BlockName(i*5, i*5+5), Accuracy: b})
	}
	m.Grouped = append(m.Grouped, Group{Name: "old"}, Group{Name: "new"})
	return m
}

func TestMatrixIsLowerTriangular(t *testing.T) {
	a := NewAggregator("cnn", 3, zerolog.Nop())
	a.Record(0, metricsWith(90, 90))
	m := a.Matrix()
	r, c := m.Dims()
	require.Equal(t, 3, r)
	require.Equal(t, 3, c)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if i >= 1 || j > i {
				assert.Zero(t, m.At(i, j), "entry %d,%d", i, j)
			}
		}
	}
	assert.Equal(t, 90.0, m.At(0, 0))

	a.Record(1, metricsWith(70, 60, 80))
	a.Record(2, metricsWith(60, 50, 70, 85))
	m = a.Matrix()
	for i := 0; i < 3; i++ {
		for j := i + 1; j < 3; j++ {
			assert.Zero(t, m.At(i, j))
		}
	}
	assert.Equal(t, 70.0, a.AccTable().At(1, 2))
}

func TestCurves(t *testing.T) {
	a := NewAggregator("cnn", 3, zerolog.Nop())
	a.Record(0, metricsWith(90, 90))
	a.Record(1, metricsWith(70, 60, 80))
	a.Record(2, metricsWith(60, 50, 70, 85))

	assert.Equal(t, []float64{90, 80, 85}, a.NewTaskCurve())
	assert.InDelta(t, 85.0, a.AAN(), 1e-9)
	assert.InDelta(t, (90.0+70+60)/3, a.AverageAccuracy(), 1e-9)

	curve := a.ForgettingCurve()
	require.Len(t, curve, 2)
	assert.InDelta(t, 30.0, curve[0], 1e-9)
	assert.InDelta(t, ((90.0-50)+(80-70))/2, curve[1], 1e-9)
	assert.InDelta(t, curve[1], a.Forgetting(), 1e-9)
}

func TestEmptyAggregatorReturnsZeros(t *testing.T) {
	a := NewAggregator("nme", 2, zerolog.Nop())
	assert.Zero(t, a.AverageAccuracy())
	assert.Zero(t, a.AAN())
	assert.Empty(t, a.ForgettingCurve())
	assert.Zero(t, a.Forgetting())
	s := a.Summary()
	assert.Len(t, s.Matrix, 1)
}

func TestRecordedMatrixStopsAtLastTask(t *testing.T) {
	a := NewAggregator("cnn", 4, zerolog.Nop())
	a.Record(0, metricsWith(90, 90))
	a.Record(1, metricsWith(70, 60, 80))

	r, c := a.Matrix().Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 4, c)

	m := a.RecordedMatrix()
	r, c = m.Dims()
	require.Equal(t, 2, r)
	require.Equal(t, 2, c)
	assert.Equal(t, 60.0, m.At(1, 0))
	assert.Zero(t, m.At(0, 1))
	assert.Equal(t, [][]float64{{90, 0}, {60, 80}}, a.Summary().Matrix)
}

func TestConfusionCounts(t *testing.T) {
	c := NewConfusion([]int{0, 1, 3, 2}, []int{0, 0, 3, 3}, 4, []int{0, 2, 4})
	assert.Equal(t, 1, c.Class[0][0])
	assert.Equal(t, 1, c.Class[0][1])
	assert.Equal(t, 1, c.Class[3][2])
	assert.Equal(t, 2, c.Task[0][0])
	assert.Equal(t, 2, c.Task[1][1])
}

func TestRenderMatrix(t *testing.T) {
	a := NewAggregator("cnn", 2, zerolog.Nop())
	a.Record(0, metricsWith(90, 90))
	var buf bytes.Buffer
	RenderMatrix(&buf, "cnn", a.Matrix())
	assert.Contains(t, buf.String(), "90.00")
	assert.Contains(t, buf.String(), "after T0")
}
