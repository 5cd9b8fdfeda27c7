package evaluation

import (
	"fmt"
	"math"
)

// Group - accuracy of one named class range
type Group struct {
	Name     string  `json:"name"`
	Accuracy float64 `json:"accuracy"`
}

// Metrics is the outcome of evaluating one network after one task.
type Metrics struct {
	Top1    float64 `json:"top1"`
	TopK    float64 `json:"topk"`
	K       int     `json:"k"`
	Grouped []Group `json:"grouped"`
}

// Get returns the accuracy of a named group.
func (m Metrics) Get(name string) (float64, bool) {
	for _, g := range m.Grouped {
		if g.Name == name {
			return g.Accuracy, true
		}
	}
	return 0, false
}

// Blocks returns the per-task-block accuracies in task order, skipping total/old/new.
func (m Metrics) Blocks() []float64 {
	var out []float64
	for _, g := range m.Grouped {
		switch g.Name {
		case "total", "old", "new":
			continue
		}
		out = append(out, g.Accuracy)
	}
	return out
}

func percent(hit, n int) float64 {
	if n == 0 {
		return 0
	}
	return math.Round(float64(hit)*10000/float64(n)) / 100
}

// BlockName formats a class range [from, to) as "from-(to-1)" with two-digit padding.
func BlockName(from, to int) string { return fmt.Sprintf("%02d-%02d", from, to-1) }

// Evaluate scores ranked predictions. topk[i] lists predicted classes for sample i, best first.
// known is the number of classes learned before the current task; bounds are the cumulative
// task boundaries [0, b1, b2, ...] used for grouping.
func Evaluate(topk [][]int, labels []int, known int, bounds []int) Metrics {
	m := Metrics{}
	if len(labels) == 0 {
		return m
	}
	if len(topk) > 0 {
		m.K = len(topk[0])
	}

	hit1, hitK, maxLabel := 0, 0, 0
	for i, y := range labels {
		maxLabel = max(maxLabel, y)
		for rank, p := range topk[i] {
			if p == y {
				hitK++
				if rank == 0 {
					hit1++
				}
				break
			}
		}
	}
	m.Top1 = percent(hit1, len(labels))
	m.TopK = percent(hitK, len(labels))

	m.Grouped = append(m.Grouped, Group{Name: "total", Accuracy: m.Top1})
	for b := 0; b+1 < len(bounds) && bounds[b] <= maxLabel; b++ {
		m.Grouped = append(m.Grouped, Group{
			Name:     BlockName(bounds[b], bounds[b+1]),
			Accuracy: rangeAccuracy(topk, labels, bounds[b], bounds[b+1]),
		})
	}
	m.Grouped = append(m.Grouped,
		Group{Name: "old", Accuracy: rangeAccuracy(topk, labels, 0, known)},
		Group{Name: "new", Accuracy: rangeAccuracy(topk, labels, known, math.MaxInt)},
	)
	return m
}

func rangeAccuracy(topk [][]int, labels []int, from, to int) float64 {
	hit, n := 0, 0
	for i, y := range labels {
		if y < from || y >= to {
			continue
		}
		n++
		if len(topk[i]) > 0 && topk[i][0] == y {
			hit++
		}
	}
	return percent(hit, n)
}
