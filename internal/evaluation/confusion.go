package evaluation

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gonum.org/v1/gonum/mat"
)

// Confusion holds class-level and task-level prediction counts (row = truth, column = prediction).
type Confusion struct {
	Class [][]int `json:"class"`
	Task  [][]int `json:"task"`
}

// NewConfusion counts top-1 predictions. bounds are cumulative task boundaries [0, b1, ...].
// Predictions or labels outside [0, totalClasses) are ignored.
func NewConfusion(preds, labels []int, totalClasses int, bounds []int) Confusion {
	nbTasks := max(len(bounds)-1, 0)
	c := Confusion{Class: square(totalClasses), Task: square(nbTasks)}
	taskOf := make([]int, totalClasses)
	for t := 0; t < nbTasks; t++ {
		for k := bounds[t]; k < bounds[t+1] && k < totalClasses; k++ {
			taskOf[k] = t
		}
	}
	for i, y := range labels {
		p := preds[i]
		if y < 0 || y >= totalClasses || p < 0 || p >= totalClasses {
			continue
		}
		c.Class[y][p]++
		if nbTasks > 0 {
			c.Task[taskOf[y]][taskOf[p]]++
		}
	}
	return c
}

func square(n int) [][]int {
	out := make([][]int, n)
	for i := range out {
		out[i] = make([]int, n)
	}
	return out
}

// RenderMatrix prints an accuracy matrix as a table: one row per training step, one column per
// task block.
func RenderMatrix(w io.Writer, title string, m mat.Matrix) {
	r, c := m.Dims()
	table := tablewriter.NewWriter(w)
	header := []string{title}
	for j := 0; j < c; j++ {
		header = append(header, fmt.Sprintf("T%d", j))
	}
	table.SetHeader(header)
	for i := 0; i < r; i++ {
		row := []string{"after T" + strconv.Itoa(i)}
		for j := 0; j < c; j++ {
			row = append(row, strconv.FormatFloat(m.At(i, j), 'f', 2, 64))
		}
		table.Append(row)
	}
	table.Render()
}
