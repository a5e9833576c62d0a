// Package crawl walks a partitioned search space cell by cell, recording a
// checkpoint per finished cell so an interrupted run resumes where it left
// off instead of starting over.
package crawl

import (
	"fmt"
	"math"
)

// Cell is one partition of a geographic grid, identified by its south-west
// corner.
type Cell struct {
	Lat float64
	Lon float64
}

// Key is the cell's checkpoint coordinate. Four decimals (~11m) is enough to
// round-trip the grid arithmetic without collisions.
func (c Cell) Key() string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lon)
}

// Grid describes a rectangular region split into equal-spaced cells.
type Grid struct {
	LatMin, LatMax float64
	LonMin, LonMax float64
	// Spacing is the cell edge length in degrees.
	Spacing float64
}

// Cells enumerates the grid row by row, south to north, west to east. The
// same bounds and spacing always produce the same cells in the same order,
// which is what makes checkpoint keys stable across runs.
func (g Grid) Cells() []Cell {
	if g.Spacing <= 0 || g.LatMax <= g.LatMin || g.LonMax <= g.LonMin {
		return nil
	}
	rows := int(math.Ceil((g.LatMax - g.LatMin) / g.Spacing))
	cols := int(math.Ceil((g.LonMax - g.LonMin) / g.Spacing))

	cells := make([]Cell, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			cells = append(cells, Cell{
				Lat: g.LatMin + float64(i)*g.Spacing,
				Lon: g.LonMin + float64(j)*g.Spacing,
			})
		}
	}
	return cells
}
