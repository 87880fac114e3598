package spatial

import (
	"fmt"
	"sort"
)

// Coord is one voxel position on the integer grid. Coordinates must be
// non-negative.
type Coord struct {
	X, Y, Z int
}

// Graph holds, for each of N voxels, its face-adjacent (first-order)
// neighbours and its neighbours-of-neighbours (second-order). Indices are
// zero-based positions into the coordinate list the graph was built from.
//
// Second-order lists deliberately keep duplicates: a voxel reachable by two
// distinct 2-hop paths appears twice. The shrinkage stencils count each
// appearance, which is what makes them approximate the squared adjacency
// structure. Self-loops are excluded.
type Graph struct {
	Neighbours  [][]int
	Neighbours2 [][]int
}

// checkOrdered verifies the (z, y, x) ascending ordering invariant. The
// encoded signed delta must be strictly positive for every consecutive pair:
// +1 = +x, +10 = +y, +100 = +z, so e.g. -99 means -z+x which is mis-ordered.
func checkOrdered(coords []Coord) error {
	for v := 0; v+1 < len(coords); v++ {
		d := sign(coords[v+1].X-coords[v].X) +
			10*sign(coords[v+1].Y-coords[v].Y) +
			100*sign(coords[v+1].Z-coords[v].Z)
		if d <= 0 {
			return fmt.Errorf("%w: voxels %d and %d are mis-ordered (d=%d); coordinates must ascend in z, then y, then x",
				ErrConfig, v, v+1, d)
		}
	}
	return nil
}

func sign(x int) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

// NewGraph builds the adjacency graph for a sorted coordinate list,
// searching for neighbours in the first dims axes only (1, 2 or 3).
//
// Because the coordinates are sorted, their scalar grid offsets are strictly
// increasing, so each of the six axis-aligned probes is a binary search
// rather than a scan. Probes along non-final axes additionally check a
// modulo condition so that e.g. stepping +x off the end of a row does not
// land on the first voxel of the next row.
func NewGraph(coords []Coord, dims int) (*Graph, error) {
	n := len(coords)
	if n == 0 {
		return nil, fmt.Errorf("%w: no voxel coordinates supplied", ErrConfig)
	}
	if dims < 1 || dims > 3 {
		return nil, fmt.Errorf("%w: spatial dimensions must be 1, 2 or 3, got %d", ErrConfig, dims)
	}
	if err := checkOrdered(coords); err != nil {
		return nil, err
	}

	var xsize, ysize, zsize int
	for _, c := range coords {
		if c.X < 0 || c.Y < 0 || c.Z < 0 {
			return nil, fmt.Errorf("%w: negative coordinate (%d,%d,%d)", ErrConfig, c.X, c.Y, c.Z)
		}
		if c.X >= xsize {
			xsize = c.X + 1
		}
		if c.Y >= ysize {
			ysize = c.Y + 1
		}
		if c.Z >= zsize {
			zsize = c.Z + 1
		}
	}

	offsets := make([]int, n)
	for v, c := range coords {
		offsets[v] = c.Z*xsize*ysize + c.Y*xsize + c.X
	}

	// Unit offsets for the six face-adjacent probes, in probe order. Only
	// the first 2*dims are searched, but the full list is needed for the
	// wrap-around checks below.
	delta := [6]int{1, -1, xsize, -xsize, xsize * ysize, -(xsize * ysize)}
	maxProbe := dims * 2

	neighbours := make([][]int, n)
	for v := 0; v < n; v++ {
		pos := offsets[v]
		for p := 0; p < maxProbe; p++ {
			id := searchOffset(offsets, pos+delta[p])
			if id < 0 {
				continue
			}

			// Wrap-around guard for every axis except the last: a +x probe
			// from the end of a row would otherwise alias the start of the
			// next row, and likewise for +y at the end of a slice.
			if p <= 3 {
				ignore := false
				if delta[p] > 0 {
					test := delta[p+2]
					if test > 0 {
						ignore = pos%test >= test-delta[p]
					}
				} else {
					test := -delta[p+2]
					if test > 0 {
						ignore = pos%test < -delta[p]
					}
				}
				if ignore {
					continue
				}
			}

			neighbours[v] = append(neighbours[v], id)
		}
	}

	// Second-order pass. Walking each neighbour's neighbour list must find
	// the origin exactly once; anything else means first-order adjacency is
	// asymmetric, which is a boundary-index bug, never user input.
	neighbours2 := make([][]int, n)
	for v := 0; v < n; v++ {
		for _, n1 := range neighbours[v] {
			backRefs := 0
			for _, n2 := range neighbours[n1] {
				if n2 != v {
					neighbours2[v] = append(neighbours2[v], n2)
				} else {
					backRefs++
				}
			}
			if backRefs != 1 {
				panic(fmt.Sprintf("spatial: adjacency not symmetric: voxel %d lists neighbour %d, which refers back %d times",
					v, n1, backRefs))
			}
		}
	}

	return &Graph{Neighbours: neighbours, Neighbours2: neighbours2}, nil
}

// searchOffset finds the index of target in the ascending offsets slice,
// or -1 if absent.
func searchOffset(offsets []int, target int) int {
	i := sort.SearchInts(offsets, target)
	if i < len(offsets) && offsets[i] == target {
		return i
	}
	return -1
}

// N returns the number of voxels in the graph.
func (g *Graph) N() int { return len(g.Neighbours) }
