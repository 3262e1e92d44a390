// Package reshape maps n-dimensional volumes to ordered sequences of 2D
// tiles and back. The mapping is a bijection: every voxel lands in exactly
// one tile pixel, so composition is fully reversible given the same plan.
package reshape

import (
	"errors"
	"fmt"

	"deeprad/internal/models"
)

// ErrShapeMismatch reports a volume whose axis extents do not match the
// shape a tile plan expects. There is no implicit padding or cropping.
var ErrShapeMismatch = errors.New("volume shape does not match tile plan")

// Plan describes how a volume's axes are partitioned into a grid of 2D
// tiles. The first two grid axes partition the in-plane voxel axes into
// TileWidth x TileHeight blocks; every remaining grid axis equals the extent
// of the corresponding volume axis, laying out channels and depth slabs as
// additional tiles. The flattening order is fixed to the voxel storage
// order (first axis fastest), so the X and Y volumes of one subject always
// produce positionally aligned tile sequences.
type Plan struct {
	TileWidth  int
	TileHeight int
	Grid       []int
}

// NewPlan builds the plan for a volume shape with the given in-plane grid.
// gridX and gridY split the first two axes; all further axes are flattened
// one tile per index.
func NewPlan(dims []int, gridX, gridY int) (Plan, error) {
	if len(dims) < 2 {
		return Plan{}, fmt.Errorf("tile plan needs at least 2 axes, volume has %d", len(dims))
	}
	if gridX < 1 || gridY < 1 {
		return Plan{}, fmt.Errorf("grid %dx%d is not positive", gridX, gridY)
	}
	if dims[0]%gridX != 0 || dims[1]%gridY != 0 {
		return Plan{}, fmt.Errorf("in-plane shape %dx%d not divisible by grid %dx%d",
			dims[0], dims[1], gridX, gridY)
	}
	grid := make([]int, len(dims))
	grid[0] = gridX
	grid[1] = gridY
	copy(grid[2:], dims[2:])
	return Plan{
		TileWidth:  dims[0] / gridX,
		TileHeight: dims[1] / gridY,
		Grid:       grid,
	}, nil
}

// Dims returns the volume shape the plan expects.
func (p Plan) Dims() []int {
	dims := make([]int, len(p.Grid))
	dims[0] = p.Grid[0] * p.TileWidth
	dims[1] = p.Grid[1] * p.TileHeight
	copy(dims[2:], p.Grid[2:])
	return dims
}

// NumTiles returns the length of the tile sequence the plan produces.
func (p Plan) NumTiles() int {
	n := 1
	for _, g := range p.Grid {
		n *= g
	}
	return n
}

// matches reports whether a volume shape equals the plan's expected shape.
func (p Plan) matches(dims []int) bool {
	want := p.Dims()
	if len(dims) != len(want) {
		return false
	}
	for i := range want {
		if dims[i] != want[i] {
			return false
		}
	}
	return true
}

// ToTiles decomposes a volume into the plan's ordered tile sequence. Tile t
// holds the voxels of grid cell t, where grid coordinates flatten in storage
// order (first grid axis fastest). Pixel values pass through bit-for-bit.
func ToTiles(vol *models.Volume, plan Plan) ([]models.Tile, error) {
	if !plan.matches(vol.Dims) {
		return nil, fmt.Errorf("%w: expected %v, got %v", ErrShapeMismatch, plan.Dims(), vol.Dims)
	}

	tiles := make([]models.Tile, plan.NumTiles())
	for t := range tiles {
		tiles[t] = models.NewTile(plan.TileWidth, plan.TileHeight)
	}

	forEachVoxel(vol.Dims, func(idx int, coord []int) {
		t, px, py := plan.locate(coord)
		tiles[t].Pix[px+plan.TileWidth*py] = vol.Data[idx]
	})
	return tiles, nil
}

// FromTiles recomposes a volume from a tile sequence produced under the same
// plan. It is the exact inverse of ToTiles.
func FromTiles(tiles []models.Tile, plan Plan) (*models.Volume, error) {
	if len(tiles) != plan.NumTiles() {
		return nil, fmt.Errorf("%w: plan yields %d tiles, got %d", ErrShapeMismatch, plan.NumTiles(), len(tiles))
	}
	for i, tile := range tiles {
		if tile.Width != plan.TileWidth || tile.Height != plan.TileHeight {
			return nil, fmt.Errorf("%w: tile %d is %dx%d, plan expects %dx%d",
				ErrShapeMismatch, i, tile.Width, tile.Height, plan.TileWidth, plan.TileHeight)
		}
	}

	dims := plan.Dims()
	vol := &models.Volume{
		Data: make([]float64, product(dims)),
		Dims: dims,
	}
	forEachVoxel(dims, func(idx int, coord []int) {
		t, px, py := plan.locate(coord)
		vol.Data[idx] = tiles[t].Pix[px+plan.TileWidth*py]
	})
	return vol, nil
}

// locate maps a voxel coordinate to its tile sequence index and in-tile
// pixel position.
func (p Plan) locate(coord []int) (tile, px, py int) {
	px = coord[0] % p.TileWidth
	py = coord[1] % p.TileHeight

	stride := 1
	for axis, c := range coord {
		g := c
		switch axis {
		case 0:
			g = c / p.TileWidth
		case 1:
			g = c / p.TileHeight
		}
		tile += g * stride
		stride *= p.Grid[axis]
	}
	return tile, px, py
}

// forEachVoxel visits every coordinate of a shape in storage order, passing
// the flat index alongside.
func forEachVoxel(dims []int, fn func(idx int, coord []int)) {
	coord := make([]int, len(dims))
	n := product(dims)
	for idx := 0; idx < n; idx++ {
		fn(idx, coord)
		for axis := 0; axis < len(dims); axis++ {
			coord[axis]++
			if coord[axis] < dims[axis] {
				break
			}
			coord[axis] = 0
		}
	}
}

func product(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}
