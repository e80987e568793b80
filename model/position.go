package model

import "math"

// Sector identifies one cell of the coarse spatial grid. Sector
// coordinates are exact integers so arbitrarily large worlds never lose
// precision to float rounding.
type Sector struct {
	X int64 `json:"X"`
	Y int64 `json:"Y"`
	Z int64 `json:"Z"`
}

// Add returns s translated by o.
func (s Sector) Add(o Sector) Sector {
	return Sector{X: s.X + o.X, Y: s.Y + o.Y, Z: s.Z + o.Z}
}

// VirtualPosition is a two-tier position: an integer sector plus a
// float local offset inside that sector. The pair reconstructs a full
// world position while keeping the float component small enough to stay
// precise far from the global origin.
//
// Local is kept within [-SectorSize/2, +SectorSize/2) per component by
// Normalize; AddDelta normalizes automatically.
type VirtualPosition struct {
	Sector     Sector  `json:"Sector"`
	Local      Vec3    `json:"Local"`
	SectorSize float64 `json:"SectorSize"` // metres per sector edge
}

// NewVirtualPosition returns a zero position on a grid with the given
// sector edge length in metres.
func NewVirtualPosition(sectorSizeM float64) VirtualPosition {
	return VirtualPosition{SectorSize: sectorSizeM}
}

// Combined reconstructs the full position as a single float64 vector.
// For positions many sectors from the origin this loses the precision
// the decomposition exists to protect; prefer Sub for relative math.
func (vp VirtualPosition) Combined() Vec3 {
	return Vec3{
		X: float64(vp.Sector.X)*vp.SectorSize + vp.Local.X,
		Y: float64(vp.Sector.Y)*vp.SectorSize + vp.Local.Y,
		Z: float64(vp.Sector.Z)*vp.SectorSize + vp.Local.Z,
	}
}

// AddDelta applies a movement delta in metres and renormalizes.
func (vp *VirtualPosition) AddDelta(d Vec3) {
	vp.Local = vp.Local.Add(d)
	vp.Normalize()
}

// Normalize folds whole sector multiples out of the local offset so
// every component lands in [-SectorSize/2, +SectorSize/2). The combined
// position is preserved; calling Normalize on an already-normalized
// position changes nothing.
func (vp *VirtualPosition) Normalize() {
	if vp.SectorSize <= 0 {
		return
	}
	vp.Sector.X, vp.Local.X = foldComponent(vp.Sector.X, vp.Local.X, vp.SectorSize)
	vp.Sector.Y, vp.Local.Y = foldComponent(vp.Sector.Y, vp.Local.Y, vp.SectorSize)
	vp.Sector.Z, vp.Local.Z = foldComponent(vp.Sector.Z, vp.Local.Z, vp.SectorSize)
}

// foldComponent moves whole sectors from the local offset into the
// sector index. Floor(x+0.5) rather than Round keeps the boundary
// stable: an offset of exactly +size/2 folds up, -size/2 stays, so a
// second fold is always a no-op.
func foldComponent(sector int64, local, size float64) (int64, float64) {
	n := math.Floor(local/size + 0.5)
	if n == 0 {
		return sector, local
	}
	return sector + int64(n), local - n*size
}

// Sub returns the relative vector from o to vp in metres, computed
// sector-wise first so that nearby positions subtract exactly even far
// from the global origin.
func (vp VirtualPosition) Sub(o VirtualPosition) Vec3 {
	return Vec3{
		X: float64(vp.Sector.X-o.Sector.X)*vp.SectorSize + vp.Local.X - o.Local.X,
		Y: float64(vp.Sector.Y-o.Sector.Y)*vp.SectorSize + vp.Local.Y - o.Local.Y,
		Z: float64(vp.Sector.Z-o.Sector.Z)*vp.SectorSize + vp.Local.Z - o.Local.Z,
	}
}
