package model

import "time"

// GravitySample is the summed gravitational acceleration at a point,
// plus attribution of where most of it came from.
type GravitySample struct {
	// Acceleration in m/s² in the world frame.
	Acceleration Vec3 `json:"Acceleration"`
	// DominantBodyID is the single strongest contributor, empty when no
	// body was in range.
	DominantBodyID string `json:"DominantBodyID,omitempty"`
	// Contributions counts the bodies that entered the sum.
	Contributions int `json:"Contributions"`
}

// RecenterEvent records one origin shift. Offset is the translation
// that was applied to every world-frame position; subscribers that keep
// positions of their own must apply the same offset.
type RecenterEvent struct {
	Offset   Vec3      `json:"Offset"`
	Sequence uint64    `json:"Sequence"`
	SimTime  time.Time `json:"SimTime"`
}

// Actor is a movable entity (ship, probe, camera rig) tracked by the
// origin manager so recentering translates it together with the bodies.
type Actor struct {
	ID       string `json:"ID"`
	Position Vec3   `json:"Position"`
	Velocity Vec3   `json:"Velocity"`
}
