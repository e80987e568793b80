package model

import (
	"math"
	"time"
)

// MotionSource indicates how a body's position evolves over simulation time.
type MotionSource int

const (
	MotionSourceStatic    MotionSource = iota // fixed catalog position
	MotionSourceKeplerian                     // two-body propagation from orbital elements
	MotionSourceTLE                           // SGP4 propagation from TLE lines
)

// BodyClass is a coarse, human-readable classification of a celestial
// body, used for catalog bookkeeping and display filtering.
type BodyClass string

const (
	BodyClassStar     BodyClass = "star"
	BodyClassPlanet   BodyClass = "planet"
	BodyClassMoon     BodyClass = "moon"
	BodyClassAsteroid BodyClass = "asteroid"
	BodyClassStation  BodyClass = "station"
)

// OrbitElements describes a two-body orbit around a parent body. Angles
// are radians, the semi-major axis is metres.
type OrbitElements struct {
	ParentID              string    `json:"ParentID"`
	SemiMajorAxisM        float64   `json:"SemiMajorAxisM"`
	Eccentricity          float64   `json:"Eccentricity"`
	InclinationRad        float64   `json:"InclinationRad"`
	AscendingNodeRad      float64   `json:"AscendingNodeRad"`
	ArgPeriapsisRad       float64   `json:"ArgPeriapsisRad"`
	MeanAnomalyAtEpochRad float64   `json:"MeanAnomalyAtEpochRad"`
	Epoch                 time.Time `json:"Epoch"`
	PeriodSec             float64   `json:"PeriodSec"`
}

// MeanAnomalyAt returns the mean anomaly at simulation time t, wrapped
// into [0, 2π). A zero or negative period pins the body at its epoch
// anomaly.
func (oe *OrbitElements) MeanAnomalyAt(t time.Time) float64 {
	m := oe.MeanAnomalyAtEpochRad
	if oe.PeriodSec > 0 {
		dt := t.Sub(oe.Epoch).Seconds()
		m += 2 * math.Pi * dt / oe.PeriodSec
	}
	m = math.Mod(m, 2*math.Pi)
	if m < 0 {
		m += 2 * math.Pi
	}
	return m
}

// CelestialBody represents one massive object known to the registry.
// Position is in the current world frame (metres) and is rewritten by
// motion propagation and origin recentering.
type CelestialBody struct {
	ID    string    `json:"ID"`
	Name  string    `json:"Name"`
	Class BodyClass `json:"Class"`

	MassKg   float64 `json:"MassKg"`
	RadiusKm float64 `json:"RadiusKm"`

	Position Vec3 `json:"Position"`

	// Visual scale state maintained by the scaling pass. CurrentScale
	// chases TargetScale at a bounded rate so distant giants shrink
	// smoothly instead of popping.
	CurrentScale float64 `json:"CurrentScale"`
	TargetScale  float64 `json:"TargetScale"`

	MotionSource MotionSource   `json:"MotionSource"`
	Orbit        *OrbitElements `json:"Orbit,omitempty"`

	// TLE lines, used when MotionSource is MotionSourceTLE.
	TLELine1 string `json:"TLELine1,omitempty"`
	TLELine2 string `json:"TLELine2,omitempty"`
}

// Clone returns a deep copy. Registry accessors hand out clones so
// callers can never mutate store state through a stale reference.
func (b *CelestialBody) Clone() *CelestialBody {
	if b == nil {
		return nil
	}
	out := *b
	if b.Orbit != nil {
		orbit := *b.Orbit
		out.Orbit = &orbit
	}
	return &out
}
