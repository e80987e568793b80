package core

import "math"

const (
	// KeplerTolerance is the convergence criterion on |ΔE| in radians.
	KeplerTolerance = 1e-6
	// KeplerMaxIterations caps the Newton-Raphson loop. Orbits in the
	// supported eccentricity range converge in a handful of steps;
	// hitting the cap is reported rather than looped on.
	KeplerMaxIterations = 30
)

// SolveKepler solves Kepler's equation M = E - e·sin(E) for the
// eccentric anomaly E using Newton-Raphson iteration.
//
// meanAnomaly is radians, eccentricity must be in [0, 1). The second
// return value reports convergence: when the iteration cap is reached
// the best estimate is returned with converged=false, and callers are
// expected to log, keep the previous state and carry on rather than
// abort the tick.
func SolveKepler(eccentricity, meanAnomaly float64) (float64, bool) {
	if eccentricity < 0 || eccentricity >= 1 || math.IsNaN(meanAnomaly) {
		return meanAnomaly, false
	}

	m := normalizeRadians(meanAnomaly)

	// E₀ = M is a good starter for near-circular orbits; highly
	// eccentric ones are better served starting at π, which keeps the
	// derivative away from zero near periapsis.
	e := m
	if eccentricity >= 0.8 {
		e = math.Pi
	}

	for i := 0; i < KeplerMaxIterations; i++ {
		f := e - eccentricity*math.Sin(e) - m
		fPrime := 1 - eccentricity*math.Cos(e)
		delta := f / fPrime
		e -= delta
		if math.Abs(delta) < KeplerTolerance {
			return e, true
		}
	}
	return e, false
}

// TrueAnomalyFromEccentric converts an eccentric anomaly to the true
// anomaly for an orbit of the given eccentricity. The half-angle form
// is stable across the full anomaly range.
func TrueAnomalyFromEccentric(eccentricity, eccentricAnomaly float64) float64 {
	sinHalf := math.Sqrt(1+eccentricity) * math.Sin(eccentricAnomaly/2)
	cosHalf := math.Sqrt(1-eccentricity) * math.Cos(eccentricAnomaly/2)
	return normalizeRadians(2 * math.Atan2(sinHalf, cosHalf))
}

// OrbitalRadius returns the distance from the focus for the given
// semi-major axis, eccentricity and eccentric anomaly.
func OrbitalRadius(semiMajorAxisM, eccentricity, eccentricAnomaly float64) float64 {
	return semiMajorAxisM * (1 - eccentricity*math.Cos(eccentricAnomaly))
}

// normalizeRadians wraps an angle into [0, 2π).
func normalizeRadians(rad float64) float64 {
	rad = math.Mod(rad, 2*math.Pi)
	if rad < 0 {
		rad += 2 * math.Pi
	}
	return rad
}
