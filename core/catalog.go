// core/catalog.go
package core

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/parsecworks/orbit-engine/model"
	"github.com/parsecworks/orbit-engine/registry"
)

// J2000 is the default orbital epoch for catalog entries that omit one.
var J2000 = time.Date(2000, time.January, 1, 12, 0, 0, 0, time.UTC)

// BodyCatalog summarises what a catalog load registered. It's mainly
// useful for logging from main().
type BodyCatalog struct {
	BodyIDs []string
	Roots   int
	Orbits  int
	TLEs    int
}

// internal JSON shapes – unexported so we're free to evolve them.
type bodyCatalogJSON struct {
	Bodies []bodyJSON `json:"bodies"`
}

type bodyJSON struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Class    string   `json:"class"` // "star" | "planet" | "moon" | "asteroid" | "station"
	MassKg   float64  `json:"mass_kg"`
	RadiusKm float64  `json:"radius_km"`
	Position *vecJSON `json:"position"` // world position for root/static bodies

	Orbit *orbitJSON `json:"orbit"`
	TLE   *tleJSON   `json:"tle"`
}

type vecJSON struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Angles arrive in degrees because that's how published elements are
// quoted; they convert to radians on load.
type orbitJSON struct {
	ParentID              string  `json:"parent_id"`
	SemiMajorAxisM        float64 `json:"semi_major_axis_m"`
	Eccentricity          float64 `json:"eccentricity"`
	InclinationDeg        float64 `json:"inclination_deg"`
	AscendingNodeDeg      float64 `json:"ascending_node_deg"`
	ArgPeriapsisDeg       float64 `json:"arg_periapsis_deg"`
	MeanAnomalyAtEpochDeg float64 `json:"mean_anomaly_deg"`
	Epoch                 string  `json:"epoch"`      // RFC3339; defaults to J2000
	PeriodSec             float64 `json:"period_sec"` // derived from parent mass when omitted
}

type tleJSON struct {
	Line1 string `json:"line1"`
	Line2 string `json:"line2"`
}

// LoadBodyCatalog reads a JSON body catalog from r and registers every
// entry. Structural problems (bad JSON, empty IDs, bad epochs) and
// registry rejections (duplicates, non-positive mass) abort the load
// with the offending entry named in the error.
func LoadBodyCatalog(reg *registry.Registry, r io.Reader) (*BodyCatalog, error) {
	if reg == nil {
		return nil, fmt.Errorf("LoadBodyCatalog: registry is nil")
	}

	var payload bodyCatalogJSON
	dec := json.NewDecoder(r)
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("LoadBodyCatalog: decode failed: %w", err)
	}

	// Masses by ID for period derivation; a parent may also already be
	// registered from an earlier load.
	massByID := make(map[string]float64, len(payload.Bodies))
	for _, jb := range payload.Bodies {
		massByID[jb.ID] = jb.MassKg
	}

	result := &BodyCatalog{
		BodyIDs: make([]string, 0, len(payload.Bodies)),
	}

	for _, jb := range payload.Bodies {
		if jb.ID == "" {
			return nil, fmt.Errorf("LoadBodyCatalog: body with empty id")
		}

		b := &model.CelestialBody{
			ID:       jb.ID,
			Name:     jb.Name,
			Class:    classFromString(jb.Class),
			MassKg:   jb.MassKg,
			RadiusKm: jb.RadiusKm,
		}
		if jb.Position != nil {
			b.Position = model.Vec3{X: jb.Position.X, Y: jb.Position.Y, Z: jb.Position.Z}
		}

		switch {
		case jb.TLE != nil:
			if jb.TLE.Line1 == "" || jb.TLE.Line2 == "" {
				return nil, fmt.Errorf("LoadBodyCatalog: body %q has incomplete TLE", jb.ID)
			}
			b.MotionSource = model.MotionSourceTLE
			b.TLELine1 = jb.TLE.Line1
			b.TLELine2 = jb.TLE.Line2
			if jb.Orbit != nil {
				// Keep the elements for SOI queries even though SGP4
				// drives the position.
				oe, err := orbitFromJSON(reg, massByID, jb)
				if err != nil {
					return nil, err
				}
				b.Orbit = oe
			}
			result.TLEs++
		case jb.Orbit != nil:
			oe, err := orbitFromJSON(reg, massByID, jb)
			if err != nil {
				return nil, err
			}
			b.MotionSource = model.MotionSourceKeplerian
			b.Orbit = oe
			result.Orbits++
		default:
			b.MotionSource = model.MotionSourceStatic
			result.Roots++
		}

		if err := reg.Register(b); err != nil {
			return nil, fmt.Errorf("LoadBodyCatalog: body %q: %w", jb.ID, err)
		}
		result.BodyIDs = append(result.BodyIDs, jb.ID)
	}

	return result, nil
}

func orbitFromJSON(reg *registry.Registry, massByID map[string]float64, jb bodyJSON) (*model.OrbitElements, error) {
	jo := jb.Orbit
	if jo.ParentID == "" {
		return nil, fmt.Errorf("LoadBodyCatalog: body %q orbit has empty parent_id", jb.ID)
	}
	if jo.SemiMajorAxisM <= 0 {
		return nil, fmt.Errorf("LoadBodyCatalog: body %q orbit has non-positive semi-major axis", jb.ID)
	}
	if jo.Eccentricity < 0 || jo.Eccentricity >= 1 {
		return nil, fmt.Errorf("LoadBodyCatalog: body %q orbit eccentricity %v outside [0,1)", jb.ID, jo.Eccentricity)
	}

	epoch := J2000
	if jo.Epoch != "" {
		t, err := time.Parse(time.RFC3339, jo.Epoch)
		if err != nil {
			return nil, fmt.Errorf("LoadBodyCatalog: body %q orbit epoch: %w", jb.ID, err)
		}
		epoch = t
	}

	period := jo.PeriodSec
	if period <= 0 {
		parentMass, ok := massByID[jo.ParentID]
		if !ok || parentMass <= 0 {
			if parent, found := reg.Get(jo.ParentID); found {
				parentMass, ok = parent.MassKg, true
			}
		}
		if !ok || parentMass <= 0 {
			return nil, fmt.Errorf("LoadBodyCatalog: body %q orbit needs period_sec or a known parent %q", jb.ID, jo.ParentID)
		}
		period = 2 * math.Pi * math.Sqrt(math.Pow(jo.SemiMajorAxisM, 3)/(GravitationalConstant*parentMass))
	}

	return &model.OrbitElements{
		ParentID:              jo.ParentID,
		SemiMajorAxisM:        jo.SemiMajorAxisM,
		Eccentricity:          jo.Eccentricity,
		InclinationRad:        degToRad(jo.InclinationDeg),
		AscendingNodeRad:      degToRad(jo.AscendingNodeDeg),
		ArgPeriapsisRad:       degToRad(jo.ArgPeriapsisDeg),
		MeanAnomalyAtEpochRad: degToRad(jo.MeanAnomalyAtEpochDeg),
		Epoch:                 epoch,
		PeriodSec:             period,
	}, nil
}

// classFromString maps the JSON "class" string to our BodyClass
// constants. Kept tolerant: unknown values land on asteroid rather than
// failing a whole catalog over a typo in a display hint.
func classFromString(s string) model.BodyClass {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "star", "sun":
		return model.BodyClassStar
	case "planet":
		return model.BodyClassPlanet
	case "moon":
		return model.BodyClassMoon
	case "station", "platform":
		return model.BodyClassStation
	default:
		return model.BodyClassAsteroid
	}
}

func degToRad(deg float64) float64 {
	return deg * math.Pi / 180
}
