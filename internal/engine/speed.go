package engine

import (
	"math/rand"
	"time"

	"fleetsim/internal/geo"
	"fleetsim/internal/telemetry"
)

// Sample is one speed-model evaluation.
type Sample struct {
	VelocityKmh      float64
	AccelerationMps2 float64
	Physics          *telemetry.Physics
}

// Model produces instantaneous velocity given total elapsed run time.
// Models are swappable at engine construction.
type Model interface {
	Update(elapsed time.Duration) Sample
	Name() string
}

// Fixed always reports the configured speed.
type Fixed struct {
	SpeedKmh float64
}

func (f Fixed) Update(time.Duration) Sample {
	return Sample{VelocityKmh: f.SpeedKmh}
}

func (Fixed) Name() string { return "fixed" }

// RandomWalk perturbs a base speed by a bounded random step each tick,
// clamped to [max(0, base-variance), base+variance].
type RandomWalk struct {
	BaseKmh     float64
	StepKmh     float64
	VarianceKmh float64

	rng     *rand.Rand
	current float64
	primed  bool
}

func NewRandomWalk(baseKmh, stepKmh, varianceKmh float64, seed int64) *RandomWalk {
	return &RandomWalk{
		BaseKmh:     baseKmh,
		StepKmh:     stepKmh,
		VarianceKmh: varianceKmh,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (w *RandomWalk) Update(time.Duration) Sample {
	if !w.primed {
		w.current = w.BaseKmh
		w.primed = true
	}
	w.current += (w.rng.Float64()*2 - 1) * w.StepKmh
	lo := w.BaseKmh - w.VarianceKmh
	if lo < 0 {
		lo = 0
	}
	hi := w.BaseKmh + w.VarianceKmh
	if w.current < lo {
		w.current = lo
	}
	if w.current > hi {
		w.current = hi
	}
	return Sample{VelocityKmh: w.current}
}

func (*RandomWalk) Name() string { return "random_walk" }

// Physics accelerates to a target speed, cruises, and decelerates so the
// vehicle comes to rest at the end of the route. It integrates its own
// distance between updates to decide the current phase.
type Physics struct {
	route     *geo.RouteGeometry
	targetKmh float64
	accelMps2 float64

	velocityMps float64
	distanceKm  float64
	lastElapsed time.Duration
}

func NewPhysics(route *geo.RouteGeometry, targetKmh, accelMps2 float64) *Physics {
	if accelMps2 <= 0 {
		accelMps2 = 1.0
	}
	return &Physics{route: route, targetKmh: targetKmh, accelMps2: accelMps2}
}

func (p *Physics) Update(elapsed time.Duration) Sample {
	dt := (elapsed - p.lastElapsed).Seconds()
	if dt < 0 {
		dt = 0
	}
	p.lastElapsed = elapsed

	targetMps := p.targetKmh / 3.6
	remainingKm := p.route.TotalKm - p.distanceKm
	// distance needed to brake to rest from current speed
	brakeKm := (p.velocityMps * p.velocityMps) / (2 * p.accelMps2) / 1000

	phase := "cruising"
	accel := 0.0
	switch {
	case remainingKm <= brakeKm:
		phase = "decelerating"
		accel = -p.accelMps2
	case p.velocityMps < targetMps:
		phase = "accelerating"
		accel = p.accelMps2
	}
	p.velocityMps += accel * dt
	if p.velocityMps < 0 {
		p.velocityMps = 0
	}
	if p.velocityMps > targetMps {
		p.velocityMps = targetMps
	}
	p.distanceKm += p.velocityMps * dt / 1000

	progress := 0.0
	if p.route.TotalKm > 0 {
		progress = p.distanceKm / p.route.TotalKm
		if progress > 1 {
			progress = 1
		}
	}
	fix := p.route.PositionAt(p.distanceKm, geo.ModeGeodesic)
	return Sample{
		VelocityKmh:      p.velocityMps * 3.6,
		AccelerationMps2: accel,
		Physics: &telemetry.Physics{
			AccelerationMps2: accel,
			Phase:            phase,
			Progress:         progress,
			SegmentIndex:     fix.SegmentIndex,
		},
	}
}

func (*Physics) Name() string { return "physics" }
