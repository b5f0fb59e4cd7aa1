package location

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"whereabouts/internal/util"
)

// SimulatedGeolocator walks randomly around a starting point, emitting one
// reading per interval to each watch.
type SimulatedGeolocator struct {
	mu       sync.Mutex
	lat, lon float64
	interval time.Duration

	// step is the largest move per reading, in degrees.
	step float64
	rnd  *rand.Rand
	now  func() time.Time
}

func NewSimulatedGeolocator(lat, lon float64, interval time.Duration, seed uint64) *SimulatedGeolocator {
	return &SimulatedGeolocator{
		lat:      lat,
		lon:      lon,
		interval: interval,
		step:     0.0005,
		rnd:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (g *SimulatedGeolocator) next() Position {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lat = clamp(g.lat+(g.rnd.Float64()*2-1)*g.step, -90, 90)
	g.lon = clamp(g.lon+(g.rnd.Float64()*2-1)*g.step, -180, 180)
	return Position{
		Latitude:   g.lat,
		Longitude:  g.lon,
		Accuracy:   util.Some(math.Round(5 + g.rnd.Float64()*20)),
		CapturedAt: g.now(),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func (g *SimulatedGeolocator) CurrentPosition(ctx context.Context, opts Options) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, err
	}
	return g.next(), nil
}

func (g *SimulatedGeolocator) Watch(opts Options, onPosition func(Position), onError func(error)) (Watch, error) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				onPosition(g.next())
			}
		}
	}()

	var once sync.Once
	return watchFunc(func() { once.Do(func() { close(done) }) }), nil
}
