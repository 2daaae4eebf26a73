package replay

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/storage"
)

// Traffic shapes for GenerateVisits.
const (
	// PatternSteady spreads visits evenly over the duration.
	PatternSteady = "steady"
	// PatternBurst packs visits into four one-second bursts.
	PatternBurst = "burst"
	// PatternRamp makes visits denser towards the end.
	PatternRamp = "ramp"
)

// DefaultPaths is the path pool used when GenerateOptions.Paths is empty.
var DefaultPaths = []string{"/", "/api/presence", "/dashboard", "/ws"}

// GenerateOptions controls synthetic visit generation.
type GenerateOptions struct {
	Count    int
	Addrs    int
	Duration time.Duration
	Pattern  string
	Start    time.Time
	Seed     int64
	Paths    []string
}

// DefaultGenerateOptions returns the defaults the CLI starts from.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		Count:    100,
		Addrs:    3,
		Duration: 5 * time.Minute,
		Pattern:  PatternSteady,
	}
}

// GenerateVisits builds synthetic visits from documentation-range
// addresses. Visits to /ws are socket visits, everything else is http.
func GenerateVisits(opts GenerateOptions) ([]storage.Visit, error) {
	if opts.Count <= 0 {
		return nil, fmt.Errorf("count must be positive, got %d", opts.Count)
	}
	if opts.Addrs <= 0 || opts.Addrs > 254 {
		return nil, fmt.Errorf("addrs must be between 1 and 254, got %d", opts.Addrs)
	}
	if opts.Duration <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %s", opts.Duration)
	}
	if opts.Pattern == "" {
		opts.Pattern = PatternSteady
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now().Truncate(time.Second)
	}
	if len(opts.Paths) == 0 {
		opts.Paths = DefaultPaths
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	g := &generator{
		rng:   rand.New(rand.NewSource(opts.Seed)),
		addrs: makeAddrs(opts.Addrs),
		paths: opts.Paths,
	}
	switch opts.Pattern {
	case PatternSteady:
		return g.steady(opts.Start, opts.Count, opts.Duration), nil
	case PatternBurst:
		return g.burst(opts.Start, opts.Count, opts.Duration), nil
	case PatternRamp:
		return g.ramp(opts.Start, opts.Count, opts.Duration), nil
	default:
		return nil, fmt.Errorf("unknown pattern %q, must be steady, burst or ramp", opts.Pattern)
	}
}

func makeAddrs(n int) []string {
	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("198.51.100.%d", i+1)
	}
	return addrs
}

type generator struct {
	rng   *rand.Rand
	addrs []string
	paths []string
}

func (g *generator) visit(at time.Time) storage.Visit {
	path := g.paths[g.rng.Intn(len(g.paths))]
	kind := storage.KindHTTP
	if strings.HasPrefix(path, "/ws") {
		kind = storage.KindSocket
	}
	return storage.Visit{
		RemoteAddr: g.addrs[g.rng.Intn(len(g.addrs))],
		UserAgent:  "trafficmon-generate",
		Timestamp:  at,
		Kind:       kind,
		Path:       path,
	}
}

func (g *generator) steady(start time.Time, count int, dur time.Duration) []storage.Visit {
	interval := dur / time.Duration(count)
	visits := make([]storage.Visit, count)
	for i := range visits {
		visits[i] = g.visit(start.Add(time.Duration(i) * interval))
	}
	return visits
}

func (g *generator) burst(start time.Time, count int, dur time.Duration) []storage.Visit {
	const bursts = 4
	visits := make([]storage.Visit, 0, count)
	size := count / bursts
	gap := dur / bursts

	for b := 0; b < bursts; b++ {
		at := start.Add(time.Duration(b) * gap)
		for i := 0; i < size; i++ {
			visits = append(visits, g.visit(at.Add(time.Duration(g.rng.Intn(1000))*time.Millisecond)))
		}
	}
	for len(visits) < count {
		visits = append(visits, g.visit(start.Add(time.Duration(g.rng.Int63n(int64(dur))))))
	}
	return visits
}

func (g *generator) ramp(start time.Time, count int, dur time.Duration) []storage.Visit {
	visits := make([]storage.Visit, 0, count)
	for i := 0; i < count; i++ {
		frac := float64(i) / float64(count)
		visits = append(visits, g.visit(start.Add(time.Duration(frac*frac*float64(dur)))))
	}
	return visits
}
