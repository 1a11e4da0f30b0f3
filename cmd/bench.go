package main

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/1F47E/geo-presence/pkg/geo"
	"github.com/1F47E/geo-presence/pkg/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF79C6")).
			Background(lipgloss.Color("#282A36")).
			Padding(0, 1)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#50FA7B"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#BD93F9")).
			Padding(1, 2).
			MarginTop(1)

	statStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFB86C"))
)

type benchConfig struct {
	users   int
	queries int
	workers int
	lat     float64
	lon     float64
	spread  float64
	seed    int64
}

type benchResult struct {
	users       int64
	cells       int
	insertTime  time.Duration
	updateTime  time.Duration
	queries     int64
	queryTime   time.Duration
	results     int64
	maxDistance float64 // km
	sumDistance float64
}

func (r benchResult) meanDistance() float64 {
	if r.results == 0 {
		return 0
	}
	return r.sumDistance / float64(r.results)
}

var bench = benchConfig{}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Load-simulate the presence grid",
	Long: `Insert and move synthetic users concurrently, then run proximity queries and report
throughput together with how far away the returned users actually were.`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().IntVarP(&bench.users, "users", "n", 100000, "Number of synthetic users")
	benchCmd.Flags().IntVarP(&bench.queries, "queries", "q", 10000, "Number of proximity queries")
	benchCmd.Flags().IntVarP(&bench.workers, "workers", "w", runtime.NumCPU(), "Number of worker goroutines")
	benchCmd.Flags().Float64Var(&bench.lat, "lat", -12.046, "Latitude of the simulated city centre")
	benchCmd.Flags().Float64Var(&bench.lon, "lon", -77.043, "Longitude of the simulated city centre")
	benchCmd.Flags().Float64Var(&bench.spread, "spread", 0.25, "Half-width of the simulated area in degrees")
	benchCmd.Flags().Int64Var(&bench.seed, "seed", time.Now().UnixNano(), "Random seed")
}

func runBench(cmd *cobra.Command, args []string) error {
	if bench.users <= 0 || bench.queries <= 0 || bench.workers <= 0 {
		return fmt.Errorf("users, queries and workers must be positive")
	}
	if err := models.ValidateCoordinates(bench.lat, bench.lon); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), titleStyle.Render("Presence grid benchmark"))
	fmt.Fprintf(cmd.OutOrStdout(), "%d users, %d queries, %d workers around (%.3f, %.3f) ±%.2f°\n",
		bench.users, bench.queries, bench.workers, bench.lat, bench.lon, bench.spread)

	res, err := runGridBench(bench)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderBench(res))
	return nil
}

// runGridBench drives a fresh grid the way live connections do: insert,
// move every user once, then query from random points
func runGridBench(cfg benchConfig) (benchResult, error) {
	grid := geo.NewGrid()
	rng := rand.New(rand.NewSource(cfg.seed))

	initial := make([]models.UserLocation, cfg.users)
	moved := make([]models.UserLocation, cfg.users)
	for i := range initial {
		id := fmt.Sprintf("user-%d", i)
		initial[i] = randomLocation(rng, id, cfg)
		moved[i] = randomLocation(rng, id, cfg)
	}
	centers := make([]models.UserLocation, cfg.queries)
	for i := range centers {
		centers[i] = randomLocation(rng, "", cfg)
	}

	var res benchResult
	var errCount atomic.Int64

	start := time.Now()
	forEachBatch(cfg.users, cfg.workers, func(from, to int) {
		for i := from; i < to; i++ {
			if err := grid.Insert(initial[i]); err != nil {
				errCount.Add(1)
			}
		}
	})
	res.insertTime = time.Since(start)

	start = time.Now()
	forEachBatch(cfg.users, cfg.workers, func(from, to int) {
		for i := from; i < to; i++ {
			if err := grid.Update(&initial[i], moved[i]); err != nil {
				errCount.Add(1)
			}
		}
	})
	res.updateTime = time.Since(start)

	if n := errCount.Load(); n > 0 {
		return res, fmt.Errorf("%d grid mutations failed", n)
	}

	var (
		mu      sync.Mutex
		queries atomic.Int64
		results atomic.Int64
	)
	start = time.Now()
	forEachBatch(cfg.queries, cfg.workers, func(from, to int) {
		var localMax, localSum float64
		var localResults int64
		for i := from; i < to; i++ {
			c := centers[i]
			for _, loc := range grid.QueryNear(c.Latitude, c.Longitude) {
				d := geo.Distance(c.Latitude, c.Longitude, loc.Latitude, loc.Longitude)
				localMax = math.Max(localMax, d)
				localSum += d
				localResults++
			}
			queries.Add(1)
		}
		results.Add(localResults)

		mu.Lock()
		res.maxDistance = math.Max(res.maxDistance, localMax)
		res.sumDistance += localSum
		mu.Unlock()
	})
	res.queryTime = time.Since(start)

	res.users = grid.Size()
	res.cells = grid.Cells()
	res.queries = queries.Load()
	res.results = results.Load()
	return res, nil
}

// forEachBatch splits n items across workers, the last one taking the remainder
func forEachBatch(n, workers int, fn func(from, to int)) {
	if workers > n {
		workers = n
	}
	batchSize := n / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		from := w * batchSize
		to := from + batchSize
		if w == workers-1 {
			to = n
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(from, to)
		}()
	}
	wg.Wait()
}

func randomLocation(rng *rand.Rand, userID string, cfg benchConfig) models.UserLocation {
	lat := clamp(cfg.lat+(rng.Float64()*2-1)*cfg.spread, -90, 90)
	lon := clamp(cfg.lon+(rng.Float64()*2-1)*cfg.spread, -180, 180)
	return models.UserLocation{UserID: userID, Latitude: lat, Longitude: lon}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func perSecond(n int64, d time.Duration) string {
	if d <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.0f", float64(n)/d.Seconds())
}

func renderBench(r benchResult) string {
	var avgResults float64
	if r.queries > 0 {
		avgResults = float64(r.results) / float64(r.queries)
	}

	stats := fmt.Sprintf(
		"✓ Indexed users: %s in %s cells\n"+
			"✓ Inserts: %s (%s/s)\n"+
			"✓ Updates: %s (%s/s)\n"+
			"✓ Queries: %s in %s (%s/s)\n"+
			"✓ Average results per query: %s\n"+
			"✓ Result distance: max %s km, mean %s km",
		statStyle.Render(fmt.Sprintf("%d", r.users)),
		statStyle.Render(fmt.Sprintf("%d", r.cells)),
		statStyle.Render(r.insertTime.String()),
		statStyle.Render(perSecond(r.users, r.insertTime)),
		statStyle.Render(r.updateTime.String()),
		statStyle.Render(perSecond(r.users, r.updateTime)),
		statStyle.Render(fmt.Sprintf("%d", r.queries)),
		statStyle.Render(r.queryTime.String()),
		statStyle.Render(perSecond(r.queries, r.queryTime)),
		statStyle.Render(fmt.Sprintf("%.1f", avgResults)),
		statStyle.Render(fmt.Sprintf("%.2f", r.maxDistance)),
		statStyle.Render(fmt.Sprintf("%.2f", r.meanDistance())),
	)
	return boxStyle.Render(successStyle.Render("Benchmark complete\n\n") + stats)
}
