package shopquery

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Index health metric names
const (
	MetricIndexDrift       = "shopquery.index.drift"
	MetricIndexMissing     = "shopquery.index.missing"
	MetricIndexExtra       = "shopquery.index.extra"
	MetricIndexDriftAlert  = "shopquery.index.drift.alert"
	MetricIndexCheckErrors = "shopquery.index.check.errors"
	MetricIndexRepaired    = "shopquery.index.repaired"
)

// IndexHealthMonitor detects drift between a PurchaserIndex and the orders
// of its source adapter.
//
// Purpose:
// - Detect when the index misses purchases written without Add
// - Detect purchasers that no longer match the source
// - Repair drift without a full Rebuild
type IndexHealthMonitor struct {
	index   *PurchaserIndex
	source  Adapter
	logger  Logger
	metrics Metrics

	// Configuration
	checkInterval  time.Duration
	sampleSize     int
	driftThreshold float64 // Alert if drift > this percentage

	// State
	running  bool
	stopChan chan struct{}
	mu       sync.Mutex
}

// IndexEntry is one (product, purchaser) pair of the index.
type IndexEntry struct {
	ProductID ProductID
	UserID    UserID
}

// IndexHealthReport contains the results of a health check.
//
// Drift is measured over the sampled users: an entry is missing when a
// sampled user bought the product but is not indexed for it, and extra when a
// sampled user is indexed for a product they never bought.
type IndexHealthReport struct {
	Timestamp       time.Time
	Backend         string
	TotalSampled    int
	Checked         int // (user, product) pairs compared
	MissingInIndex  int
	ExtraInIndex    int
	DriftPercentage float64
	Missing         []IndexEntry
	Extra           []IndexEntry
}

// NewIndexHealthMonitor creates a health monitor for index over source.
func NewIndexHealthMonitor(index *PurchaserIndex, source Adapter, logger Logger, metrics Metrics) *IndexHealthMonitor {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &IndexHealthMonitor{
		index:          index,
		source:         source,
		logger:         logger,
		metrics:        metrics,
		checkInterval:  5 * time.Minute,
		sampleSize:     100,
		driftThreshold: 5.0,
		stopChan:       make(chan struct{}),
	}
}

// WithInterval sets the health check interval
func (ihm *IndexHealthMonitor) WithInterval(interval time.Duration) *IndexHealthMonitor {
	ihm.checkInterval = interval
	return ihm
}

// WithSampleSize sets the number of users to sample per check
func (ihm *IndexHealthMonitor) WithSampleSize(size int) *IndexHealthMonitor {
	ihm.sampleSize = size
	return ihm
}

// WithDriftThreshold sets the drift percentage that triggers alerts
func (ihm *IndexHealthMonitor) WithDriftThreshold(threshold float64) *IndexHealthMonitor {
	ihm.driftThreshold = threshold
	return ihm
}

// Start begins automated health checking in the background
func (ihm *IndexHealthMonitor) Start(ctx context.Context) error {
	ihm.mu.Lock()
	defer ihm.mu.Unlock()

	if ihm.running {
		return fmt.Errorf("health monitor already running")
	}
	ihm.running = true
	stop := ihm.stopChan

	go func() {
		ticker := time.NewTicker(ihm.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				ihm.logger.Info("index health monitor stopped", "reason", "context canceled")
				return
			case <-stop:
				ihm.logger.Info("index health monitor stopped", "reason", "stop requested")
				return
			case <-ticker.C:
				report, err := ihm.Check(ctx)
				if err != nil {
					ihm.logger.Error("index health check failed", "error", err)
					ihm.metrics.Increment(MetricIndexCheckErrors, "backend", ihm.source.Name())
					continue
				}
				ihm.processReport(report)
			}
		}
	}()

	ihm.logger.Info("index health monitor started",
		"interval", ihm.checkInterval,
		"sample_size", ihm.sampleSize,
		"drift_threshold", ihm.driftThreshold,
	)
	return nil
}

// Stop halts the background health checking
func (ihm *IndexHealthMonitor) Stop() {
	ihm.mu.Lock()
	defer ihm.mu.Unlock()

	if ihm.running {
		close(ihm.stopChan)
		ihm.stopChan = make(chan struct{})
		ihm.running = false
	}
}

// Check compares the index with the source for a random sample of users.
func (ihm *IndexHealthMonitor) Check(ctx context.Context) (*IndexHealthReport, error) {
	report := &IndexHealthReport{
		Timestamp: time.Now(),
		Backend:   ihm.source.Name(),
		Missing:   make([]IndexEntry, 0),
		Extra:     make([]IndexEntry, 0),
	}

	users, err := ihm.source.AllUserIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return report, nil
	}

	sampled := make([]UserID, len(users))
	copy(sampled, users)
	rand.Shuffle(len(sampled), func(i, j int) {
		sampled[i], sampled[j] = sampled[j], sampled[i]
	})
	if ihm.sampleSize > 0 && ihm.sampleSize < len(sampled) {
		sampled = sampled[:ihm.sampleSize]
	}
	report.TotalSampled = len(sampled)

	// What the source says each sampled user bought.
	bought := make(map[UserID]map[ProductID]bool, len(sampled))
	products := make(map[ProductID]bool)
	for _, u := range sampled {
		orders, err := ihm.source.OrdersOfUser(ctx, u)
		if err != nil && !IsNotFound(err) {
			return nil, err
		}
		set := make(map[ProductID]bool)
		for _, o := range orders {
			for _, line := range o.Lines {
				set[line.ProductID] = true
				products[line.ProductID] = true
			}
		}
		bought[u] = set
	}

	for _, p := range sortedProductIDs(products) {
		purchasers, err := ihm.index.PurchasersOf(ctx, p)
		if err != nil {
			return nil, err
		}
		indexed := make(map[UserID]bool, len(purchasers))
		for _, u := range purchasers {
			indexed[u] = true
		}

		for _, u := range sampled {
			report.Checked++
			switch {
			case bought[u][p] && !indexed[u]:
				report.Missing = append(report.Missing, IndexEntry{ProductID: p, UserID: u})
			case !bought[u][p] && indexed[u]:
				report.Extra = append(report.Extra, IndexEntry{ProductID: p, UserID: u})
			}
		}
	}

	report.MissingInIndex = len(report.Missing)
	report.ExtraInIndex = len(report.Extra)
	if report.Checked > 0 {
		problems := report.MissingInIndex + report.ExtraInIndex
		report.DriftPercentage = float64(problems) / float64(report.Checked) * 100.0
	}
	return report, nil
}

func sortedProductIDs(set map[ProductID]bool) []ProductID {
	ids := make([]ProductID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// processReport handles the health check results
func (ihm *IndexHealthMonitor) processReport(report *IndexHealthReport) {
	ihm.metrics.Gauge(MetricIndexDrift, report.DriftPercentage, "backend", report.Backend)
	ihm.metrics.Gauge(MetricIndexMissing, float64(report.MissingInIndex), "backend", report.Backend)
	ihm.metrics.Gauge(MetricIndexExtra, float64(report.ExtraInIndex), "backend", report.Backend)

	if report.DriftPercentage > ihm.driftThreshold {
		ihm.logger.Error("index drift detected",
			"backend", report.Backend,
			"drift_percent", report.DriftPercentage,
			"missing", report.MissingInIndex,
			"extra", report.ExtraInIndex,
			"sampled", report.TotalSampled,
		)
		ihm.metrics.Increment(MetricIndexDriftAlert, "backend", report.Backend)
	} else {
		ihm.logger.Debug("index health check passed",
			"backend", report.Backend,
			"drift_percent", report.DriftPercentage,
			"sampled", report.TotalSampled,
		)
	}
}

// RepairDrift adds the missing entries of report and removes the extra ones.
// It holds the rebuild lock, so it never interleaves with Rebuild.
func (ihm *IndexHealthMonitor) RepairDrift(ctx context.Context, report *IndexHealthReport) (int, error) {
	release, err := ihm.index.lock.Lock(ctx, "purchaser-index", rebuildLockTTL)
	if err != nil {
		return 0, err
	}
	defer release()

	ihm.logger.Info("starting index drift repair",
		"backend", report.Backend,
		"missing", len(report.Missing),
		"extra", len(report.Extra),
	)

	repaired := 0
	for _, e := range report.Missing {
		if err := ihm.index.Add(ctx, Order{UserID: e.UserID, Lines: []OrderLine{{ProductID: e.ProductID, Quantity: 1}}}); err != nil {
			return repaired, err
		}
		repaired++
	}
	for _, e := range report.Extra {
		if err := ihm.index.remove(ctx, e.ProductID, e.UserID); err != nil {
			return repaired, err
		}
		repaired++
	}

	ihm.metrics.Increment(MetricIndexRepaired, "backend", report.Backend)
	ihm.logger.Info("index drift repair completed", "backend", report.Backend, "repaired", repaired)
	return repaired, nil
}
