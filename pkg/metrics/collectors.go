package metrics

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

// SpatialStats - снимок spatial-индекса для коллектора
type SpatialStats struct {
	Cells       int
	Drivers     int
	MeanPerCell float64
}

// ResourceSnapshot - текущее значение одного счётчика C8
type ResourceSnapshot struct {
	Resource string
	Current  int64
	Limit    int64
}

// CoreCollector экспортирует живое состояние ядра на каждом scrape:
// spatial-индекс, счётчики ресурсов и runtime. Компонентам не нужно
// ничего пушить - коллектор опрашивает их колбэками.
type CoreCollector struct {
	spatialFn  func() SpatialStats
	resourceFn func() []ResourceSnapshot

	spatialCells   *prometheus.Desc
	spatialDrivers *prometheus.Desc
	spatialMean    *prometheus.Desc
	resourceCur    *prometheus.Desc
	resourceLimit  *prometheus.Desc
	goroutines     *prometheus.Desc
	heapAlloc      *prometheus.Desc
}

// NewCoreCollector создаёт коллектор; nil-колбэки пропускаются
func NewCoreCollector(namespace string, spatialFn func() SpatialStats, resourceFn func() []ResourceSnapshot) *CoreCollector {
	return &CoreCollector{
		spatialFn:  spatialFn,
		resourceFn: resourceFn,
		spatialCells: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "spatial_cells"),
			"Grid cells currently populated in the spatial index",
			nil, nil,
		),
		spatialDrivers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "spatial_drivers"),
			"Live drivers currently indexed",
			nil, nil,
		),
		spatialMean: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "spatial_mean_per_cell"),
			"Mean drivers per populated cell",
			nil, nil,
		),
		resourceCur: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "resource_current"),
			"Current value of a resource admission counter",
			[]string{"resource"}, nil,
		),
		resourceLimit: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "resource_limit"),
			"Configured limit of a resource admission counter",
			[]string{"resource"}, nil,
		),
		goroutines: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "runtime_goroutines"),
			"Number of goroutines",
			nil, nil,
		),
		heapAlloc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "runtime_heap_alloc_bytes"),
			"Bytes allocated and still in use",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *CoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.spatialCells
	ch <- c.spatialDrivers
	ch <- c.spatialMean
	ch <- c.resourceCur
	ch <- c.resourceLimit
	ch <- c.goroutines
	ch <- c.heapAlloc
}

// Collect implements prometheus.Collector
func (c *CoreCollector) Collect(ch chan<- prometheus.Metric) {
	if c.spatialFn != nil {
		s := c.spatialFn()
		ch <- prometheus.MustNewConstMetric(c.spatialCells, prometheus.GaugeValue, float64(s.Cells))
		ch <- prometheus.MustNewConstMetric(c.spatialDrivers, prometheus.GaugeValue, float64(s.Drivers))
		ch <- prometheus.MustNewConstMetric(c.spatialMean, prometheus.GaugeValue, s.MeanPerCell)
	}

	if c.resourceFn != nil {
		for _, r := range c.resourceFn() {
			ch <- prometheus.MustNewConstMetric(c.resourceCur, prometheus.GaugeValue, float64(r.Current), r.Resource)
			ch <- prometheus.MustNewConstMetric(c.resourceLimit, prometheus.GaugeValue, float64(r.Limit), r.Resource)
		}
	}

	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	ch <- prometheus.MustNewConstMetric(c.goroutines, prometheus.GaugeValue, float64(runtime.NumGoroutine()))
	ch <- prometheus.MustNewConstMetric(c.heapAlloc, prometheus.GaugeValue, float64(stats.Alloc))
}
