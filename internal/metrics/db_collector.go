package metrics

import "github.com/prometheus/client_golang/prometheus"

// PoolStats is a snapshot of the key ledger's connection pool.
type PoolStats struct {
	Total        int32
	Idle         int32
	Acquired     int32
	Max          int32
	AcquireCount int64
}

// DBPoolStatFunc returns pool statistics without importing pgxpool.
type DBPoolStatFunc func() PoolStats

type poolCollector struct {
	stat DBPoolStatFunc

	total    *prometheus.Desc
	idle     *prometheus.Desc
	acquired *prometheus.Desc
	max      *prometheus.Desc
	acquires *prometheus.Desc
}

// NewDBPoolCollector returns a collector reading stat on every scrape.
func NewDBPoolCollector(stat DBPoolStatFunc) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("noderelay_db_pool_"+name, help, nil, nil)
	}
	return &poolCollector{
		stat:     stat,
		total:    desc("total_conns", "Total number of connections in the DB pool."),
		idle:     desc("idle_conns", "Number of idle connections in the DB pool."),
		acquired: desc("acquired_conns", "Number of acquired connections in the DB pool."),
		max:      desc("max_conns", "Configured maximum size of the DB pool."),
		acquires: desc("acquires_total", "Cumulative number of successful pool acquires."),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.idle
	ch <- c.acquired
	ch <- c.max
	ch <- c.acquires
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stat()
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.Total))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(s.Acquired))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.Max))
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(s.AcquireCount))
}
