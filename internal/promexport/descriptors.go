package promexport

import "github.com/prometheus/client_golang/prometheus"

type descriptors struct {
	latency         *prometheus.Desc
	latencyMin      *prometheus.Desc
	latencyMax      *prometheus.Desc
	throughput      *prometheus.Desc
	recorderHitRate *prometheus.Desc
	heapAlloc       *prometheus.Desc
	goroutines      *prometheus.Desc
	uptime          *prometheus.Desc

	poolConnections *prometheus.Desc
	poolMax         *prometheus.Desc
	poolWaitAvg     *prometheus.Desc
	poolWaitMax     *prometheus.Desc
	poolErrors      *prometheus.Desc
	poolAcquired    *prometheus.Desc
	poolReleased    *prometheus.Desc

	cacheHits        *prometheus.Desc
	cacheMisses      *prometheus.Desc
	cacheEvictions   *prometheus.Desc
	cacheHitRate     *prometheus.Desc
	cacheSize        *prometheus.Desc
	cacheMemory      *prometheus.Desc
	cacheLatency     *prometheus.Desc
	cacheCompression *prometheus.Desc

	circuitState        *prometheus.Desc
	circuitFailureRate  *prometheus.Desc
	circuitLatency      *prometheus.Desc
	circuitConsecutive  *prometheus.Desc
	circuitStateChanges *prometheus.Desc
	circuitRequests     *prometheus.Desc

	sloCurrent   *prometheus.Desc
	sloTarget    *prometheus.Desc
	sloStatus    *prometheus.Desc
	sloRemaining *prometheus.Desc

	aggregate *prometheus.Desc
}

func newDescriptors() descriptors {
	return descriptors{
		latency:         prometheus.NewDesc("request_latency_ms", "Request latency in milliseconds over the recent window.", []string{"operation"}, nil),
		latencyMin:      prometheus.NewDesc("request_latency_min_ms", "Lowest observed request latency.", []string{"operation"}, nil),
		latencyMax:      prometheus.NewDesc("request_latency_max_ms", "Highest observed request latency.", []string{"operation"}, nil),
		throughput:      prometheus.NewDesc("throughput_per_second", "Completed operations per second.", []string{"operation"}, nil),
		recorderHitRate: prometheus.NewDesc("recorder_cache_hit_rate", "Cache hit rate seen by the request recorder.", []string{"layer"}, nil),
		heapAlloc:       prometheus.NewDesc("memory_heap_alloc_bytes", "Bytes of allocated heap objects.", nil, nil),
		goroutines:      prometheus.NewDesc("goroutines", "Number of goroutines.", nil, nil),
		uptime:          prometheus.NewDesc("uptime_seconds", "Seconds since the recorder started.", nil, nil),

		poolConnections: prometheus.NewDesc("db_pool_connections", "Database pool connections by state.", []string{"state"}, nil),
		poolMax:         prometheus.NewDesc("db_pool_max_connections", "Configured pool capacity.", nil, nil),
		poolWaitAvg:     prometheus.NewDesc("db_pool_acquire_wait_avg_ms", "Average connection acquisition wait.", nil, nil),
		poolWaitMax:     prometheus.NewDesc("db_pool_acquire_wait_max_ms", "Longest connection acquisition wait.", nil, nil),
		poolErrors:      prometheus.NewDesc("db_pool_connection_errors_total", "Connection errors.", nil, nil),
		poolAcquired:    prometheus.NewDesc("db_pool_acquired_total", "Connections acquired.", nil, nil),
		poolReleased:    prometheus.NewDesc("db_pool_released_total", "Connections released.", nil, nil),

		cacheHits:        prometheus.NewDesc("cache_hits_total", "Cache hits.", []string{"layer"}, nil),
		cacheMisses:      prometheus.NewDesc("cache_misses_total", "Cache misses.", []string{"layer"}, nil),
		cacheEvictions:   prometheus.NewDesc("cache_evictions_total", "Cache evictions.", []string{"layer"}, nil),
		cacheHitRate:     prometheus.NewDesc("cache_hit_rate", "Cache hit rate between 0 and 1.", []string{"layer"}, nil),
		cacheSize:        prometheus.NewDesc("cache_entries", "Entries held by the cache layer.", []string{"layer"}, nil),
		cacheMemory:      prometheus.NewDesc("cache_memory_bytes", "Approximate bytes held by the cache layer.", []string{"layer"}, nil),
		cacheLatency:     prometheus.NewDesc("cache_latency_avg_ms", "Average cache operation latency.", []string{"layer", "op"}, nil),
		cacheCompression: prometheus.NewDesc("cache_compression_ratio", "Compression ratio of stored values.", []string{"layer"}, nil),

		circuitState:        prometheus.NewDesc("circuit_state", "Circuit breaker state (0=CLOSED, 1=HALF_OPEN, 2=OPEN).", []string{"circuit"}, nil),
		circuitFailureRate:  prometheus.NewDesc("circuit_failure_rate", "Failure rate between 0 and 1.", []string{"circuit"}, nil),
		circuitLatency:      prometheus.NewDesc("circuit_latency_avg_ms", "Average request latency through the circuit.", []string{"circuit"}, nil),
		circuitConsecutive:  prometheus.NewDesc("circuit_consecutive_failures", "Current run of failures.", []string{"circuit"}, nil),
		circuitStateChanges: prometheus.NewDesc("circuit_state_changes_total", "State transitions.", []string{"circuit"}, nil),
		circuitRequests:     prometheus.NewDesc("circuit_requests_total", "Requests by outcome.", []string{"circuit", "outcome"}, nil),

		sloCurrent:   prometheus.NewDesc("slo_current", "Current value of the objective.", []string{"objective"}, nil),
		sloTarget:    prometheus.NewDesc("slo_target", "Target value of the objective.", []string{"objective"}, nil),
		sloStatus:    prometheus.NewDesc("slo_status", "Objective status (0=OK, 1=WARNING, 2=CRITICAL).", []string{"objective"}, nil),
		sloRemaining: prometheus.NewDesc("slo_remaining_percent", "Remaining error budget in percent.", []string{"objective"}, nil),

		aggregate: prometheus.NewDesc("aggregated", "Latest rollup of an aggregated metric.", []string{"metric", "series", "window"}, nil),
	}
}

func (d descriptors) all() []*prometheus.Desc {
	return []*prometheus.Desc{
		d.latency, d.latencyMin, d.latencyMax, d.throughput, d.recorderHitRate,
		d.heapAlloc, d.goroutines, d.uptime,
		d.poolConnections, d.poolMax, d.poolWaitAvg, d.poolWaitMax,
		d.poolErrors, d.poolAcquired, d.poolReleased,
		d.cacheHits, d.cacheMisses, d.cacheEvictions, d.cacheHitRate,
		d.cacheSize, d.cacheMemory, d.cacheLatency, d.cacheCompression,
		d.circuitState, d.circuitFailureRate, d.circuitLatency,
		d.circuitConsecutive, d.circuitStateChanges, d.circuitRequests,
		d.sloCurrent, d.sloTarget, d.sloStatus, d.sloRemaining,
		d.aggregate,
	}
}
