package metrics

// JobDurationBuckets covers crawl plus analysis of a full compliance job, in seconds.
var JobDurationBuckets = []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800}

// ProviderDurationBuckets defines latency buckets for completion and embedding calls.
var ProviderDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// SearchDurationBuckets defines latency buckets for in-memory similarity search.
var SearchDurationBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}
