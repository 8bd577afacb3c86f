package domain

// Usage tracks resource consumption during a generation run.
// It maintains counters for tokens used and API calls made.
type Usage struct {
	// Tokens represents the cumulative token consumption.
	Tokens int64

	// Calls represents the cumulative API call count.
	Calls int64
}
