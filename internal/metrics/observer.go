// Package metrics defines the Observer contract the engine's hot paths
// report through, kept separate from the root package's concrete Metrics
// counters so internal packages (diffarea, image, diffstorage, tracker) can
// depend on the interface without importing the root module.
package metrics

// Observer receives point-in-time notifications from the engine's hot
// paths: Diff Area copy-on-write, Snapshot Image reads, Diff Storage
// allocation, and CBT Map sets.
type Observer interface {
	ObserveCopy(bytes uint64, latencyNs uint64, success bool)
	ObserveCopyRetry()
	ObserveImageRead(bytes uint64, latencyNs uint64, success bool)
	ObserveAlloc(success bool)
	ObserveCbtSet()
}

// NoOpObserver discards every observation; the default when a caller
// doesn't care about metrics.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCopy(uint64, uint64, bool)      {}
func (NoOpObserver) ObserveCopyRetry()                     {}
func (NoOpObserver) ObserveImageRead(uint64, uint64, bool) {}
func (NoOpObserver) ObserveAlloc(bool)                     {}
func (NoOpObserver) ObserveCbtSet()                        {}

var _ Observer = NoOpObserver{}
