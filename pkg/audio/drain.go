package audio

// Drain reads from ch until the channel is closed, discarding all values.
// The pipeline uses it on shutdown so that no queued frame outlives the
// workers that produced it.
func Drain[T any](ch <-chan T) int {
	n := 0
	for range ch {
		n++
	}
	return n
}
