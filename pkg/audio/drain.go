package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it when a consumer stops reading a streaming channel early so the
// producer goroutine can still exit.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
