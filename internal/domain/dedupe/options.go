package dedupe

// Option applies a configuration option to the Coalescer.
type Option func(*inMemoryCoalescer)

// WithMaxSize bounds the number of pending keys tracked. When the bound is
// reached new keys are not tracked and every trigger for them passes through.
// maxSize <= 0 means unbounded.
func WithMaxSize(maxSize int) Option {
	return func(c *inMemoryCoalescer) {
		c.maxSize = maxSize
	}
}
