package bridge

// Chunk is one fragment of a request body as delivered by the transport.
// A chunk is consumed exactly once; the bridge owns it after a successful
// or failed Push and calls its release func once the bytes are no longer needed.
type Chunk struct {
	data    []byte
	final   bool
	release func()
}

// NewChunk wraps p. The caller must not modify p after pushing it.
func NewChunk(p []byte, final bool) Chunk {
	return Chunk{data: p, final: final}
}

// NewPooledChunk is NewChunk with a release callback, used to hand buffers
// back to a pool once the consumer is done with them.
func NewPooledChunk(p []byte, final bool, release func()) Chunk {
	return Chunk{data: p, final: final, release: release}
}

// Terminal returns an empty final chunk marking end of body.
func Terminal() Chunk {
	return Chunk{final: true}
}

func (c Chunk) Len() int      { return len(c.data) }
func (c Chunk) Final() bool   { return c.final }
func (c Chunk) Bytes() []byte { return c.data }

func (c *Chunk) releaseOnce() {
	if c.release != nil {
		c.release()
		c.release = nil
	}
	c.data = nil
}
