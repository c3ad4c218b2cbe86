package model

// KVCache keeps every layer's keys and values per batch row so that
// generation can feed one token at a time.
type KVCache struct {
	layers int
	dim    int
	k      [][][]float32 // [layer][row] n x dim
	v      [][][]float32
	mask   [][]bool // [row] visibility of each cached position
	pos    []int    // [row] position id of the next token
}

func NewKVCache(layers, dim int) *KVCache {
	return &KVCache{layers: layers, dim: dim}
}

func (c *KVCache) reset(rows int) {
	c.k = make([][][]float32, c.layers)
	c.v = make([][][]float32, c.layers)
	for l := range c.k {
		c.k[l] = make([][]float32, rows)
		c.v[l] = make([][]float32, rows)
	}
	c.mask = make([][]bool, rows)
	c.pos = make([]int, rows)
}

// Rows is the batch size the cache was filled with.
func (c *KVCache) Rows() int { return len(c.pos) }

// Len is the number of cached positions.
func (c *KVCache) Len() int {
	if len(c.mask) == 0 {
		return 0
	}
	return len(c.mask[0])
}

func (c *KVCache) append(layer, row int, k, v []float32) {
	c.k[layer][row] = append(c.k[layer][row], k...)
	c.v[layer][row] = append(c.v[layer][row], v...)
}
