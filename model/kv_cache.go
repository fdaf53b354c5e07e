package model

// KVCache stores per-layer key/value tensors for incremental decoding.
type KVCache struct {
	Keys   []*Tensor // [batch, num_kv_heads, seq_len, head_dim] per layer
	Values []*Tensor
}

// NewKVCache creates an empty cache for the given layer count.
func NewKVCache(numLayers int) *KVCache {
	return &KVCache{
		Keys:   make([]*Tensor, numLayers),
		Values: make([]*Tensor, numLayers),
	}
}

// GetLayer returns the cached K,V for a layer, nil before the first fill.
func (kv *KVCache) GetLayer(layerIdx int) (*Tensor, *Tensor) {
	if layerIdx < 0 || layerIdx >= len(kv.Keys) {
		return nil, nil
	}
	return kv.Keys[layerIdx], kv.Values[layerIdx]
}

// SetLayer replaces the cached K,V for a layer.
func (kv *KVCache) SetLayer(layerIdx int, k, v *Tensor) {
	if layerIdx >= 0 && layerIdx < len(kv.Keys) {
		kv.Keys[layerIdx] = k
		kv.Values[layerIdx] = v
	}
}

// SeqLen returns the number of cached positions.
func (kv *KVCache) SeqLen() int {
	for _, k := range kv.Keys {
		if k != nil {
			return k.Shape[2]
		}
	}
	return 0
}

// Clear resets the cache.
func (kv *KVCache) Clear() {
	for i := range kv.Keys {
		kv.Keys[i] = nil
		kv.Values[i] = nil
	}
}
