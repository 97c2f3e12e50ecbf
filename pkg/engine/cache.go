package engine

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
)

// Cache holds lookups shared between the worker and front-end goroutines:
// environment capabilities and the type name to colour mapping.
type Cache struct {
	mu     sync.RWMutex
	colors map[string]string
	caps   map[EnvironmentKey][]string
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		colors: make(map[string]string),
		caps:   make(map[EnvironmentKey][]string),
	}
}

// TypeColor returns a stable HTML colour for a port data type.
func (c *Cache) TypeColor(dtype string) string {
	if dtype == "" {
		return "#ffffff"
	}

	c.mu.RLock()
	color, ok := c.colors[dtype]
	c.mu.RUnlock()
	if ok {
		return color
	}

	color = typeColor(dtype)
	c.mu.Lock()
	c.colors[dtype] = color
	c.mu.Unlock()
	return color
}

// SetCapabilities records the capabilities an environment advertised.
func (c *Cache) SetCapabilities(key EnvironmentKey, caps []string) {
	sorted := append([]string(nil), caps...)
	sort.Strings(sorted)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.caps[key] = sorted
}

// ForgetCapabilities drops the entry for an environment that went away.
func (c *Cache) ForgetCapabilities(key EnvironmentKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.caps, key)
}

// Capabilities returns the capabilities of an attached environment.
func (c *Cache) Capabilities(key EnvironmentKey) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	caps, ok := c.caps[key]
	if !ok {
		return nil, false
	}
	return append([]string(nil), caps...), true
}

// HasCapability reports whether an attached environment advertised capability.
func (c *Cache) HasCapability(key EnvironmentKey, capability string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	caps := c.caps[key]
	i := sort.SearchStrings(caps, capability)
	return i < len(caps) && caps[i] == capability
}

// typeColor hashes a type name onto the hue circle at fixed saturation and lightness.
func typeColor(dtype string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(dtype))
	hue := float64(h.Sum32()%360) / 360.0

	r, g, b := hslToRGB(hue, 0.6, 0.65)
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}

func hslToRGB(h, s, l float64) (uint8, uint8, uint8) {
	var q float64
	if l < 0.5 {
		q = l * (1 + s)
	} else {
		q = l + s - l*s
	}
	p := 2*l - q
	conv := func(t float64) uint8 {
		if t < 0 {
			t++
		}
		if t > 1 {
			t--
		}
		var v float64
		switch {
		case t < 1.0/6:
			v = p + (q-p)*6*t
		case t < 0.5:
			v = q
		case t < 2.0/3:
			v = p + (q-p)*(2.0/3-t)*6
		default:
			v = p
		}
		return uint8(math.Round(v * 255))
	}
	return conv(h + 1.0/3), conv(h), conv(h - 1.0/3)
}
