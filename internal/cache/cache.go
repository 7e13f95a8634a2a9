// Package cache provides the Cache interface for response caching. The
// in-process implementation is Memory (see NewMemory). The response-cache
// plugin keeps its own entry map and does not use this package.
package cache

import "github.com/routergw/router/providers"

// Cache defines the interface for response caching.
type Cache interface {
	Get(key string) (*providers.Response, bool)
	Set(key string, resp *providers.Response)
	Delete(key string)
	Len() int
	Clear()
}
