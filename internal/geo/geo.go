// Package geo resolves client IP addresses to ISO country codes.
package geo

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
)

// Resolver maps an IP address to an ISO 3166-1 alpha-2 country code. An
// empty code with a nil error means the address is not in the database.
type Resolver interface {
	Country(ip string) (string, error)
	Close() error
}

// MaxMindResolver reads a GeoLite2/GeoIP2 Country or City database.
type MaxMindResolver struct {
	reader *maxminddb.Reader
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	RegisteredCountry struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"registered_country"`
}

func NewMaxMindResolver(dbPath string) (*MaxMindResolver, error) {
	reader, err := maxminddb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	return &MaxMindResolver{reader: reader}, nil
}

func (m *MaxMindResolver) Country(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("invalid IP address: %s", ip)
	}

	var rec countryRecord
	if err := m.reader.Lookup(parsed, &rec); err != nil {
		return "", err
	}
	if rec.Country.ISOCode != "" {
		return rec.Country.ISOCode, nil
	}
	return rec.RegisteredCountry.ISOCode, nil
}

func (m *MaxMindResolver) Close() error {
	if m.reader != nil {
		return m.reader.Close()
	}
	return nil
}

// CachedResolver memoizes lookups of another Resolver for a fixed TTL.
type CachedResolver struct {
	next    Resolver
	mu      sync.RWMutex
	data    map[string]cacheEntry
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	country   string
	expiresAt time.Time
}

func NewCachedResolver(next Resolver, maxSize int, ttl time.Duration) *CachedResolver {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &CachedResolver{
		next:    next,
		data:    make(map[string]cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *CachedResolver) Country(ip string) (string, error) {
	c.mu.RLock()
	entry, ok := c.data[ip]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expiresAt) {
		return entry.country, nil
	}

	country, err := c.next.Country(ip)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Evict an arbitrary entry when full.
	if len(c.data) >= c.maxSize {
		for k := range c.data {
			delete(c.data, k)
			break
		}
	}
	c.data[ip] = cacheEntry{country: country, expiresAt: c.now().Add(c.ttl)}
	return country, nil
}

func (c *CachedResolver) Close() error {
	return c.next.Close()
}

// StaticResolver answers from a fixed table. Useful in tests and when no
// database is configured.
type StaticResolver struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{data: make(map[string]string)}
}

func (s *StaticResolver) Add(ip, country string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[ip] = country
}

func (s *StaticResolver) Country(ip string) (string, error) {
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("invalid IP address: %s", ip)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[ip], nil
}

func (s *StaticResolver) Close() error { return nil }
