package router

import (
	"fmt"
	"time"
)

// Config carries the router's static configuration: the ARP cache's
// capacity and aging policy, and the resolution retry schedule, both
// grounded on _examples/original_source/lab1/router/sr_arpcache.c's
// hardcoded constants (SR_ARPCACHE_TO, the 1 Hz sweep, 5 retries).
type Config struct {
	ARPCacheCapacity int
	ARPEntryTimeout  time.Duration
	ARPSweepInterval time.Duration
	ARPMaxAttempts   int
	ARPRetryInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ARPCacheCapacity: 128,
		ARPEntryTimeout:  15 * time.Second,
		ARPSweepInterval: 1 * time.Second,
		ARPMaxAttempts:   5,
		ARPRetryInterval: 1 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.ARPCacheCapacity <= 0 {
		return fmt.Errorf("%w: arp cache capacity must be positive", ErrInvalidConfig)
	}
	if c.ARPEntryTimeout <= 0 {
		return fmt.Errorf("%w: arp entry timeout must be positive", ErrInvalidConfig)
	}
	if c.ARPSweepInterval <= 0 {
		return fmt.Errorf("%w: arp sweep interval must be positive", ErrInvalidConfig)
	}
	if c.ARPMaxAttempts <= 0 {
		return fmt.Errorf("%w: arp max attempts must be positive", ErrInvalidConfig)
	}
	if c.ARPRetryInterval <= 0 {
		return fmt.Errorf("%w: arp retry interval must be positive", ErrInvalidConfig)
	}
	return nil
}
