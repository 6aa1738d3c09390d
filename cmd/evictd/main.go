// evictd keeps the local document store of a point-of-sale device within
// its retention policy.
//
// It evicts documents older than their collection TTL on a schedule that
// respects the location's no-evict window, and records every attempt in an
// audit log.
//
// Usage:
//
//	# Run the eviction daemon
//	evictd run --config /etc/evictd/config.yaml
//
//	# Evict now, ignoring the no-evict window
//	evictd evict --mode forced
//
//	# Try a draft config without touching subscriptions or the schedule
//	evictd evict --mode test --override draft.yaml --bypass-window
//
//	# Inspect and export the audit log
//	evictd audit list
//	evictd audit export --format csv -o audit.csv
//
//	# Manage retention configs
//	evictd config save-local policy.yaml
//	evictd config publish
//	evictd status
package main

import "os"

func main() {
	os.Exit(Execute())
}
