// Package retention defines the shared types and collaborator ports of the
// eviction engine: the versioned RetentionConfig, the audit entry written for
// every run, and the interfaces to the document store, the host background
// scheduler, the device-local key-value store and the clock.
//
// # Architecture
//
// The engine is split into leaf-first subpackages:
//
//  1. window - pure no-evict window arithmetic
//  2. resolver - decides which RetentionConfig is active and emits change events
//  3. subscription - keeps each collection's live query scoped to the TTL window
//  4. executor - validates preconditions, evicts, re-scopes subscriptions, audits
//  5. scheduler - decides when a run is allowed and drives the host scheduler
//  6. audit - append-only record of every run
//  7. service - wires the above once at application start
//
// # Control Flow
//
//	config change (store observer)
//	     ↓
//	resolver.ConfigChanged ──→ subscription.HandleConfigChanged (TTL changed)
//	     ↓
//	scheduler.HandleConfigChanged → next epoch → BackgroundScheduler.Submit
//	     ↓
//	epoch reached (background task or foreground activation)
//	     ↓
//	executor.Run: preconditions → cancel subscriptions → per-collection evict
//	     ↓                         → re-register → audit entries
//	scheduler reschedules
//
// # Document Shape
//
// Published configs are stored in ConfigCollection as JSON:
//
//	{
//	  "id": {"id": "evictionConfig-published", "locationId": "store-12"},
//	  "version": 3,
//	  "evictionInterval": 86400,
//	  "ttlByCollection": {"orders": 604800},
//	  "queryTemplateByCollection": {"orders": "DELETE FROM orders WHERE json_extract(body, '$.status') = 'completed'"},
//	  "policy": {"noEvictStartSeconds": 28800, "noEvictEndSeconds": 72000},
//	  "lastUpdated": "2025-06-01T10:00:00Z"
//	}
package retention
