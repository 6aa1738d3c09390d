// Package store provides the SQLite-backed document store the eviction
// engine runs against on a device.
//
// Every collection maps to a table:
//
//	_id        TEXT PRIMARY KEY
//	locationId TEXT
//	createdOn  INTEGER  -- unix milliseconds
//	body       TEXT     -- JSON
//
// Eviction query templates are plain SQL against these tables, e.g.
//
//	DELETE FROM orders WHERE json_extract(body, '$.status') = 'completed'
//
// Named arguments (:locationId, :cutoff) are bound from the map passed to
// Execute; time.Time values are converted to unix milliseconds.
//
// Documents written on this device go through Upsert. Documents arriving
// from peers go through Ingest, which keeps a document only if an active
// subscription on the collection selects it. That is what stops an evicted
// record from being resurrected by a late peer.
package store
