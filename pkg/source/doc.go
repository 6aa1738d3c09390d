// Package source imports published retention configs from a drop folder.
//
// Each .json, .yaml or .yml file in the folder holds one config document in
// the persisted shape (durations in seconds). Files whose id is the
// published config id are written into the store's config collection,
// where the config resolver picks them up exactly like a config received
// from a peer. Unchanged files are skipped. Watch re-imports the folder
// after file system changes settle.
//
// The folder can instead be a checkout of a git repository. WatchRepository
// pulls the tracked branch on an interval and re-imports when HEAD moves.
package source
