// Package sync contains the orchestration logic that moves a verified
// webhook event through deduplication, locking, identity mapping,
// conflict resolution, and the apply call to the counterpart platform.
package sync
