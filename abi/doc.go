// Package abi defines the WASI preview1 / WASIX guest-facing type surface
// used by the process emulation layer: error codes, rights bitflags, clock
// identifiers, and the flat wire layouts for poll subscriptions and events.
//
// Layouts are read from and written to guest linear memory in little-endian
// byte order, exactly as the guest's libc lays them out. The byte-level
// codecs (ParseSubscription, PutEvent) are separated from the memory-backed
// wrappers so they can be exercised without a live module.
package abi
