// Package cache defines the object store behind the HTTP response cache. An
// object is a metadata record (freshness window, validators, stored headers,
// Vary information) plus a body, addressed by a Key made of a namespace, a
// primary request fingerprint and an optional variance fingerprint. Three
// backends implement Store: a disk layout published through temp file + rename,
// an in-process ttlcache map and a SQLite table. Writers stay invisible until
// Finish, Abort leaves nothing behind and UpdateMeta swaps metadata without
// touching the body, so readers always observe a complete object.
package cache
