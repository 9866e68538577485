// Package httpcache holds the cache state machine that sits between a client
// request and the upstream. A Resolver looks an object up (following Vary
// variants, bounded by a loop cap), classifies it as fresh or stale and decides
// whether to serve it, revalidate it or treat the request as a miss. The
// LockTable collapses concurrent misses for one key into a single upstream
// fetch, ApplyConditional folds a revalidation response into the stored
// metadata, and MissWriter tees an upstream body to the client and the store
// while enforcing the size cap. Reasons for not caching travel on the request
// context via MarkNoCache.
package httpcache
