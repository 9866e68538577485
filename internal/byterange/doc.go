// Package byterange implements HTTP Range negotiation for responses served by
// the cache. Negotiate turns a request's Range and If-Range headers into a
// None, Single, Multi or Invalid decision, Rewrite adjusts the status line and
// headers (206, 416, multipart/byteranges), and Filter slices a sequential body
// stream into exactly the requested bytes, framing multipart parts as it goes.
package byterange
