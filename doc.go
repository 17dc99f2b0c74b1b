// Package smartpoll turns a non-blocking, maybe-empty poll function into two
// blocking behaviours: a one-shot wait that returns as soon as a payload is
// available, and a notification loop that invokes a handler for every payload
// until stopped. Consecutive empty polls back off geometrically up to a
// configured cap so CPU and per-call costs (cloud queue reads are priced per
// transaction) stay bounded while latency to the first payload remains small.
//
// A Driver is single-use: it permits exactly one transition out of idle, into
// either the blocking wait or the notification loop, and ends stopped. The
// queue subpackage specialises the driver over cloud message queues.
package smartpoll
