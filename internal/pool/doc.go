// Package pool implements the C5 channel pool & router: per-route
// selection of a SIGNED_ON Channel among a primary and its failover
// siblings, with periodic growth up to a configured ceiling and
// retirement of Channels that keep failing sign-on. Growth happens on
// the maintenance tick only; Acquire never adds a Channel.
package pool
