// Package swr implements a stale-while-revalidate data cache: callers
// declare interest in a resource identified by a tuple of fetch
// arguments and get back reactive streams of the latest known value,
// refreshed in the background on expiry, focus/online signals, cross
// process storage notifications, and explicit requests.
package swr
