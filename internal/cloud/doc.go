// Package cloud implements the vendor cloud device directory used to
// recover rotated local keys.
//
// The directory lists the account's homes, then the devices of every home,
// and keeps the merged list in memory. Refreshes are throttled: a normal
// lookup reuses a list younger than the refresh interval (default 300s), a
// forced lookup one younger than the forced interval (default 10s).
// Concurrent refreshes are collapsed into one round of requests.
package cloud
