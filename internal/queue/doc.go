// Package queue holds the conversions waiting for the background worker.
// Items leave the queue in submission order.
package queue
