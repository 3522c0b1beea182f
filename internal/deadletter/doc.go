// Package deadletter defines the dead-letter record, keeps an archive of
// every record in SQLite, and runs the consumer that fills the archive.
//
// A message is dead-lettered when its retry ceiling is reached, when its
// handler reports a permanent failure, or when it cannot be decoded at all.
// The dispatcher publishes a Record under "dlq.<original key>"; per-category
// dead-letter queues collect them and the Archive persists each one so it
// stays inspectable after the broker queue is drained.
package deadletter
