// Package deadletter journals inbound messages the bus could not deliver.
//
// Two kinds of entry are recorded in the dead_letters SQLite table:
//   - malformed: the payload failed envelope validation and was acknowledged
//   - handler_fault: a subscription handler returned an error or panicked
//
// Entries are diagnostics only. The bus acknowledges every delivery, so
// nothing here is ever redelivered.
//
// Journal is a messaging.Observer. It never blocks the consume loop: events
// are buffered and written by one goroutine, and dropped with a warning when
// the buffer is full.
//
// Usage:
//
//	repo := deadletter.NewSQLiteRepository(db.DB)
//	journal := deadletter.NewJournal(repo, logger, 0)
//	defer journal.Close()
//
//	sys, err := messaging.New(transport, messaging.Config{
//	    Observers: []messaging.Observer{journal},
//	})
package deadletter
