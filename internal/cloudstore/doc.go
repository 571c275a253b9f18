// Package cloudstore keeps keyed values in sync with a remote.Store.
//
// An Engine binds handles to the current identity. Each Handle owns one
// value for one logical key and moves through a small state machine:
//
//	Loading --remote found / not found--> Ready
//	Loading --remote error--------------> Error (value from local cache or initial)
//	Ready|Error --Set/Update------------> Ready (OptimisticWrite)
//	Ready|Error --change feed-----------> Ready (RealtimePush)
//	any --identity change---------------> Loading
//
// The value is always defined: before anything is loaded it is the initial
// value passed to Open.
//
// Writes apply in three steps: the in-memory state, the local cache, then a
// remote upsert on a background goroutine represented by a WriteTask. The
// change feed is not filtered for self-originated writes, so a handle may
// briefly show an older pushed value after its own optimistic write before
// the echo of that write arrives.
//
// Example:
//
//	engine := cloudstore.New(session, store, cache)
//	if err := engine.Start(); err != nil {
//	    return err
//	}
//	defer engine.Close()
//
//	students := cloudstore.Open(engine, "students", []records.Student{})
//	defer students.Close()
//	task, err := students.Update(ctx, func(cur []records.Student) []records.Student {
//	    return append(cur, s)
//	})
package cloudstore
