// Package mongo provides a MongoDB-backed implementation of the dialog
// session store. Build the low-level client via
// features/session/mongo/clients/mongo and pass it to NewStore so sessions
// survive process restarts instead of living only in memory.
package mongo
