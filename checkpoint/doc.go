// Package checkpoint persists the provider's contextCSN and decides when to
// do so. Stores write the CSN vector for a naming context; the Scheduler
// triggers a write after a number of tracked operations or once an interval
// has elapsed, whichever comes first. Failed checkpoints are logged and left
// for the next trigger.
package checkpoint
