// Package state implements the local object cache fed by gateway dispatch
// events. Entities are generic (kind, id, fields) records; ApplyEvent knows
// per event name which entities to create, merge, or delete and attaches
// prior snapshots to update and delete events.
package state
