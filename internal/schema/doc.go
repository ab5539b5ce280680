// Package schema defines the record types moved through the crewsync
// offline-first sync engine.
//
// # Overview
//
// Five collections are synchronized between the Local Store, the remote
// store and peer contexts on the same device:
//
//	staff             -> *Staff
//	teams             -> *Team
//	team_members      -> *TeamMember      (unique per team_id + staff_id)
//	tasks             -> *Task
//	task_assignments  -> *TaskAssignment  (unique per task_id + staff_id)
//
// Every record implements Record and embeds SyncMeta, which carries the
// offline/sync stamps maintained by the store.
//
// # Identifiers
//
// Records created without connectivity receive a temporary id minted by an
// IDGenerator (prefix "offline_"). Once the remote store acknowledges the
// create, the record is re-keyed under the canonical id returned by the
// server and every foreign key pointing at the temporary id is rebound.
//
//	task := &schema.Task{Title: "Inspect generator"}
//	task.SetRecordID(schema.DefaultIDGenerator.NewTempID())
//	schema.IsTempID(task.ID) // true
//
// # Tagged union
//
// Payloads crossing the sync queue or the cross-context channel are decoded
// with Decode, which switches exhaustively over Collection:
//
//	rec, err := schema.Decode(schema.CollectionTasks, data)
//	task := rec.(*schema.Task)
//
// # Timestamps
//
// ModifiedAt is the single timestamp used for last-write-wins comparisons.
// For staff, teams and tasks it is updated_at; join records (team members,
// task assignments) have no updated_at and use lastSyncedAt.
package schema
