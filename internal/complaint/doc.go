// Package complaint holds the record types shared by every triage stage:
// the ingested batch, the annotated record, tiers, escalation bands and
// the per-record issues a stage can attach without failing the batch.
package complaint
