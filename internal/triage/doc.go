// Package triage provides the business boundary for complaint batch triage.
// It defines the Service (dedup, lifecycle, async dispatch), the Engine (the
// pure normalize, resolve, score, classify, escalate and rank pipeline), the
// Store interface (persistence), and the report models.
package triage
