package complaint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Canonical input field names.
const (
	FieldID          = "id"
	FieldObservation = "observation"
	FieldCreated     = "creation_timestamp"
	FieldStatus      = "lifecycle_status"
)

// fieldAliases lists accepted column headers per field, matched
// case-insensitively after trimming. First alias present wins.
var fieldAliases = map[string][]string{
	FieldID:          {"id", "complaint id", "incident id", "complaint_id"},
	FieldObservation: {"observation", "observations", "complaint"},
	FieldCreated:     {"creation_timestamp", "creation date", "created", "created_at", "date"},
	FieldStatus:      {"lifecycle_status", "incident status", "status"},
}

// SchemaError reports a required input column that is absent from a batch.
// It is fatal to the batch.
type SchemaError struct {
	Field string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema: required field %q is missing", e.Field)
}

// Row is one ingested record keyed by column header.
type Row map[string]string

// Batch is an ordered set of ingested rows. Columns declares the schema;
// when empty it is inferred from the union of row keys.
type Batch struct {
	Columns []string `json:"columns,omitempty"`
	Rows    []Row    `json:"rows"`
}

// Schema maps canonical fields to the column headers used by a batch.
// An empty value means the batch does not carry that field.
type Schema struct {
	ID          string
	Observation string
	Created     string
	Status      string
}

// HasCreated reports whether the batch carries creation timestamps.
func (s Schema) HasCreated() bool { return s.Created != "" }

// HasStatus reports whether the batch carries lifecycle status.
func (s Schema) HasStatus() bool { return s.Status != "" }

func (b *Batch) columns() []string {
	if len(b.Columns) > 0 {
		return b.Columns
	}
	seen := make(map[string]struct{})
	var cols []string
	for _, row := range b.Rows {
		for k := range row {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			cols = append(cols, k)
		}
	}
	sort.Strings(cols)
	return cols
}

// Schema resolves the batch columns to canonical fields. A batch without an
// observation column fails with *SchemaError.
func (b *Batch) Schema() (Schema, error) {
	byKey := make(map[string]string)
	for _, c := range b.columns() {
		k := strings.ToLower(strings.TrimSpace(c))
		if _, ok := byKey[k]; !ok {
			byKey[k] = c
		}
	}
	pick := func(field string) string {
		for _, alias := range fieldAliases[field] {
			if col, ok := byKey[alias]; ok {
				return col
			}
		}
		return ""
	}

	s := Schema{
		ID:          pick(FieldID),
		Observation: pick(FieldObservation),
		Created:     pick(FieldCreated),
		Status:      pick(FieldStatus),
	}
	if s.Observation == "" {
		return Schema{}, &SchemaError{Field: FieldObservation}
	}
	return s, nil
}

// Records converts the batch rows into pipeline records in input order.
// newID is called for rows that carry no id of their own.
func (b *Batch) Records(newID func() string) ([]*Record, Schema, error) {
	schema, err := b.Schema()
	if err != nil {
		return nil, Schema{}, err
	}

	out := make([]*Record, 0, len(b.Rows))
	for _, row := range b.Rows {
		r := &Record{
			Observation: row[schema.Observation],
			Component:   UnknownComponent,
			ResolvedBy:  ResolvedByNone,
			Band:        BandUnknown,
		}
		if schema.ID != "" {
			r.ID = strings.TrimSpace(row[schema.ID])
		}
		if r.ID == "" && newID != nil {
			r.ID = newID()
		}
		if schema.Created != "" {
			r.CreatedRaw = strings.TrimSpace(row[schema.Created])
		}
		if schema.Status != "" {
			r.Status = strings.TrimSpace(row[schema.Status])
		}
		out = append(out, r)
	}
	return out, schema, nil
}

// Fingerprint returns a stable digest of the batch content. Two batches with
// the same columns and the same rows in the same order share a fingerprint.
func (b *Batch) Fingerprint() string {
	cols := b.columns()
	h := sha256.New()
	for _, c := range cols {
		h.Write([]byte(c))
		h.Write([]byte{0x1f})
	}
	for _, row := range b.Rows {
		h.Write([]byte{0x1e})
		for _, c := range cols {
			h.Write([]byte(row[c]))
			h.Write([]byte{0x1f})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
