package importer

import (
	"fmt"
	"strings"
)

// Field is a canonical column name.
type Field string

const (
	FieldName       Field = "name"
	FieldPhone      Field = "phone"
	FieldNationalID Field = "cpr"
	FieldHits       Field = "hits"
	FieldLastHit    Field = "last_hit"
	FieldStatus     Field = "status"
	FieldNotes      Field = "notes"
	FieldIsWinner   Field = "is_winner"
	FieldIsFamily   Field = "is_family"
	FieldCreatedAt  Field = "created_at"
	FieldUpdatedAt  Field = "updated_at"
)

// synonyms maps each canonical field to the lower-cased header spellings seen in
// third-party exports, backups and older dumps of this system.
// Matching is exact after lower-casing and trimming.
var synonyms = []struct {
	Field Field
	Names []string
}{
	{FieldName, []string{
		"name", "full name", "full_name", "fullname", "caller name", "caller_name",
		"caller", "participant", "participant name", "participant_name",
		"contestant", "contestant name", "contestant_name",
	}},
	{FieldPhone, []string{
		"phone", "phone_number", "phone number", "phonenumber", "mobile", "mobile number",
		"mobile_number", "mobile no", "cell", "cell phone", "telephone", "contact",
		"contact number", "contact_number", "tel", "msisdn", "gsm", "gsmno",
	}},
	{FieldNationalID, []string{
		"cpr", "cpr number", "cpr_number", "cpr no", "national id", "national_id",
		"nationalid", "national id number", "id number", "id_number", "civil id", "civil_id",
		"personal number",
	}},
	{FieldHits, []string{
		"hits", "hit", "hit_count", "hit count", "hitcount", "calls", "call count",
		"call_count", "participations", "participation count", "entries",
	}},
	{FieldLastHit, []string{
		"last_hit", "last hit", "last_hit_at", "last hit at", "last call", "last_call",
		"last called", "last participation", "last_participation",
	}},
	{FieldStatus, []string{
		"status", "caller status", "caller_status", "state",
	}},
	{FieldNotes, []string{
		"notes", "note", "comments", "comment", "remarks", "remark",
	}},
	{FieldIsWinner, []string{
		"is_winner", "is winner", "winner", "won", "iswinner",
	}},
	{FieldIsFamily, []string{
		"is_family", "is family", "family", "family member", "family_member", "isfamily",
	}},
	{FieldCreatedAt, []string{
		"created_at", "created at", "created", "date", "registered at",
		"registration date", "date created", "datecreated",
	}},
	{FieldUpdatedAt, []string{
		"updated_at", "updated at", "updated", "modified", "modified at", "last updated",
	}},
}

var synonymIndex = buildSynonymIndex()

func buildSynonymIndex() map[string]Field {
	idx := make(map[string]Field)
	for _, entry := range synonyms {
		for _, name := range entry.Names {
			if _, dup := idx[name]; !dup {
				idx[name] = entry.Field
			}
		}
	}
	return idx
}

// HeaderMap resolves raw CSV headers to canonical fields.
type HeaderMap struct {
	// Headers holds the trimmed raw headers in file order.
	Headers []string
	// Warnings lists non-fatal diagnostics such as duplicate columns.
	Warnings []string

	fields  map[string]Field
	columns map[Field]string
}

// Normalize builds the HeaderMap for one import run.
// A header that matches no synonym maps to itself and is ignored downstream.
// When several headers resolve to the same field the leftmost one wins.
func Normalize(rawHeaders []string) HeaderMap {
	hm := HeaderMap{
		Headers: make([]string, 0, len(rawHeaders)),
		fields:  make(map[string]Field, len(rawHeaders)),
		columns: make(map[Field]string),
	}

	for _, raw := range rawHeaders {
		header := strings.TrimSpace(raw)
		hm.Headers = append(hm.Headers, header)

		if _, seen := hm.fields[header]; seen {
			hm.Warnings = append(hm.Warnings, fmt.Sprintf("duplicate column %q ignored", header))
			continue
		}

		field, ok := synonymIndex[strings.ToLower(header)]
		if !ok {
			hm.fields[header] = Field(header)
			continue
		}
		if owner, taken := hm.columns[field]; taken {
			hm.fields[header] = Field(header)
			hm.Warnings = append(hm.Warnings,
				fmt.Sprintf("column %q also maps to %s; using %q", header, field, owner))
			continue
		}
		hm.fields[header] = field
		hm.columns[field] = header
	}

	return hm
}

// Field returns the mapping for a raw header.
// ok is false when the header is not bound to a canonical field.
func (h HeaderMap) Field(raw string) (Field, bool) {
	header := strings.TrimSpace(raw)
	f, found := h.fields[header]
	if !found {
		return "", false
	}
	return f, h.columns[f] == header
}

// Column returns the raw header bound to a canonical field.
func (h HeaderMap) Column(f Field) (string, bool) {
	col, ok := h.columns[f]
	return col, ok
}

// Has reports whether the file carries the canonical field.
func (h HeaderMap) Has(f Field) bool {
	_, ok := h.columns[f]
	return ok
}

// Require returns a *SchemaError naming every absent field.
func (h HeaderMap) Require(fields ...Field) error {
	var missing []Field
	for _, f := range fields {
		if !h.Has(f) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return &SchemaError{Missing: missing, Headers: h.Headers}
	}
	return nil
}
