package importer

import (
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/nonsonwune/callers_db/models"
)

// Row is one CSV record keyed by raw header.
type Row map[string]string

// CanonicalRecord is a mapped row ready for identity resolution.
type CanonicalRecord struct {
	models.Caller

	provided map[Field]bool
}

// Provided reports whether the row carried a non-blank value for f.
func (r CanonicalRecord) Provided(f Field) bool {
	return r.provided[f]
}

// MapperOptions configures row mapping.
type MapperOptions struct {
	// RequireNationalID makes cpr mandatory (strict import mode).
	RequireNationalID bool
	Now               func() time.Time
	Logger            *slog.Logger
}

// Mapper converts raw rows to canonical records.
type Mapper struct {
	requireNationalID bool
	now               func() time.Time
	log               *slog.Logger
}

func NewMapper(opts MapperOptions) *Mapper {
	m := &Mapper{
		requireNationalID: opts.RequireNationalID,
		now:               opts.Now,
		log:               opts.Logger,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// RequiredFields lists the canonical fields every row must carry.
func (m *Mapper) RequiredFields() []Field {
	if m.requireNationalID {
		return []Field{FieldName, FieldPhone, FieldNationalID}
	}
	return []Field{FieldName, FieldPhone}
}

// MapRow projects row through hm and coerces every field.
// A non-nil SkipReason means the row must not be written.
func (m *Mapper) MapRow(row Row, hm HeaderMap) (CanonicalRecord, *SkipReason) {
	values := project(row, hm)

	for _, f := range m.RequiredFields() {
		if values[f] == "" {
			return CanonicalRecord{}, &SkipReason{Kind: SkipMissingField, Field: f}
		}
	}

	phone := values[FieldPhone]
	if n := len([]rune(phone)); n > models.MaxPhoneLength {
		return CanonicalRecord{}, &SkipReason{
			Kind:   SkipFieldTooLong,
			Field:  FieldPhone,
			Detail: strconv.Itoa(n) + " characters",
		}
	}

	now := m.now().UTC()
	rec := CanonicalRecord{
		Caller: models.Caller{
			Name:       values[FieldName],
			Phone:      phone,
			NationalID: truncate(values[FieldNationalID], models.MaxNationalIDLength),
			Hits:       parseHits(values[FieldHits]),
			Notes:      values[FieldNotes],
			IsWinner:   parseBool(values[FieldIsWinner]),
			IsFamily:   parseBool(values[FieldIsFamily]),
		},
		provided: make(map[Field]bool, len(values)),
	}
	for f, v := range values {
		if v != "" {
			rec.provided[f] = true
		}
	}

	status, ok := models.ParseStatus(values[FieldStatus])
	if !ok && values[FieldStatus] != "" {
		m.log.Debug("unknown status, using active", "phone", phone, "status", values[FieldStatus])
		delete(rec.provided, FieldStatus)
	}
	rec.Status = status

	if v := values[FieldLastHit]; v != "" {
		t := m.parseTime(FieldLastHit, v, phone, now)
		rec.LastHitAt = &t
	}
	rec.CreatedAt = now
	if v := values[FieldCreatedAt]; v != "" {
		rec.CreatedAt = m.parseTime(FieldCreatedAt, v, phone, now)
	}
	rec.UpdatedAt = now
	if v := values[FieldUpdatedAt]; v != "" {
		rec.UpdatedAt = m.parseTime(FieldUpdatedAt, v, phone, now)
	}

	return rec, nil
}

// project keeps the values of headers bound to canonical fields, trimmed.
func project(row Row, hm HeaderMap) map[Field]string {
	values := make(map[Field]string, len(row))
	for raw, v := range row {
		f, ok := hm.Field(raw)
		if !ok {
			continue
		}
		values[f] = strings.TrimSpace(v)
	}
	return values
}

// parseTime falls back to now rather than rejecting the row.
func (m *Mapper) parseTime(f Field, v, phone string, now time.Time) time.Time {
	t, err := dateparse.ParseIn(v, time.UTC)
	if err != nil {
		m.log.Debug("unparseable date, using now", "field", f, "value", v, "phone", phone)
		return now
	}
	return t.UTC()
}

// parseBool accepts true/yes/y/1 and any non-zero number.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "true", "yes", "y", "1":
		return true
	case "":
		return false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return false
	}
	return f != 0
}

// parseHits returns 0 for blank, non-numeric or negative input.
func parseHits(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || math.IsNaN(f) || f > math.MaxInt32 {
			return 0
		}
		n = int(f)
	}
	if n < 0 || n > math.MaxInt32 {
		return 0
	}
	return n
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
