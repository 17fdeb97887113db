package ingest

// FieldMap maps a canonical field name to the ordered list of registry keys
// that may carry it. The first key holding a non-blank value wins, so schema
// drift in a registry is handled by editing the table, not the normalizer.
type FieldMap map[string][]string

// Merge returns a copy of m where every canonical field present in override
// replaces the default candidate list.
func (m FieldMap) Merge(override FieldMap) FieldMap {
	out := make(FieldMap, len(m)+len(override))
	for k, v := range m {
		out[k] = append([]string(nil), v...)
	}
	for k, v := range override {
		if len(v) == 0 {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Resolve looks up canonical field in item. Candidate keys may be dotted
// paths into nested objects.
func (m FieldMap) Resolve(item map[string]any, field string) any {
	for _, key := range m[field] {
		v, ok := lookupPath(item, key)
		if !ok || isBlank(v) {
			continue
		}
		return v
	}
	return nil
}

// fieldReader binds a FieldMap to a single raw item.
type fieldReader struct {
	fields FieldMap
	item   map[string]any
}

func (r fieldReader) raw(field string) any { return r.fields.Resolve(r.item, field) }
func (r fieldReader) text(field string) *string { return ToText(r.raw(field)) }
func (r fieldReader) integer(field string) *int { return ToInt(r.raw(field)) }
func (r fieldReader) coord(field string) *float64 { return ToCoordinate(r.raw(field)) }
func (r fieldReader) boolean(field string) *bool { return ToBool(r.raw(field)) }
func (r fieldReader) date(field string) *string { return ToDate(r.raw(field)) }
func (r fieldReader) status(field string) *string { return NormalizeStatus(r.raw(field)) }
func (r fieldReader) identity(field string) string { return NormalizeText(rawString(r.raw(field))) }
