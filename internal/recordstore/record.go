package recordstore

// Record is the wire shape of a record-store row: every field is wrapped
// in an envelope carrying its value (and, on reads, its type).
type Record map[string]Field

type Field struct {
	Type  string `json:"type,omitempty"`
	Value any    `json:"value"`
}

type Attachment struct {
	FileKey     string
	Name        string
	ContentType string
}

// Text builds a plain text field for an update payload.
func Text(v string) Field {
	return Field{Value: v}
}

// Table builds a subtable field for an update payload. Row ids are
// omitted, which replaces the whole table on write.
func Table(rows []Record) Field {
	wrapped := make([]any, 0, len(rows))
	for _, row := range rows {
		wrapped = append(wrapped, map[string]any{"value": row})
	}
	return Field{Value: wrapped}
}

// String returns the field value as a string, or "" when absent or not
// string-valued.
func (r Record) String(key string) string {
	f, ok := r[key]
	if !ok {
		return ""
	}
	s, _ := f.Value.(string)
	return s
}

// Rows returns the decoded rows of a subtable field.
func (r Record) Rows(key string) []Record {
	f, ok := r[key]
	if !ok {
		return nil
	}
	list, ok := f.Value.([]any)
	if !ok {
		return nil
	}
	rows := make([]Record, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		inner, ok := m["value"].(map[string]any)
		if !ok {
			continue
		}
		row := make(Record, len(inner))
		for k, fv := range inner {
			fm, ok := fv.(map[string]any)
			if !ok {
				continue
			}
			t, _ := fm["type"].(string)
			row[k] = Field{Type: t, Value: fm["value"]}
		}
		rows = append(rows, row)
	}
	return rows
}

// Attachments returns the file attachments of a file field.
func (r Record) Attachments(key string) []Attachment {
	f, ok := r[key]
	if !ok {
		return nil
	}
	list, ok := f.Value.([]any)
	if !ok {
		return nil
	}
	out := make([]Attachment, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		a := Attachment{}
		a.FileKey, _ = m["fileKey"].(string)
		a.Name, _ = m["name"].(string)
		a.ContentType, _ = m["contentType"].(string)
		if a.FileKey != "" {
			out = append(out, a)
		}
	}
	return out
}
