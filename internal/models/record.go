package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Field struct {
	Key   string
	Value any
}

// Record is a column-name to value mapping that remembers insertion order.
// Uploaded spreadsheets carry arbitrary columns, and exports must keep them in
// the order the user supplied them. The zero value is an empty record.
type Record struct {
	fields []Field
	index  map[string]int
}

func NewRecord(capacity int) Record {
	return Record{
		fields: make([]Field, 0, capacity),
		index:  make(map[string]int, capacity),
	}
}

// RecordFromPairs builds a record from alternating keys and values.
func RecordFromPairs(kv ...any) Record {
	r := NewRecord(len(kv) / 2)
	for i := 0; i+1 < len(kv); i += 2 {
		r.Set(fmt.Sprint(kv[i]), kv[i+1])
	}
	return r
}

// Set stores value under key. An existing key keeps its position.
func (r *Record) Set(key string, value any) {
	if r.index == nil {
		r.index = make(map[string]int)
	}
	if i, ok := r.index[key]; ok {
		r.fields[i].Value = value
		return
	}
	r.index[key] = len(r.fields)
	r.fields = append(r.fields, Field{Key: key, Value: value})
}

func (r Record) Get(key string) (any, bool) {
	i, ok := r.index[key]
	if !ok {
		return nil, false
	}
	return r.fields[i].Value, true
}

// String returns the value under key rendered as text, or "" when absent.
func (r Record) String(key string) string {
	v, ok := r.Get(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (r Record) Len() int { return len(r.fields) }

func (r Record) Keys() []string {
	keys := make([]string, len(r.fields))
	for i, f := range r.fields {
		keys[i] = f.Key
	}
	return keys
}

func (r Record) Fields() []Field {
	out := make([]Field, len(r.fields))
	copy(out, r.fields)
	return out
}

func (r Record) Clone() Record {
	out := NewRecord(len(r.fields) + 8)
	for _, f := range r.fields {
		out.Set(f.Key, f.Value)
	}
	return out
}

func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", f.Key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a flat JSON object keeping key order. Scalar values are
// stored as their textual form; nested values keep their raw JSON text.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*r = Record{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("record: expected object, got %v", tok)
	}
	out := NewRecord(16)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("record: expected key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("record: column %q: %w", key, err)
		}
		out.Set(key, rawText(raw))
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*r = out
	return nil
}

func rawText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}
