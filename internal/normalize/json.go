package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gridingest/internal/record"
)

// JSONRecords reads an array of flat objects, either at the top level, under
// DataPath (dot separated), or under a "data" key.
type JSONRecords struct {
	TimeField  string
	TimeLayout string
	DataPath   string
	Exclude    []string
	Location   *time.Location
}

func (j *JSONRecords) Normalize(in Input) ([]record.RawSample, error) {
	trimmed := bytes.TrimSpace(in.Payload)
	if len(trimmed) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, malformed("decode json: %v", err)
	}
	items, err := j.items(root)
	if err != nil {
		return nil, err
	}
	exclude := make(map[string]bool, len(j.Exclude))
	for _, e := range j.Exclude {
		exclude[e] = true
	}
	loc := j.Location
	if loc == nil {
		loc = time.UTC
	}

	out := make([]record.RawSample, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, malformed("item %d is %T, want object", i, item)
		}
		ts := in.FetchedAt
		fields := make(map[string]record.Value, len(obj))
		for k, raw := range obj {
			if exclude[k] {
				continue
			}
			if j.TimeField != "" && k == j.TimeField {
				t, err := j.parseTime(raw, in, loc)
				if err != nil {
					return nil, malformed("item %d: %v", i, err)
				}
				ts = t
				continue
			}
			v, ok := scalar(raw)
			if ok {
				fields[k] = v
			}
		}
		if len(fields) == 0 {
			continue
		}
		out = append(out, record.NewRawSample(ts, fields))
	}
	return out, nil
}

func (j *JSONRecords) items(root any) ([]any, error) {
	node := root
	if j.DataPath != "" {
		for _, part := range strings.Split(j.DataPath, ".") {
			obj, ok := node.(map[string]any)
			if !ok {
				return nil, malformed("data path %q: %q is not an object", j.DataPath, part)
			}
			node = obj[part]
		}
	} else if obj, ok := node.(map[string]any); ok {
		if data, ok := obj["data"]; ok {
			node = data
		} else {
			return []any{obj}, nil
		}
	}
	switch v := node.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	case map[string]any:
		return []any{v}, nil
	}
	return nil, malformed("expected array of objects, got %T", node)
}

func (j *JSONRecords) parseTime(raw any, in Input, loc *time.Location) (time.Time, error) {
	switch v := raw.(type) {
	case json.Number:
		sec, err := v.Int64()
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(sec, 0).In(loc), nil
	case string:
		layout := j.TimeLayout
		if layout == "" {
			layout = time.RFC3339
		}
		t, err := time.ParseInLocation(layout, strings.TrimSpace(v), loc)
		if err != nil {
			return time.Time{}, err
		}
		if t.Year() == 0 {
			// Time-of-day only; date it with the period being fetched.
			t = time.Date(in.Period.Year, in.Period.Month, in.Period.Day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
		}
		return t, nil
	case nil:
		return in.FetchedAt, nil
	}
	return time.Time{}, fmt.Errorf("unsupported time value of type %T", raw)
}

func scalar(raw any) (record.Value, bool) {
	switch v := raw.(type) {
	case string:
		return record.ParseLoose(v), true
	case map[string]any, []any:
		return record.Value{}, false
	}
	val, err := record.FromAny(raw)
	if err != nil {
		return record.Value{}, false
	}
	return val, true
}
