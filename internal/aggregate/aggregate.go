package aggregate

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gridingest/internal/bucket"
	"gridingest/internal/record"
)

var ErrEmpty = errors.New("aggregate: no samples")

// Bucket is the samples sharing one key, in chronological order.
type Bucket struct {
	Key     record.Key
	Samples []record.RawSample
}

// Group assigns every sample to its key. Buckets come back in key order and
// samples inside a bucket are sorted by timestamp, ties keeping input order.
func Group(samples []record.RawSample, a *bucket.Assigner) ([]Bucket, error) {
	index := map[record.Key]int{}
	var out []Bucket
	for _, s := range samples {
		key, err := a.Assign(s.Timestamp)
		if err != nil {
			return nil, err
		}
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, Bucket{Key: key})
		}
		out[i].Samples = append(out[i].Samples, s)
	}
	for i := range out {
		ss := out[i].Samples
		sort.SliceStable(ss, func(a, b int) bool { return ss[a].Timestamp.Before(ss[b].Timestamp) })
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, nil
}

// Aggregate reduces one bucket to a record.
//
// A field holding any string value takes the last non-null value. Other
// fields take the mean of their non-null values, or 0.0 when every value is
// null. The mean stays an integer only when every input is an integer and the
// mean is whole.
func Aggregate(sourceKey string, b Bucket) (record.AggregatedRecord, error) {
	if len(b.Samples) == 0 {
		return record.AggregatedRecord{}, ErrEmpty
	}
	type acc struct {
		sum     float64
		n       int
		allInt  bool
		text    bool
		last    record.Value
		hasLast bool
	}
	accs := map[string]*acc{}
	for _, s := range b.Samples {
		for name, v := range s.Fields {
			a := accs[name]
			if a == nil {
				a = &acc{allInt: true}
				accs[name] = a
			}
			if v.IsNull() {
				continue
			}
			a.last, a.hasLast = v, true
			switch v.Kind() {
			case record.KindString:
				a.text = true
			case record.KindInt:
				f, _ := v.AsFloat()
				a.sum += f
				a.n++
			case record.KindFloat:
				f, _ := v.AsFloat()
				a.sum += f
				a.n++
				a.allInt = false
			}
		}
	}

	fields := make(map[string]record.Value, len(accs))
	for name, a := range accs {
		switch {
		case a.text:
			fields[name] = a.last
		case a.n == 0:
			fields[name] = record.Float(0)
		default:
			mean := a.sum / float64(a.n)
			if a.allInt && mean == math.Trunc(mean) && math.Abs(mean) < 1<<53 {
				fields[name] = record.Int(int64(mean))
			} else {
				fields[name] = record.Float(mean)
			}
		}
	}
	return record.AggregatedRecord{SourceKey: sourceKey, Key: b.Key, Fields: fields}, nil
}

// All groups and aggregates samples, returning records in key order.
func All(sourceKey string, samples []record.RawSample, a *bucket.Assigner) ([]record.AggregatedRecord, error) {
	buckets, err := Group(samples, a)
	if err != nil {
		return nil, fmt.Errorf("group: %w", err)
	}
	out := make([]record.AggregatedRecord, 0, len(buckets))
	for _, b := range buckets {
		rec, err := Aggregate(sourceKey, b)
		if err != nil {
			return nil, fmt.Errorf("bucket %s: %w", b.Key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
