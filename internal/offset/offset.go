package offset

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Offsets maps a log partition to the next offset to consume from it.
type Offsets map[int32]int64

func (o Offsets) String() string {
	if len(o) == 0 {
		return "-"
	}

	parts := make([]string, 0, len(o))
	for _, p := range o.Partitions() {
		parts = append(parts, fmt.Sprintf("%d:%d", p, o[p]))
	}
	return strings.Join(parts, ",")
}

func Parse(s string) (Offsets, error) {
	o := Offsets{}
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return o, nil
	}

	for _, part := range strings.Split(s, ",") {
		p, n, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("offset parse: invalid format: %s", part)
		}

		partition, err := strconv.ParseInt(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("offset parse: partition: %w", err)
		}

		next, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("offset parse: offset: %w", err)
		}

		o[int32(partition)] = next
	}

	return o, nil
}

func (o Offsets) Partitions() []int32 {
	partitions := make([]int32, 0, len(o))
	for p := range o {
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
	return partitions
}

func (o Offsets) Clone() Offsets {
	c := make(Offsets, len(o))
	for p, n := range o {
		c[p] = n
	}
	return c
}

// Observe records that the message at offset has been consumed. The cursor of
// a partition never moves backwards.
func (o Offsets) Observe(partition int32, offset int64) {
	if next := offset + 1; next > o[partition] {
		o[partition] = next
	}
}

// Merge folds other into o, keeping the furthest cursor per partition.
func (o Offsets) Merge(other Offsets) {
	for p, n := range other {
		if n > o[p] {
			o[p] = n
		}
	}
}

// Covers reports whether o is at or past other on every partition of other.
func (o Offsets) Covers(other Offsets) bool {
	for p, n := range other {
		if o[p] < n {
			return false
		}
	}
	return true
}

func (o Offsets) Equal(other Offsets) bool {
	return len(o) == len(other) && o.Covers(other) && other.Covers(o)
}
