package pack

import "math"

// Sizer computes the target pack size as the repository grows, per
// spec.md §4.6: base_size * sqrt(total_bytes_so_far / growth_factor),
// clamped to [min, max].
type Sizer struct {
	BaseSize     uint64
	GrowthFactor uint64
	Min          uint64
	Max          uint64
	Tolerance    float64 // fraction, e.g. 0.1 == ±10%
}

// DefaultSizer mirrors restic's pack-size growth curve: packs start around
// 4MiB and grow towards 128MiB as the repository accumulates data.
func DefaultSizer() Sizer {
	return Sizer{
		BaseSize:     4 * 1024 * 1024,
		GrowthFactor: 32 * 1024 * 1024 * 1024, // 32GiB
		Min:          4 * 1024 * 1024,
		Max:          128 * 1024 * 1024,
		Tolerance:    0.1,
	}
}

// TargetSize returns the target pack size given the repository's total
// byte count so far.
func (s Sizer) TargetSize(totalBytesSoFar uint64) uint64 {
	growth := float64(totalBytesSoFar) / float64(s.GrowthFactor)
	target := float64(s.BaseSize) * math.Sqrt(growth)
	size := uint64(target)
	if size < s.Min {
		size = s.Min
	}
	if size > s.Max {
		size = s.Max
	}
	return size
}

// SizeOK reports whether an existing pack's size is within tolerance of the
// target computed for totalBytesSoFar; used by prune to decide whether a
// pack needs a resize-repack.
func (s Sizer) SizeOK(existingSize, totalBytesSoFar uint64) bool {
	target := s.TargetSize(totalBytesSoFar)
	lo := float64(target) * (1 - s.Tolerance)
	hi := float64(target) * (1 + s.Tolerance)
	f := float64(existingSize)
	return f >= lo && f <= hi
}
