package maintenance

import "time"

const bytesPerMiB = 1 << 20

// FlushThresholds parameterizes FlushPerfImprovement. ThresholdMB is the
// RAM-anchored size (in MiB) past which a flush is considered urgent purely
// on size; ThresholdSecs/UpperBoundMS bound the time-based fallback below
// that size.
type FlushThresholds struct {
	ThresholdMB  float64
	ThresholdSecs float64
	UpperBoundMS float64
}

// DefaultFlushThresholds mirrors Kudu's own defaults (32 MiB anchored, two
// minutes before time pressure alone can force a flush).
func DefaultFlushThresholds() FlushThresholds {
	return FlushThresholds{ThresholdMB: 32, ThresholdSecs: 120, UpperBoundMS: 5 * 60 * 1000}
}

// FlushPerfImprovement computes the perf_improvement score for an MRS/DMS
// flush op (spec.md §4.9's pseudocode verbatim): size pressure dominates
// once ramAnchored crosses ThresholdMB, otherwise a flush only scores once
// it has sat unflushed past ThresholdSecs, with the score approaching 1.0 as
// elapsed approaches UpperBoundMS.
func FlushPerfImprovement(ramAnchored int64, elapsed time.Duration, th FlushThresholds) float64 {
	anchoredMB := float64(ramAnchored) / bytesPerMiB
	if anchoredMB >= th.ThresholdMB {
		if v := anchoredMB - th.ThresholdMB; v > 1.0 {
			return v
		}
		return 1.0
	}
	elapsedMS := float64(elapsed.Milliseconds())
	if elapsedMS > th.ThresholdSecs*1000 {
		byTime := elapsedMS / th.UpperBoundMS
		bySize := anchoredMB / th.ThresholdMB
		v := byTime
		if bySize > v {
			v = bySize
		}
		if v > 1.0 {
			return 1.0
		}
		return v
	}
	return 0
}

// DeltaCompactionPerfImprovement scores a delta minor/major compaction by
// the overlapping-delta-file "height" for the column under the most delta
// pressure and the fraction of rows touched by deletes or hot columns
// (spec.md §4.9: "a major compaction is favored when delta files dominate
// read cost for a column"). height is the count of REDO+UNDO files a read
// of that column must walk; affectedFraction is rowsAffected/totalRows.
func DeltaCompactionPerfImprovement(height int, affectedFraction float64) float64 {
	if height <= 1 {
		return 0
	}
	if affectedFraction < 0 {
		affectedFraction = 0
	}
	if affectedFraction > 1 {
		affectedFraction = 1
	}
	return float64(height-1) * (0.5 + 0.5*affectedFraction)
}
