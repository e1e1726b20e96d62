package atlas

import "strconv"

// Quality is the fidelity used for atlas-backed images while a growth
// request is pending. Levels are ordered from best to worst.
type Quality uint8

const (
	// QualityFull renders images at their natural size.
	QualityFull Quality = iota
	// QualityScale2 renders images at half resolution.
	QualityScale2
	// QualityScale4 renders images at quarter resolution.
	QualityScale4
	// QualityScale8 renders images at one eighth resolution.
	QualityScale8
	// QualitySuppressed omits images entirely.
	QualitySuppressed
)

// String returns the name of the quality level.
func (q Quality) String() string {
	switch q {
	case QualityFull:
		return "full"
	case QualityScale2:
		return "scale(2)"
	case QualityScale4:
		return "scale(4)"
	case QualityScale8:
		return "scale(8)"
	case QualitySuppressed:
		return "suppressed"
	default:
		return "quality(" + strconv.Itoa(int(q)) + ")"
	}
}

// Scale returns the downscale divisor for the level: 1 for Full, 2, 4 and
// 8 for the scaled levels, and 0 for Suppressed.
func (q Quality) Scale() int {
	switch q {
	case QualityFull:
		return 1
	case QualityScale2:
		return 2
	case QualityScale4:
		return 4
	case QualityScale8:
		return 8
	default:
		return 0
	}
}

// Next returns the next lower level. Suppressed is its own successor.
func (q Quality) Next() Quality {
	if q >= QualitySuppressed {
		return QualitySuppressed
	}
	return q + 1
}

// Suppressed reports whether images are omitted at this level.
func (q Quality) Suppressed() bool {
	return q >= QualitySuppressed
}
