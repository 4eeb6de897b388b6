package codec

import (
	"time"

	"github.com/rrmina/tabletunnel/pkg/types"
)

// DefaultAntiqueThreshold is the earliest calendar date the warehouse
// represents without explicit opt-in.
var DefaultAntiqueThreshold = time.Date(1928, 1, 1, 0, 0, 0, 0, time.UTC)

// Options carries the decode policies threaded down from session
// configuration. The zero value gives strict defaults.
type Options struct {
	// AllowAntiqueDate permits dates before the antique threshold.
	AllowAntiqueDate bool

	// OverflowDateAsNone substitutes NULL for an overflowing date instead
	// of raising.
	OverflowDateAsNone bool

	// StringAsBinary decodes string columns as raw []byte.
	StringAsBinary bool

	// StructMode selects struct materialization; presentational only.
	StructMode types.StructMode

	// AntiqueThreshold overrides the antique date threshold when non-zero.
	AntiqueThreshold time.Time
}

func (o Options) antiqueThreshold() time.Time {
	if o.AntiqueThreshold.IsZero() {
		return DefaultAntiqueThreshold
	}
	return o.AntiqueThreshold
}
