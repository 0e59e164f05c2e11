package backend

import "fmt"

// Dims4 is a 4D NCHW shape vector.
type Dims4 [4]int

// Profile is a dynamic-batch optimization profile: min/opt/max shapes for
// the single network input. Channel, height, and width are fixed from the
// parsed input; only the batch dimension varies.
type Profile struct {
	Min Dims4 `json:"min" yaml:"min"`
	Opt Dims4 `json:"opt" yaml:"opt"`
	Max Dims4 `json:"max" yaml:"max"`
}

// NewProfile derives a profile from the parsed input shape and the caller's
// (min, opt, max) batch triple.
//
// Arguments:
//   - inputShape: The network input's NCHW shape; only C/H/W are read.
//   - bmin: Minimum batch.
//   - bopt: Optimum batch, also the calibration batch for INT8 builds.
//   - bmax: Maximum batch.
//
// Returns:
//   - Profile: The derived profile (validate before use).
func NewProfile(inputShape []int, bmin, bopt, bmax int) Profile {
	var p Profile
	for d := 1; d < 4 && d < len(inputShape); d++ {
		p.Min[d] = inputShape[d]
		p.Opt[d] = inputShape[d]
		p.Max[d] = inputShape[d]
	}
	p.Min[0] = bmin
	p.Opt[0] = bopt
	p.Max[0] = bmax
	return p
}

// Validate enforces the profile invariant: min <= opt <= max componentwise,
// all dimensions positive, and identical C/H/W across the three shapes.
func (p Profile) Validate() error {
	for d := 0; d < 4; d++ {
		if p.Min[d] <= 0 || p.Opt[d] <= 0 || p.Max[d] <= 0 {
			return fmt.Errorf("profile dimension %d must be positive: min=%v opt=%v max=%v", d, p.Min, p.Opt, p.Max)
		}
		if p.Min[d] > p.Opt[d] || p.Opt[d] > p.Max[d] {
			return fmt.Errorf("profile is not monotonic at dimension %d: min=%v opt=%v max=%v", d, p.Min, p.Opt, p.Max)
		}
	}
	for d := 1; d < 4; d++ {
		if p.Min[d] != p.Opt[d] || p.Opt[d] != p.Max[d] {
			return fmt.Errorf("only the batch dimension may vary: min=%v opt=%v max=%v", p.Min, p.Opt, p.Max)
		}
	}
	return nil
}

// Admits reports whether a batch size falls inside the profile's range.
func (p Profile) Admits(batch int) bool {
	return batch >= p.Min[0] && batch <= p.Max[0]
}
