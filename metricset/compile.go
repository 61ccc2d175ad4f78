package metricset

import (
	"fmt"

	"github.com/c360/counterstream/errors"
	"github.com/c360/counterstream/hw"
)

// compile validates one category's registers against the platform
// allow-list and applies value masks. Any address outside the allow-list
// fails the whole compile; partial configurations are never accepted.
func compile(platform string, c Category, regs []Register) ([]hw.RegWrite, error) {
	al, ok := allowLists[platform]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown platform %q", platform),
			"metricset", "compile", "platform lookup")
	}

	out := make([]hw.RegWrite, 0, len(regs))
	for _, r := range regs {
		if !al.allows(c, r.Addr) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %#x not writable as a %s register on %s",
					errors.ErrInvalidRegister, r.Addr, c, platform),
				"metricset", "compile", "register validation")
		}
		value := r.Value
		if mask, masked := al.masked[r.Addr]; masked {
			value &= mask
		}
		out = append(out, hw.RegWrite{Addr: r.Addr, Value: value})
	}
	return out, nil
}
