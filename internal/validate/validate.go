// Package validate implements the IPv4/port/chance/delay-time validation
// rules of the external interface: the only checks that gate startup flags
// and control-channel SET commands before the rest of the system ever sees
// a value.
package validate

import (
	"fmt"
	"strconv"
	"strings"
)

// IPv4 requires four dot-separated octets each in 0..255.
func IPv4(s string) error {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return fmt.Errorf("validate.IPv4(%s): expected four dot-separated octets", s)
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return fmt.Errorf("validate.IPv4(%s): malformed octet %q", s, p)
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return fmt.Errorf("validate.IPv4(%s): non-digit octet %q", s, p)
			}
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return fmt.Errorf("validate.IPv4(%s): octet %q out of range 0..255", s, p)
		}
	}
	return nil
}

// Port requires an integer in 1..65535. Ports below 1024 are accepted but
// reported via the second return value since they conventionally require
// elevated privilege to bind.
func Port(s string) (privileged bool, err error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return false, fmt.Errorf("validate.Port(%s): not an integer", s)
	}
	if n < 1 || n > 65535 {
		return false, fmt.Errorf("validate.Port(%s): out of range 1..65535", s)
	}
	return n < 1024, nil
}

// Chance requires a decimal in [0.0, 1.0].
func Chance(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("validate.Chance(%s): not a decimal number", s)
	}
	if !(v >= 0.0 && v <= 1.0) {
		return 0, fmt.Errorf("validate.Chance(%s): out of range [0.0, 1.0]", s)
	}
	return v, nil
}

// DelayTime requires "N" (treated as [N, N]) or "N-M" with 0 <= N <= M, in
// milliseconds.
func DelayTime(s string) (min, max int, err error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		n, convErr := strconv.Atoi(s)
		if convErr != nil || n < 0 {
			return 0, 0, fmt.Errorf("validate.DelayTime(%s): expected a non-negative integer or N-M range", s)
		}
		return n, n, nil
	}
	loN, loErr := strconv.Atoi(lo)
	hiN, hiErr := strconv.Atoi(hi)
	if loErr != nil || hiErr != nil || loN < 0 || hiN < loN {
		return 0, 0, fmt.Errorf("validate.DelayTime(%s): expected 0 <= N <= M", s)
	}
	return loN, hiN, nil
}
