package sequence

import (
	"strings"

	"sequencer/internal/core/apperror"
)

// ResetPeriod is the cadence at which a counter returns to its initial value.
type ResetPeriod string

const (
	ResetNever   ResetPeriod = "never"
	ResetDaily   ResetPeriod = "daily"
	ResetMonthly ResetPeriod = "monthly"
	ResetYearly  ResetPeriod = "yearly"
)

// ParseResetPeriod converts a configuration string to ResetPeriod.
func ParseResetPeriod(s string) (ResetPeriod, error) {
	switch p := ResetPeriod(strings.ToLower(strings.TrimSpace(s))); p {
	case ResetNever, ResetDaily, ResetMonthly, ResetYearly:
		return p, nil
	case "":
		return ResetNever, nil
	}
	return "", apperror.NewInvalidResetPeriod(s)
}

func (p ResetPeriod) String() string { return string(p) }

// UnmarshalText lets configuration decoders validate the value while parsing.
func (p *ResetPeriod) UnmarshalText(text []byte) error {
	v, err := ParseResetPeriod(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// GapPolicy decides what happens to voided or released numbers.
type GapPolicy string

const (
	// GapAllow never tracks gaps.
	GapAllow GapPolicy = "allow"
	// GapFill records gaps and hands them out again before advancing the counter.
	GapFill GapPolicy = "fill"
	// GapReportOnly records gaps for reporting; they are never reissued.
	GapReportOnly GapPolicy = "report-only"
)

// ParseGapPolicy converts a configuration string to GapPolicy.
func ParseGapPolicy(s string) (GapPolicy, error) {
	switch p := GapPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case GapAllow, GapFill, GapReportOnly:
		return p, nil
	case "":
		return GapAllow, nil
	}
	return "", apperror.NewInvalidGapPolicy(s)
}

func (p GapPolicy) String() string { return string(p) }

// Tracks reports whether gaps are recorded under this policy.
func (p GapPolicy) Tracks() bool {
	return p == GapFill || p == GapReportOnly
}

// UnmarshalText lets configuration decoders validate the value while parsing.
func (p *GapPolicy) UnmarshalText(text []byte) error {
	v, err := ParseGapPolicy(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// OverflowBehavior is applied when the counter no longer fits the pattern padding.
type OverflowBehavior string

const (
	OverflowThrow         OverflowBehavior = "throw"
	OverflowSwitchPattern OverflowBehavior = "switch-pattern"
	OverflowExtendPadding OverflowBehavior = "extend-padding"
)

// ParseOverflowBehavior converts a configuration string to OverflowBehavior.
func ParseOverflowBehavior(s string) (OverflowBehavior, error) {
	switch b := OverflowBehavior(strings.ToLower(strings.TrimSpace(s))); b {
	case OverflowThrow, OverflowSwitchPattern, OverflowExtendPadding:
		return b, nil
	case "":
		return OverflowThrow, nil
	}
	return "", apperror.NewInvalidOverflowBehavior(s)
}

func (b OverflowBehavior) String() string { return string(b) }

// UnmarshalText lets configuration decoders validate the value while parsing.
func (b *OverflowBehavior) UnmarshalText(text []byte) error {
	v, err := ParseOverflowBehavior(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}
