package executor

import "time"

// Span is a [Min, Max] jitter range.
type Span struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

// Timing holds the humanization ranges and per-step timeouts.
type Timing struct {
	// BeforeClick precedes every click-like interaction.
	BeforeClick Span `yaml:"before_click"`
	// AfterScroll follows every scroll.
	AfterScroll Span `yaml:"after_scroll"`
	// Between separates two actions of one job.
	Between Span `yaml:"between"`

	// DOM bounds one element wait and one compose-to-submit attempt.
	DOM time.Duration `yaml:"dom"`
	// Profile bounds the profile shell render in ViewProfiles.
	Profile time.Duration `yaml:"profile"`
	// TextGen bounds one text generator call.
	TextGen time.Duration `yaml:"textgen"`
	// MaxRateWait is the longest per-minute/hour quota wait slept in
	// place. Longer waits end the job early.
	MaxRateWait time.Duration `yaml:"max_rate_wait"`
	// ScrollStep is the scroll distance in pixels when looking for more
	// posts.
	ScrollStep int `yaml:"scroll_step"`
}

// DefaultTiming returns the production ranges.
func DefaultTiming() Timing {
	return Timing{
		BeforeClick: Span{time.Second, 3 * time.Second},
		AfterScroll: Span{2 * time.Second, 4 * time.Second},
		Between:     Span{3 * time.Second, 7 * time.Second},
		DOM:         15 * time.Second,
		Profile:     10 * time.Second,
		TextGen:     20 * time.Second,
		MaxRateWait: 2 * time.Minute,
		ScrollStep:  800,
	}
}

// Merge fills zero fields of t from def.
func (t Timing) Merge(def Timing) Timing {
	span := func(v *Span, d Span) {
		if v.Min <= 0 && v.Max <= 0 {
			*v = d
		}
	}
	dur := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	span(&t.BeforeClick, def.BeforeClick)
	span(&t.AfterScroll, def.AfterScroll)
	span(&t.Between, def.Between)
	dur(&t.DOM, def.DOM)
	dur(&t.Profile, def.Profile)
	dur(&t.TextGen, def.TextGen)
	dur(&t.MaxRateWait, def.MaxRateWait)
	if t.ScrollStep <= 0 {
		t.ScrollStep = def.ScrollStep
	}
	return t
}
