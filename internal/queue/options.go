package queue

import "time"

// Options holds per-item enqueue settings.
type Options struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// Priority sets the item priority (higher = runs first).
func Priority(p int) Option {
	return optionFunc(func(o *Options) {
		o.Priority = p
	})
}

// Delay hides the item from workers for d.
func Delay(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		if d > 0 {
			o.Delay = d
		}
	})
}

// Attempts overrides the policy's maximum delivery count for one item.
func Attempts(n int) Option {
	return optionFunc(func(o *Options) {
		if n > 0 {
			o.MaxAttempts = n
		}
	})
}

func buildOptions(p Policy, opts []Option) Options {
	o := Options{MaxAttempts: p.MaxAttempts}
	for _, opt := range opts {
		if opt != nil {
			opt.Apply(&o)
		}
	}
	return o
}
