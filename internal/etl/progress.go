package etl

import "fmt"

// Progress carries the two optional reporting callbacks every pipeline
// operation accepts. The zero value discards everything.
type Progress struct {
	OnText    func(string)
	OnPercent func(int)
}

func (p Progress) Text(format string, args ...any) {
	if p.OnText != nil {
		p.OnText(fmt.Sprintf(format, args...))
	}
}

func (p Progress) Percent(pct int) {
	if p.OnPercent == nil {
		return
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	p.OnPercent(pct)
}

// band rescales percent values into [base, ceil] so a sub-phase reporting
// 0..100 never moves the overall percent backwards. Text passes through.
func (p Progress) band(base, ceil int) Progress {
	return Progress{
		OnText: p.OnText,
		OnPercent: func(pct int) {
			p.Percent(base + pct*(ceil-base)/100)
		},
	}
}

// textSink adapts Progress for collaborators that only take a text callback.
func (p Progress) textSink() func(string) {
	if p.OnText == nil {
		return nil
	}
	return p.OnText
}
