package sift

import (
	"fmt"
	"strconv"
	"strings"
)

// Params are the detection constants. Scales, BorderDist and the
// refinement, orientation and descriptor constants are compiled into the
// programs; the thresholds are passed per dispatch.
type Params struct {
	Scales         int     `json:"scales" yaml:"scales"`
	BorderDist     int     `json:"borderDist" yaml:"borderDist"`
	PeakThresh     float32 `json:"peakThresh" yaml:"peakThresh"`
	EdgeThresh     float32 `json:"edgeThresh" yaml:"edgeThresh"`
	EdgeThresh0    float32 `json:"edgeThresh0" yaml:"edgeThresh0"`
	OriSigma       float32 `json:"oriSigma" yaml:"oriSigma"`
	OriHistThresh  float32 `json:"oriHistThresh" yaml:"oriHistThresh"`
	MagFactor      float32 `json:"magFactor" yaml:"magFactor"`
	MaxIndexVal    float32 `json:"maxIndexVal" yaml:"maxIndexVal"`
	DoubleImSize   bool    `json:"doubleImSize" yaml:"doubleImSize"`
	MaxInterpMoves int     `json:"maxInterpMoves" yaml:"maxInterpMoves"`
	MaxOffset      float32 `json:"maxOffset" yaml:"maxOffset"`
}

// DefaultParams returns Lowe's constants for images normalized to [0, 255].
func DefaultParams() Params {
	return Params{
		Scales:         3,
		BorderDist:     5,
		PeakThresh:     255 * 0.04 / 3,
		EdgeThresh:     0.06,
		EdgeThresh0:    0.08,
		OriSigma:       1.5,
		OriHistThresh:  0.8,
		MagFactor:      3,
		MaxIndexVal:    0.2,
		MaxInterpMoves: 5,
		MaxOffset:      1.0,
	}
}

// Validate rejects values the kernels cannot work with.
func (p Params) Validate() error {
	switch {
	case p.Scales < 1:
		return fmt.Errorf("scales must be >= 1, got %d", p.Scales)
	case p.BorderDist < 1:
		return fmt.Errorf("border distance must be >= 1, got %d", p.BorderDist)
	case p.PeakThresh < 0:
		return fmt.Errorf("peak threshold must be >= 0, got %g", p.PeakThresh)
	case p.EdgeThresh < 0 || p.EdgeThresh0 < 0:
		return fmt.Errorf("edge thresholds must be >= 0, got %g/%g", p.EdgeThresh0, p.EdgeThresh)
	case p.OriSigma <= 0:
		return fmt.Errorf("orientation sigma must be > 0, got %g", p.OriSigma)
	case p.OriHistThresh <= 0 || p.OriHistThresh > 1:
		return fmt.Errorf("orientation histogram threshold must be in (0, 1], got %g", p.OriHistThresh)
	case p.MagFactor <= 0:
		return fmt.Errorf("magnification factor must be > 0, got %g", p.MagFactor)
	case p.MaxIndexVal <= 0 || p.MaxIndexVal > 1:
		return fmt.Errorf("descriptor clip value must be in (0, 1], got %g", p.MaxIndexVal)
	case p.MaxInterpMoves < 0:
		return fmt.Errorf("interpolation moves must be >= 0, got %d", p.MaxInterpMoves)
	case p.MaxOffset <= 0:
		return fmt.Errorf("max offset must be > 0, got %g", p.MaxOffset)
	}
	return nil
}

// defines renders the compile-time constants as -D options.
func (p Params) defines() string {
	var b strings.Builder
	def := func(name, value string) {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("-D" + name + "=" + value)
	}
	float := func(v float32) string {
		s := strconv.FormatFloat(float64(v), 'f', -1, 32)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s + "f"
	}
	def("SCALES", strconv.Itoa(p.Scales))
	def("BORDER_DIST", strconv.Itoa(p.BorderDist))
	def("MAX_INTERP_MOVES", strconv.Itoa(p.MaxInterpMoves))
	def("MAX_OFFSET", float(p.MaxOffset))
	def("ORI_HIST_THRESH", float(p.OriHistThresh))
	def("MAG_FACTOR", float(p.MagFactor))
	def("MAX_INDEX_VAL", float(p.MaxIndexVal))
	return b.String()
}

// priorSigma is the blur assumed to be present in the input.
func (p Params) priorSigma() float32 {
	if p.DoubleImSize {
		return 1.0
	}
	return 0.5
}
