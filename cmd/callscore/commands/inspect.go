package commands

import (
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/mfcc"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/template"
)

// InspectResult is the output of the inspect command.
type InspectResult struct {
	File       string             `json:"file"`
	Frames     int                `json:"frames"`
	Coeffs     int                `json:"coeffs"`
	DurationMs float64            `json:"duration_ms,omitempty"`
	Meta       *template.Metadata `json:"meta,omitempty"`
	Coeff      []CoeffStats       `json:"coeff_stats"`
}

// CoeffStats summarizes one cepstral coefficient across all frames.
type CoeffStats struct {
	Index  int     `json:"index"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <file.mfc>",
	Short: "Summarize a feature cache",
	Long: `Print frame count, width, metadata (when a .meta sidecar exists) and
per-coefficient statistics of a feature cache.

Examples:
  callscore inspect features/elk_bugle.mfc
  callscore inspect features/elk_bugle.mfc --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, hasMeta, err := readFeatureFile(args[0])
		if err != nil {
			return err
		}

		result := InspectResult{
			File:   args[0],
			Frames: t.Len(),
			Coeffs: t.Width(),
			Coeff:  coeffStats(t.Frames),
		}
		if hasMeta {
			result.Meta = &t.Meta
			result.DurationMs = float64(t.Duration().Microseconds()) / 1000
		}
		return outputResult(cmd.OutOrStdout(), result)
	},
}

func coeffStats(seq mfcc.Sequence) []CoeffStats {
	width := seq.Width()
	if width == 0 {
		return nil
	}

	column := make([]float64, len(seq))
	out := make([]CoeffStats, width)
	for c := range width {
		for i, f := range seq {
			column[i] = float64(f[c])
		}
		mean, std := stat.MeanStdDev(column, nil)
		if len(column) < 2 {
			std = 0
		}
		lo, hi := column[0], column[0]
		for _, v := range column[1:] {
			lo = min(lo, v)
			hi = max(hi, v)
		}
		out[c] = CoeffStats{Index: c, Mean: mean, StdDev: std, Min: lo, Max: hi}
	}
	return out
}
