package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/engine"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/template"
)

const compareMasterID = "master"

var (
	compareMaster  string
	compareAttempt string
	compareChunk   int
	compareEvery   int
)

// CompareResult is the output of the compare command.
type CompareResult struct {
	Master     string                  `json:"master"`
	Attempt    string                  `json:"attempt"`
	SampleRate int                     `json:"sample_rate"`
	Chunk      int                     `json:"chunk"`
	Chunks     int                     `json:"chunks"`
	Realtime   engine.SimilarityResult `json:"realtime"`
	Progress   []ProgressPoint         `json:"progress,omitempty"`
	Final      engine.FinalMetrics     `json:"final"`
}

// ProgressPoint is one sample of the streaming score.
type ProgressPoint struct {
	Chunk    int     `json:"chunk"`
	Frames   int     `json:"frames"`
	Score    float64 `json:"score"`
	Reliable bool    `json:"reliable"`
}

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Score an attempt against a master call",
	Long: `Stream an attempt recording through a session chunk by chunk, then
finalize and print the refined metrics.

The master may be a WAV file or a feature cache (.mfc) produced by
'callscore build'. A cache must have been built at the attempt's rate.

Examples:
  callscore compare --master elk_bugle.wav --attempt try1.wav
  callscore compare --master elk_bugle.mfc --attempt try1.wav --chunk 512 --json
  callscore compare --master elk_bugle.wav --attempt try1.wav --every 20`,
	RunE: runCompare,
}

func init() {
	compareCmd.Flags().StringVar(&compareMaster, "master", "", "master call (.wav or .mfc)")
	compareCmd.Flags().StringVar(&compareAttempt, "attempt", "", "attempt recording (.wav)")
	compareCmd.Flags().IntVar(&compareChunk, "chunk", 1024, "samples per streamed chunk")
	compareCmd.Flags().IntVar(&compareEvery, "every", 0, "record the streaming score every N chunks (0 = off)")
	compareCmd.MarkFlagRequired("master")
	compareCmd.MarkFlagRequired("attempt")
}

func runCompare(cmd *cobra.Command, args []string) error {
	if compareChunk <= 0 {
		return fmt.Errorf("--chunk must be positive, got %d", compareChunk)
	}
	cfg, err := getConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	samples, rate, err := readWAV(compareAttempt)
	if err != nil {
		return err
	}

	engCfg := cfg.EngineConfig()
	engCfg.IdleTimeout = 0
	if d := time.Duration(len(samples)+rate) * time.Second / time.Duration(rate); d > engCfg.MaxSessionAudio {
		engCfg.MaxSessionAudio = d
	}

	master, err := loadCompareMaster(compareMaster, rate, engCfg)
	if err != nil {
		return err
	}

	lib := template.NewLibrary(rate, engCfg.BuildConfig, template.WithLibraryLogger(logger))
	lib.Add(master)

	eng, err := engine.New(engCfg, lib, engine.WithLogger(logger))
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	id, err := eng.CreateSession(rate).Get()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if err := eng.LoadMasterCall(ctx, id, compareMasterID).Err(); err != nil {
		return fmt.Errorf("load master: %w", err)
	}

	result := CompareResult{
		Master:     compareMaster,
		Attempt:    compareAttempt,
		SampleRate: rate,
		Chunk:      compareChunk,
	}

	for off := 0; off < len(samples); off += compareChunk {
		chunk := samples[off:min(off+compareChunk, len(samples))]
		if err := eng.ProcessAudioChunk(id, chunk).Err(); err != nil {
			return fmt.Errorf("chunk at sample %d: %w", off, err)
		}
		result.Chunks++

		if compareEvery > 0 && result.Chunks%compareEvery == 0 {
			st := eng.GetRealtimeSimilarityState(id).Value()
			result.Progress = append(result.Progress, ProgressPoint{
				Chunk:    result.Chunks,
				Frames:   st.FramesObserved,
				Score:    st.Score,
				Reliable: st.Reliable,
			})
			logger.Debug("Streaming score",
				slog.Int("chunk", result.Chunks),
				slog.Int("frames", st.FramesObserved),
				slog.Float64("score", st.Score),
			)
		}
	}
	result.Realtime = eng.GetRealtimeSimilarityState(id).Value()

	final, err := eng.FinalizeSessionAnalysis(ctx, id).Get()
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	result.Final = final

	return outputResult(cmd.OutOrStdout(), result)
}

// loadCompareMaster returns the master template at the attempt's rate.
func loadCompareMaster(path string, rate int, engCfg engine.Config) (*template.Template, error) {
	if strings.HasSuffix(path, template.FeatureExt) {
		t, hasMeta, err := readFeatureFile(path)
		if err != nil {
			return nil, err
		}
		if hasMeta && t.Meta.SampleRate != rate {
			return nil, fmt.Errorf("feature cache was built at %d Hz, attempt is %d Hz; rebuild with --rate %d",
				t.Meta.SampleRate, rate, rate)
		}
		t.ID = compareMasterID
		t.Meta.SampleRate = rate
		return t, nil
	}

	samples, masterRate, err := readWAV(path)
	if err != nil {
		return nil, err
	}
	return template.Build(compareMasterID, samples, masterRate, engCfg.BuildConfig(rate))
}
