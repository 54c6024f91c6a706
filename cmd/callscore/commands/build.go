package commands

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/template"
)

var (
	buildIn   string
	buildOut  string
	buildRate int
)

// BuildResult is the output of the build command.
type BuildResult struct {
	Output   string            `json:"output"`
	Metadata string            `json:"metadata"`
	Frames   int               `json:"frames"`
	Coeffs   int               `json:"coeffs"`
	Meta     template.Metadata `json:"meta"`
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a master call feature cache",
	Long: `Decode a master call WAV, trim it to the detected call, extract MFCC
frames and write the feature cache plus its metadata sidecar.

The cache is built at the WAV's own rate unless --rate is given. The
service looks for "<id>.mfc" at its canonical rate and "<id>.<rate>.mfc"
for other session rates.

Examples:
  callscore build --in elk_bugle.wav
  callscore build --in elk_bugle.wav --out features/elk_bugle.mfc
  callscore build --in elk_bugle.wav --rate 16000 --out features/elk_bugle.16000.mfc`,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringVar(&buildIn, "in", "", "master call WAV file")
	buildCmd.Flags().StringVar(&buildOut, "out", "", "feature cache path (default: input with .mfc extension)")
	buildCmd.Flags().IntVar(&buildRate, "rate", 0, "sample rate to build at (default: the WAV's rate)")
	buildCmd.MarkFlagRequired("in")
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := getConfig()
	if err != nil {
		return err
	}

	samples, rate, err := readWAV(buildIn)
	if err != nil {
		return err
	}
	target := rate
	if buildRate > 0 {
		target = buildRate
	}

	out := buildOut
	if out == "" {
		out = strings.TrimSuffix(buildIn, filepath.Ext(buildIn)) + template.FeatureExt
	}
	if !strings.HasSuffix(out, template.FeatureExt) {
		return fmt.Errorf("output %q must end in %s", out, template.FeatureExt)
	}

	id := featureID(out)
	t, err := template.Build(id, samples, rate, cfg.EngineConfig().BuildConfig(target))
	if err != nil {
		return err
	}
	t.Meta.Source = filepath.Base(buildIn)

	features, err := template.MarshalFeatures(t.Frames)
	if err != nil {
		return err
	}
	meta, err := template.MarshalMetadata(t.Meta)
	if err != nil {
		return err
	}

	metaPath := strings.TrimSuffix(out, template.FeatureExt) + template.MetadataExt
	if err := writeFile(out, features); err != nil {
		return err
	}
	if err := writeFile(metaPath, meta); err != nil {
		return err
	}

	return outputResult(cmd.OutOrStdout(), BuildResult{
		Output:   out,
		Metadata: metaPath,
		Frames:   t.Len(),
		Coeffs:   t.Width(),
		Meta:     t.Meta,
	})
}
