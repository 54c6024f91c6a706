package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/audio"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/template"
)

// outputResult writes v as YAML, or as indented JSON with --json. Values are
// passed through their JSON form so both outputs share field names.
func outputResult(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	if jsonOutput {
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err != nil {
			return err
		}
		buf.WriteByte('\n')
		_, err := buf.WriteTo(w)
		return err
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

// readWAV decodes a mono float32 signal and its sample rate from path.
func readWAV(path string) ([]float32, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", path, err)
	}
	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", path, err)
	}
	return samples, rate, nil
}

// readFeatureFile loads a feature cache and its optional metadata sidecar.
func readFeatureFile(path string) (*template.Template, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	frames, err := template.UnmarshalFeatures(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", path, err)
	}

	t := &template.Template{ID: featureID(path), Frames: frames}

	metaPath := strings.TrimSuffix(path, template.FeatureExt) + template.MetadataExt
	raw, err := os.ReadFile(metaPath)
	if errors.Is(err, os.ErrNotExist) {
		return t, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", metaPath, err)
	}
	if t.Meta, err = template.UnmarshalMetadata(raw); err != nil {
		return nil, false, fmt.Errorf("%s: %w", metaPath, err)
	}
	return t, true, nil
}

func featureID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), template.FeatureExt)
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
