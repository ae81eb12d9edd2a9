package labclient

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CleanOptions selects the cleaning operations. Method fields apply only when
// their switch is on.
type CleanOptions struct {
	RemoveDuplicates  bool   `yaml:"remove_duplicates" json:"remove_duplicates"`
	HandleMissing     bool   `yaml:"handle_missing" json:"handle_missing"`
	MissingMethod     string `yaml:"missing_method,omitempty" json:"missing_method,omitempty"`
	KNNNeighbors      int    `yaml:"knn_neighbors,omitempty" json:"knn_neighbors,omitempty"`
	HandleOutliers    bool   `yaml:"handle_outliers" json:"handle_outliers"`
	OutlierMethod     string `yaml:"outlier_method,omitempty" json:"outlier_method,omitempty"`
	EncodeCategorical bool   `yaml:"encode_categorical" json:"encode_categorical"`
	FeatureScaling    bool   `yaml:"feature_scaling" json:"feature_scaling"`
	ScalingMethod     string `yaml:"scaling_method,omitempty" json:"scaling_method,omitempty"`
}

// DefaultCleanOptions mirrors the worker's defaults.
func DefaultCleanOptions() CleanOptions {
	return CleanOptions{
		RemoveDuplicates:  true,
		EncodeCategorical: true,
	}
}

var (
	missingMethods = map[string]bool{"remove": true, "mean": true, "median": true, "mode": true, "knn": true}
	outlierMethods = map[string]bool{"iqr": true}
	scalingMethods = map[string]bool{"standard": true, "minmax": true, "robust": true}
)

// Validate rejects unknown method names.
func (o CleanOptions) Validate() error {
	if o.HandleMissing && o.MissingMethod != "" && !missingMethods[o.MissingMethod] {
		return fmt.Errorf("unknown missing_method %q", o.MissingMethod)
	}
	if o.HandleOutliers && o.OutlierMethod != "" && !outlierMethods[o.OutlierMethod] {
		return fmt.Errorf("unknown outlier_method %q", o.OutlierMethod)
	}
	if o.FeatureScaling && o.ScalingMethod != "" && !scalingMethods[o.ScalingMethod] {
		return fmt.Errorf("unknown scaling_method %q", o.ScalingMethod)
	}
	if o.KNNNeighbors < 0 {
		return fmt.Errorf("knn_neighbors must be positive")
	}
	return nil
}

// LoadCleanOptions reads cleaning options from a YAML (or JSON) file. Keys
// absent from the file keep DefaultCleanOptions values.
func LoadCleanOptions(path string) (CleanOptions, error) {
	opts := DefaultCleanOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read clean options: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse clean options %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return opts, fmt.Errorf("clean options %s: %w", path, err)
	}
	return opts, nil
}

// LoadHyperparameters reads a YAML (or JSON) mapping of training
// hyperparameters.
func LoadHyperparameters(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hyperparameters: %w", err)
	}
	params := map[string]any{}
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("parse hyperparameters %s: %w", path, err)
	}
	return params, nil
}
