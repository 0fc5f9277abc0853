package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/perception.defaults.json"

// Profile names accepted by the pipeline.
const (
	ProfileRealtime = "realtime"
	ProfileAccuracy = "accuracy"
)

// Tracker association strategies.
const (
	AssociationGreedy    = "greedy"
	AssociationHungarian = "hungarian"
	AssociationNone      = "none"
)

// TuningConfig is the root runtime configuration. Every field is optional;
// the Get* accessors return the built-in default when a field is unset so
// partial files are safe.
type TuningConfig struct {
	// Run registry
	RunsRoot           *string  `json:"runs_root,omitempty"`
	MaxAnnotatedPerRun *int     `json:"max_annotated_per_run,omitempty"`
	EvaluationDBPath   *string  `json:"evaluation_db_path,omitempty"`
	ArtifactBucket     *string  `json:"artifact_bucket,omitempty"`
	LogFile            *string  `json:"log_file,omitempty"`
	LogLevel           *string  `json:"log_level,omitempty"`
	AllowedMediaRoots  []string `json:"allowed_media_roots,omitempty"`

	// Profiles
	RealtimeMaxSide *int     `json:"realtime_max_side,omitempty"`
	RealtimeConf    *float64 `json:"realtime_conf,omitempty"`
	RealtimeNMSIoU  *float64 `json:"realtime_nms_iou,omitempty"`
	AccuracyMaxSide *int     `json:"accuracy_max_side,omitempty"`
	AccuracyConf    *float64 `json:"accuracy_conf,omitempty"`
	AccuracyNMSIoU  *float64 `json:"accuracy_nms_iou,omitempty"`

	// Overlay
	MaskOpacity *float64 `json:"mask_opacity,omitempty"`
	JPEGQuality *int     `json:"jpeg_quality,omitempty"`

	// Providers
	ProviderTimeout    *string  `json:"provider_timeout,omitempty"` // duration string like "10s"
	ProviderRatePerSec *float64 `json:"provider_rate_per_sec,omitempty"`
	ProviderBurst      *int     `json:"provider_burst,omitempty"`

	// Tracker
	TrackerAssociation         *string  `json:"tracker_association,omitempty"`
	TrackerMinIoU              *float64 `json:"tracker_min_iou,omitempty"`
	TrackerMaxCentroidDistance *float64 `json:"tracker_max_centroid_distance,omitempty"`
	TrackerMaxMisses           *int     `json:"tracker_max_misses,omitempty"`
	TrackerHitsToConfirm       *int     `json:"tracker_hits_to_confirm,omitempty"`
	TrackerMaxTrail            *int     `json:"tracker_max_trail,omitempty"`

	// Streaming
	StreamMaxFrames *int     `json:"stream_max_frames,omitempty"`
	StreamTargetFPS *float64 `json:"stream_target_fps,omitempty"`

	// Evaluation
	EvalIoUThreshold *float64 `json:"eval_iou_threshold,omitempty"`
}

// Profile bundles the per-profile preprocessing and filtering parameters.
type Profile struct {
	Name          string  `json:"name"`
	MaxSide       int     `json:"max_side"`
	ConfThreshold float64 `json:"conf_threshold"`
	NMSIoU        float64 `json:"nms_iou"`
}

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file must have
// a .json extension and be under 1MB.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that set values are in range.
func (c *TuningConfig) Validate() error {
	if c.MaskOpacity != nil && (*c.MaskOpacity < 0 || *c.MaskOpacity > 1) {
		return fmt.Errorf("mask_opacity must be between 0 and 1, got %f", *c.MaskOpacity)
	}
	if c.JPEGQuality != nil && (*c.JPEGQuality < 1 || *c.JPEGQuality > 100) {
		return fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", *c.JPEGQuality)
	}
	for name, v := range map[string]*float64{
		"realtime_conf":      c.RealtimeConf,
		"accuracy_conf":      c.AccuracyConf,
		"realtime_nms_iou":   c.RealtimeNMSIoU,
		"accuracy_nms_iou":   c.AccuracyNMSIoU,
		"tracker_min_iou":    c.TrackerMinIoU,
		"eval_iou_threshold": c.EvalIoUThreshold,
	} {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
		}
	}
	for name, v := range map[string]*int{
		"realtime_max_side": c.RealtimeMaxSide,
		"accuracy_max_side": c.AccuracyMaxSide,
	} {
		if v != nil && *v < 32 {
			return fmt.Errorf("%s must be at least 32, got %d", name, *v)
		}
	}
	if c.MaxAnnotatedPerRun != nil && *c.MaxAnnotatedPerRun < 0 {
		return fmt.Errorf("max_annotated_per_run must be non-negative, got %d", *c.MaxAnnotatedPerRun)
	}
	if c.ProviderTimeout != nil && *c.ProviderTimeout != "" {
		if _, err := time.ParseDuration(*c.ProviderTimeout); err != nil {
			return fmt.Errorf("invalid provider_timeout '%s': %w", *c.ProviderTimeout, err)
		}
	}
	if c.ProviderRatePerSec != nil && *c.ProviderRatePerSec < 0 {
		return fmt.Errorf("provider_rate_per_sec must be non-negative, got %f", *c.ProviderRatePerSec)
	}
	if c.TrackerAssociation != nil {
		switch *c.TrackerAssociation {
		case AssociationGreedy, AssociationHungarian, AssociationNone:
		default:
			return fmt.Errorf("tracker_association must be greedy, hungarian or none, got %q", *c.TrackerAssociation)
		}
	}
	if c.TrackerMaxTrail != nil && (*c.TrackerMaxTrail < 1 || *c.TrackerMaxTrail > 10) {
		return fmt.Errorf("tracker_max_trail must be between 1 and 10, got %d", *c.TrackerMaxTrail)
	}
	if c.TrackerMaxMisses != nil && *c.TrackerMaxMisses < 0 {
		return fmt.Errorf("tracker_max_misses must be non-negative, got %d", *c.TrackerMaxMisses)
	}
	return nil
}

// ErrUnknownProfile is returned by Profile for names other than realtime
// and accuracy.
var ErrUnknownProfile = errors.New("unknown profile")

// Profile returns the named profile. Unknown names are an error.
func (c *TuningConfig) Profile(name string) (Profile, error) {
	switch name {
	case ProfileRealtime, "":
		return Profile{
			Name:          ProfileRealtime,
			MaxSide:       c.GetRealtimeMaxSide(),
			ConfThreshold: c.GetRealtimeConf(),
			NMSIoU:        c.GetRealtimeNMSIoU(),
		}, nil
	case ProfileAccuracy:
		return Profile{
			Name:          ProfileAccuracy,
			MaxSide:       c.GetAccuracyMaxSide(),
			ConfThreshold: c.GetAccuracyConf(),
			NMSIoU:        c.GetAccuracyNMSIoU(),
		}, nil
	}
	return Profile{}, fmt.Errorf("%w %q", ErrUnknownProfile, name)
}

// GetRunsRoot returns the runs_root value or the default.
func (c *TuningConfig) GetRunsRoot() string {
	if c.RunsRoot == nil || *c.RunsRoot == "" {
		return "runs"
	}
	return *c.RunsRoot
}

// GetMaxAnnotatedPerRun returns the max_annotated_per_run value or the default.
func (c *TuningConfig) GetMaxAnnotatedPerRun() int {
	if c.MaxAnnotatedPerRun == nil {
		return 3
	}
	return *c.MaxAnnotatedPerRun
}

// GetEvaluationDBPath returns the evaluation_db_path value or a file under
// the runs root.
func (c *TuningConfig) GetEvaluationDBPath() string {
	if c.EvaluationDBPath == nil || *c.EvaluationDBPath == "" {
		return filepath.Join(c.GetRunsRoot(), "evaluations.db")
	}
	return *c.EvaluationDBPath
}

// GetArtifactBucket returns the S3 bucket for artifact mirroring, or "" when
// mirroring is disabled.
func (c *TuningConfig) GetArtifactBucket() string {
	if c.ArtifactBucket == nil {
		return ""
	}
	return *c.ArtifactBucket
}

// GetLogFile returns the rotating log file path, or "" to log to stderr only.
func (c *TuningConfig) GetLogFile() string {
	if c.LogFile == nil {
		return ""
	}
	return *c.LogFile
}

// GetLogLevel returns the log_level value or the default.
func (c *TuningConfig) GetLogLevel() string {
	if c.LogLevel == nil || *c.LogLevel == "" {
		return "info"
	}
	return *c.LogLevel
}

// GetAllowedMediaRoots returns the directories video and dataset paths must
// live under. Empty means the current directory.
func (c *TuningConfig) GetAllowedMediaRoots() []string {
	if len(c.AllowedMediaRoots) == 0 {
		return []string{"."}
	}
	return c.AllowedMediaRoots
}

// GetRealtimeMaxSide returns the realtime_max_side value or the default.
func (c *TuningConfig) GetRealtimeMaxSide() int {
	if c.RealtimeMaxSide == nil {
		return 640
	}
	return *c.RealtimeMaxSide
}

// GetRealtimeConf returns the realtime_conf value or the default.
func (c *TuningConfig) GetRealtimeConf() float64 {
	if c.RealtimeConf == nil {
		return 0.25
	}
	return *c.RealtimeConf
}

// GetRealtimeNMSIoU returns the realtime_nms_iou value or the default.
func (c *TuningConfig) GetRealtimeNMSIoU() float64 {
	if c.RealtimeNMSIoU == nil {
		return 0.6
	}
	return *c.RealtimeNMSIoU
}

// GetAccuracyMaxSide returns the accuracy_max_side value or the default.
func (c *TuningConfig) GetAccuracyMaxSide() int {
	if c.AccuracyMaxSide == nil {
		return 1280
	}
	return *c.AccuracyMaxSide
}

// GetAccuracyConf returns the accuracy_conf value or the default.
func (c *TuningConfig) GetAccuracyConf() float64 {
	if c.AccuracyConf == nil {
		return 0.5
	}
	return *c.AccuracyConf
}

// GetAccuracyNMSIoU returns the accuracy_nms_iou value or the default.
func (c *TuningConfig) GetAccuracyNMSIoU() float64 {
	if c.AccuracyNMSIoU == nil {
		return 0.45
	}
	return *c.AccuracyNMSIoU
}

// GetMaskOpacity returns the mask_opacity value or the default.
func (c *TuningConfig) GetMaskOpacity() float64 {
	if c.MaskOpacity == nil {
		return 0.4
	}
	return *c.MaskOpacity
}

// GetJPEGQuality returns the jpeg_quality value or the default.
func (c *TuningConfig) GetJPEGQuality() int {
	if c.JPEGQuality == nil {
		return 85
	}
	return *c.JPEGQuality
}

// GetProviderTimeout parses and returns the provider_timeout value.
func (c *TuningConfig) GetProviderTimeout() time.Duration {
	if c.ProviderTimeout == nil || *c.ProviderTimeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(*c.ProviderTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetProviderRatePerSec returns the provider_rate_per_sec value or the
// default. Zero disables rate limiting.
func (c *TuningConfig) GetProviderRatePerSec() float64 {
	if c.ProviderRatePerSec == nil {
		return 5
	}
	return *c.ProviderRatePerSec
}

// GetProviderBurst returns the provider_burst value or the default.
func (c *TuningConfig) GetProviderBurst() int {
	if c.ProviderBurst == nil || *c.ProviderBurst < 1 {
		return 2
	}
	return *c.ProviderBurst
}

// GetTrackerAssociation returns the tracker_association value or the default.
func (c *TuningConfig) GetTrackerAssociation() string {
	if c.TrackerAssociation == nil || *c.TrackerAssociation == "" {
		return AssociationGreedy
	}
	return *c.TrackerAssociation
}

// GetTrackerMinIoU returns the tracker_min_iou value or the default.
func (c *TuningConfig) GetTrackerMinIoU() float64 {
	if c.TrackerMinIoU == nil {
		return 0.3
	}
	return *c.TrackerMinIoU
}

// GetTrackerMaxCentroidDistance returns the tracker_max_centroid_distance
// value in pixels or the default.
func (c *TuningConfig) GetTrackerMaxCentroidDistance() float64 {
	if c.TrackerMaxCentroidDistance == nil {
		return 64
	}
	return *c.TrackerMaxCentroidDistance
}

// GetTrackerMaxMisses returns the tracker_max_misses value or the default.
func (c *TuningConfig) GetTrackerMaxMisses() int {
	if c.TrackerMaxMisses == nil {
		return 5
	}
	return *c.TrackerMaxMisses
}

// GetTrackerHitsToConfirm returns the tracker_hits_to_confirm value or the default.
func (c *TuningConfig) GetTrackerHitsToConfirm() int {
	if c.TrackerHitsToConfirm == nil {
		return 3
	}
	return *c.TrackerHitsToConfirm
}

// GetTrackerMaxTrail returns the tracker_max_trail value or the default.
func (c *TuningConfig) GetTrackerMaxTrail() int {
	if c.TrackerMaxTrail == nil {
		return 10
	}
	return *c.TrackerMaxTrail
}

// GetStreamMaxFrames returns the stream_max_frames value or the default.
// Zero means unbounded.
func (c *TuningConfig) GetStreamMaxFrames() int {
	if c.StreamMaxFrames == nil {
		return 0
	}
	return *c.StreamMaxFrames
}

// GetStreamTargetFPS returns the stream_target_fps value or the default.
// Zero processes frames as fast as the providers allow.
func (c *TuningConfig) GetStreamTargetFPS() float64 {
	if c.StreamTargetFPS == nil {
		return 0
	}
	return *c.StreamTargetFPS
}

// GetEvalIoUThreshold returns the eval_iou_threshold value or the default.
func (c *TuningConfig) GetEvalIoUThreshold() float64 {
	if c.EvalIoUThreshold == nil {
		return 0.5
	}
	return *c.EvalIoUThreshold
}
