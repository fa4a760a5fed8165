package optimize

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cloid/internal/common/fsutil"
)

// DefaultCalibrationDir is where calibration files live unless configured otherwise.
const DefaultCalibrationDir = "~/.llm_quantization"

// CalibrationVersion is written into every calibration file.
const CalibrationVersion = "1.0"

const calibrationSuffix = "_int8_calibration.json"

// QuantParams are the per-model tuning parameters forwarded as runtime hints.
type QuantParams struct {
	NumThread      int       `json:"num_thread"`
	NumBatch       int       `json:"num_batch"`
	CacheMode      string    `json:"cache_mode"`
	UseMMap        bool      `json:"use_mmap"`
	UseMLock       bool      `json:"use_mlock"`
	Int8           bool      `json:"int8"`
	F16            bool      `json:"f16"`
	BlockSize      int       `json:"block_size"`
	PerBlockScales []float64 `json:"per_block_scales"`
	ZeroPoints     []int     `json:"zero_points"`
}

func (p QuantParams) clone() QuantParams {
	p.PerBlockScales = append([]float64(nil), p.PerBlockScales...)
	p.ZeroPoints = append([]int(nil), p.ZeroPoints...)
	return p
}

// CalibrationRecord is the on-disk shape of one calibration file.
type CalibrationRecord struct {
	ModelName string       `json:"model_name"`
	Params    *QuantParams `json:"quant_cache"`
	Timestamp float64      `json:"timestamp"`
	Version   string       `json:"version"`
}

// CalibrationStore keeps calibration parameters per model and persists them
// as one JSON file per model under dir. Safe for concurrent use.
type CalibrationStore struct {
	dir string
	log zerolog.Logger

	mu      sync.Mutex
	records map[string]QuantParams

	cpuCount func() int
	now      func() time.Time
}

// NewCalibrationStore returns a store rooted at dir (DefaultCalibrationDir when empty).
// The directory is created lazily on first save.
func NewCalibrationStore(dir string, log zerolog.Logger) *CalibrationStore {
	if dir == "" {
		dir = DefaultCalibrationDir
	}
	return &CalibrationStore{
		dir:      dir,
		log:      log.With().Str("component", "calibration").Logger(),
		records:  make(map[string]QuantParams),
		cpuCount: runtime.NumCPU,
		now:      time.Now,
	}
}

// Dir returns the configured directory, unexpanded.
func (s *CalibrationStore) Dir() string { return s.dir }

// PathFor returns the calibration file path for model.
func (s *CalibrationStore) PathFor(model string) string {
	dir, err := fsutil.ExpandHome(s.dir)
	if err != nil {
		dir = s.dir
	}
	return filepath.Join(dir, fsutil.SafeName(model)+calibrationSuffix)
}

// DefaultParams returns the parameters used when no calibration file exists.
func (s *CalibrationStore) DefaultParams() QuantParams {
	return QuantParams{
		NumThread:      max(2, s.cpuCount()),
		NumBatch:       defaultBatchSize,
		CacheMode:      "all",
		UseMMap:        true,
		UseMLock:       true,
		Int8:           true,
		F16:            false,
		BlockSize:      quantBlockSize,
		PerBlockScales: []float64{1.0},
		ZeroPoints:     []int{0},
	}
}

// Initialize makes model calibrated: an existing, matching file is loaded;
// otherwise defaults are computed and persisted. Only a persist failure is
// returned.
func (s *CalibrationStore) Initialize(model string) error {
	if s.IsCalibrated(model) {
		return nil
	}
	path := s.PathFor(model)
	if fsutil.FileExists(path) && s.Load(model, path) {
		s.log.Debug().Str("model", model).Str("path", path).Msg("calibration loaded")
		return nil
	}
	s.mu.Lock()
	s.records[model] = s.DefaultParams()
	s.mu.Unlock()
	p, err := s.Save(model)
	if err != nil {
		return err
	}
	s.log.Info().Str("model", model).Str("path", p).Msg("calibration initialized with defaults")
	return nil
}

// Retune replaces the parameters for model and persists them.
func (s *CalibrationStore) Retune(model string, p QuantParams) (string, error) {
	s.mu.Lock()
	s.records[model] = p.clone()
	s.mu.Unlock()
	return s.Save(model)
}

// Save writes the record for model to its default path.
func (s *CalibrationStore) Save(model string) (string, error) {
	path := s.PathFor(model)
	if err := s.SaveTo(model, path); err != nil {
		return "", err
	}
	return path, nil
}

// SaveTo writes the record for model to path, creating parent directories.
func (s *CalibrationStore) SaveTo(model, path string) error {
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	p, ok := s.records[model]
	s.mu.Unlock()
	if !ok {
		return ErrModelNotCalibrated(model)
	}
	p = p.clone()
	rec := CalibrationRecord{
		ModelName: model,
		Params:    &p,
		Timestamp: float64(s.now().UnixNano()) / 1e9,
		Version:   CalibrationVersion,
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode calibration: %w", err)
	}
	if _, err := fsutil.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(path, b, 0o644); err != nil {
		return fmt.Errorf("write calibration %s: %w", path, err)
	}
	return nil
}

// Load reads path and, if it holds a valid record for model, installs it.
// Missing and malformed files yield false, as do files for another model or
// another format version.
func (s *CalibrationStore) Load(model, path string) bool {
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return false
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", path).Msg("read calibration")
		}
		return false
	}
	var rec CalibrationRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("malformed calibration file")
		return false
	}
	if rec.Params == nil {
		s.log.Warn().Str("path", path).Msg("calibration file has no quant_cache")
		return false
	}
	if rec.ModelName != model {
		s.log.Warn().Err(calibrationMismatchError{field: "model", want: model, got: rec.ModelName}).Str("path", path).Msg("ignoring calibration")
		return false
	}
	if rec.Version != CalibrationVersion {
		s.log.Warn().Err(calibrationMismatchError{field: "version", want: CalibrationVersion, got: rec.Version}).Str("path", path).Msg("ignoring calibration")
		return false
	}
	s.mu.Lock()
	s.records[model] = rec.Params.clone()
	s.mu.Unlock()
	return true
}

// Params returns a copy of the calibration for model.
func (s *CalibrationStore) Params(model string) (QuantParams, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.records[model]
	if !ok {
		return QuantParams{}, false
	}
	return p.clone(), true
}

// IsCalibrated reports whether model has an in-memory record.
func (s *CalibrationStore) IsCalibrated(model string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[model]
	return ok
}
