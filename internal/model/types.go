// Package model holds the learning-side data model: trained models, training
// runs, registry pointers, trade outcomes and lifecycle events.
package model

import (
	"fmt"
	"time"
)

// Horizon identifies a prediction horizon.
type Horizon string

const (
	Horizon1D  Horizon = "1D"
	Horizon7D  Horizon = "7D"
	Horizon30D Horizon = "30D"
)

// Horizons lists the horizons the lifecycle operates on.
var Horizons = []Horizon{Horizon1D, Horizon7D, Horizon30D}

// Duration returns the wall-clock length of the horizon.
func (h Horizon) Duration() time.Duration {
	switch h {
	case Horizon1D:
		return 24 * time.Hour
	case Horizon7D:
		return 7 * 24 * time.Hour
	case Horizon30D:
		return 30 * 24 * time.Hour
	}
	return 0
}

// Valid reports whether the horizon is a known value.
func (h Horizon) Valid() bool {
	return h == Horizon1D || h == Horizon7D || h == Horizon30D
}

// Algorithm identifies a training algorithm.
type Algorithm string

const (
	AlgoLogisticRegression Algorithm = "LOGISTIC_REGRESSION"
	AlgoDecisionTree       Algorithm = "DECISION_TREE"
	AlgoRandomForest       Algorithm = "RANDOM_FOREST"
	AlgoGradientBoost      Algorithm = "GRADIENT_BOOST"
)

// Status is the model lifecycle status.
type Status string

const (
	StatusTraining Status = "TRAINING"
	StatusReady    Status = "READY"
	StatusActive   Status = "ACTIVE"
	StatusShadow   Status = "SHADOW"
	StatusRetired  Status = "RETIRED"
	StatusFailed   Status = "FAILED"
)

// Class labels for dataset rows and confusion matrices.
const (
	ClassLoss    = 0
	ClassWin     = 1
	ClassNeutral = 2
	NumClasses   = 3
)

// Result is the realized direction of a trade or outcome.
type Result string

const (
	ResultWin     Result = "WIN"
	ResultLoss    Result = "LOSS"
	ResultNeutral Result = "NEUTRAL"
)

// Direction is the declared trade intent for direction-aware returns.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// ClassMetrics are per-class evaluation scores.
type ClassMetrics struct {
	Precision float64 `json:"precision" msgpack:"precision"`
	Recall    float64 `json:"recall" msgpack:"recall"`
	F1        float64 `json:"f1" msgpack:"f1"`
	Support   int     `json:"support" msgpack:"support"`
}

// Metrics holds evaluation results for one split.
type Metrics struct {
	Accuracy  float64                `json:"accuracy" msgpack:"accuracy"`
	Brier     float64                `json:"brier" msgpack:"brier"`
	AUC       *float64               `json:"auc,omitempty" msgpack:"auc,omitempty"`
	PerClass  map[int]ClassMetrics   `json:"per_class" msgpack:"per_class"`
	Confusion [NumClasses][NumClasses]int `json:"confusion" msgpack:"confusion"`
	Samples   int                    `json:"samples" msgpack:"samples"`
}

// Artifact is the serialized learned state. For logistic regression the
// per-class weight rows and biases are set; tree algorithms carry an opaque
// blob.
type Artifact struct {
	Algorithm Algorithm   `json:"algorithm" msgpack:"algorithm"`
	Weights   [][]float64 `json:"weights,omitempty" msgpack:"weights,omitempty"`
	Bias      []float64   `json:"bias,omitempty" msgpack:"bias,omitempty"`
	Blob      []byte      `json:"blob,omitempty" msgpack:"blob,omitempty"`
}

// Validate checks that the artifact shape matches its algorithm.
func (a Artifact) Validate() error {
	switch a.Algorithm {
	case AlgoLogisticRegression:
		if len(a.Weights) != NumClasses || len(a.Bias) != NumClasses {
			return fmt.Errorf("logistic artifact needs %d weight rows and biases, got %d/%d",
				NumClasses, len(a.Weights), len(a.Bias))
		}
	case AlgoDecisionTree, AlgoRandomForest, AlgoGradientBoost:
		if len(a.Blob) == 0 {
			return fmt.Errorf("%s artifact requires a serialized blob", a.Algorithm)
		}
	default:
		return fmt.Errorf("unknown algorithm %q", a.Algorithm)
	}
	return nil
}

// FeatureNorm is the per-feature standardization fit on the training split.
type FeatureNorm struct {
	Mean float64 `json:"mean" msgpack:"mean"`
	Std  float64 `json:"std" msgpack:"std"`
}

// FeatureConfig pins the feature ordering and normalization a model was
// trained with; inference must replay it exactly.
type FeatureConfig struct {
	Version  int                    `json:"version" msgpack:"version"`
	Features []string               `json:"features" msgpack:"features"`
	Norms    map[string]FeatureNorm `json:"norms" msgpack:"norms"`
}

// Thresholds convert a win probability into a direction call.
type Thresholds struct {
	Win  float64 `json:"win" msgpack:"win"`
	Loss float64 `json:"loss" msgpack:"loss"`
}

// DefaultThresholds are distinct from the labeling epsilon: they gate
// prediction confidence, not realized returns.
func DefaultThresholds() Thresholds {
	return Thresholds{Win: 0.6, Loss: 0.4}
}

// DatasetStats summarizes the rows a model was trained on.
type DatasetStats struct {
	Rows       int       `json:"rows"`
	TrainRows  int       `json:"train_rows"`
	ValRows    int       `json:"val_rows"`
	TestRows   int       `json:"test_rows"`
	ClassCount [NumClasses]int `json:"class_count"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
}

// Model is a versioned trained model for one horizon.
type Model struct {
	ID         string        `json:"id" db:"id"`
	Horizon    Horizon       `json:"horizon" db:"horizon"`
	Version    int           `json:"version" db:"version"`
	Algorithm  Algorithm     `json:"algorithm" db:"algorithm"`
	Status     Status        `json:"status" db:"status"`
	RunID      string        `json:"run_id" db:"run_id"`
	Stats      DatasetStats  `json:"dataset_stats"`
	Validation Metrics       `json:"validation"`
	Test       Metrics       `json:"test"`
	Artifact   Artifact      `json:"artifact"`
	Thresholds Thresholds    `json:"thresholds"`
	Features   FeatureConfig `json:"feature_config"`
	TrainedAt  time.Time     `json:"trained_at" db:"trained_at"`
	PromotedAt *time.Time    `json:"promoted_at,omitempty" db:"promoted_at"`
	RetiredAt  *time.Time    `json:"retired_at,omitempty" db:"retired_at"`
}

// RunState is the training run state machine.
type RunState string

const (
	RunQueued    RunState = "QUEUED"
	RunRunning   RunState = "RUNNING"
	RunCompleted RunState = "COMPLETED"
	RunFailed    RunState = "FAILED"
	RunCancelled RunState = "CANCELLED"
)

// Phase is the active step inside a RUNNING training run.
type Phase string

const (
	PhaseLoading    Phase = "LOADING"
	PhaseSplitting  Phase = "SPLITTING"
	PhaseTraining   Phase = "TRAINING"
	PhaseEvaluating Phase = "EVALUATING"
	PhaseSaving     Phase = "SAVING"
)

// Progress reports training run advancement.
type Progress struct {
	Phase   Phase   `json:"phase"`
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
}

// TrainingRun tracks one trainer invocation.
type TrainingRun struct {
	ID         string    `json:"id" db:"id"`
	Horizon    Horizon   `json:"horizon" db:"horizon"`
	Algorithm  Algorithm `json:"algorithm" db:"algorithm"`
	State      RunState  `json:"state" db:"state"`
	Progress   Progress  `json:"progress"`
	ModelID    string    `json:"model_id,omitempty" db:"model_id"`
	Error      string    `json:"error,omitempty" db:"error"`
	StartedAt  time.Time `json:"started_at" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// RegistryState is the per-horizon pointer document.
type RegistryState struct {
	Horizon        Horizon    `json:"horizon" db:"horizon"`
	ActiveModelID  string     `json:"active_model_id,omitempty" db:"active_model_id"`
	ActiveVersion  int        `json:"active_version" db:"active_version"`
	ShadowModelID  string     `json:"shadow_model_id,omitempty" db:"shadow_model_id"`
	PrevModelID    string     `json:"prev_model_id,omitempty" db:"prev_model_id"`
	PrevVersion    int        `json:"prev_version" db:"prev_version"`
	TotalVersions  int        `json:"total_versions" db:"total_versions"`
	Promotions     int        `json:"promotions" db:"promotions"`
	Rollbacks      int        `json:"rollbacks" db:"rollbacks"`
	LastPromotedAt *time.Time `json:"last_promoted_at,omitempty" db:"last_promoted_at"`
	LastRollbackAt *time.Time `json:"last_rollback_at,omitempty" db:"last_rollback_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// EventType identifies a lifecycle event.
type EventType string

const (
	EventPromoted         EventType = "PROMOTED"
	EventRolledBack       EventType = "ROLLED_BACK"
	EventShadowSet        EventType = "SHADOW_SET"
	EventShadowCleared    EventType = "SHADOW_CLEARED"
	EventKillSwitchOn     EventType = "KILL_SWITCH_ON"
	EventKillSwitchOff    EventType = "KILL_SWITCH_OFF"
	EventPromotionLockOn  EventType = "PROMOTION_LOCK_ON"
	EventPromotionLockOff EventType = "PROMOTION_LOCK_OFF"
	EventDriftChanged     EventType = "DRIFT_CHANGED"
	EventConfigUpdated    EventType = "CONFIG_UPDATED"
	EventTrainingDone     EventType = "TRAINING_DONE"
)

// HorizonGlobal marks events that are not scoped to one horizon.
const HorizonGlobal Horizon = "GLOBAL"

// Event is an append-only lifecycle record.
type Event struct {
	ID          int64          `json:"id" db:"id"`
	Type        EventType      `json:"type" db:"type"`
	Horizon     Horizon        `json:"horizon" db:"horizon"`
	FromModelID string         `json:"from_model_id,omitempty" db:"from_model_id"`
	ToModelID   string         `json:"to_model_id,omitempty" db:"to_model_id"`
	Reason      string         `json:"reason,omitempty" db:"reason"`
	Meta        map[string]any `json:"meta,omitempty"`
	Timestamp   time.Time      `json:"timestamp" db:"ts"`
}

// TradeOutcome is one realized trade used for model performance tracking.
type TradeOutcome struct {
	Timestamp time.Time `json:"timestamp" db:"ts"`
	Horizon   Horizon   `json:"horizon" db:"horizon"`
	Symbol    string    `json:"symbol" db:"symbol"`
	Direction Direction `json:"direction" db:"direction"`
	ReturnPct float64   `json:"return_pct" db:"return_pct"`
	Result    Result    `json:"result" db:"result"`
	ModelID   string    `json:"model_id" db:"model_id"`
	IsShadow  bool      `json:"is_shadow" db:"is_shadow"`
}

// MLRow is a single supervised training row. Features are strictly causal:
// every value is taken from the observation at T0.
type MLRow struct {
	ID          int64              `json:"id" db:"id"`
	Symbol      string             `json:"symbol" db:"symbol"`
	Horizon     Horizon            `json:"horizon" db:"horizon"`
	T0          time.Time          `json:"t0" db:"t0"`
	T1          time.Time          `json:"t1" db:"t1"`
	HorizonBars int                `json:"horizon_bars" db:"horizon_bars"`
	Features    map[string]float64 `json:"features"`
	Label       int                `json:"label" db:"label"`
	DataMode    string             `json:"data_mode" db:"data_mode"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
}

// ResultFromLabel maps a class label back to a Result.
func ResultFromLabel(label int) Result {
	switch label {
	case ClassWin:
		return ResultWin
	case ClassLoss:
		return ResultLoss
	default:
		return ResultNeutral
	}
}
