package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/remi71350-droid/perception-lab/internal/evaluation"
)

// ErrNotFound is returned when an evaluation id has no row.
var ErrNotFound = errors.New("evaluation not found")

// Evaluation is a persisted evaluation result.
type Evaluation struct {
	EvaluationID string                                 `json:"evaluation_id"`
	RunID        string                                 `json:"run_id,omitempty"`
	Dataset      string                                 `json:"dataset"`
	Tasks        []evaluation.Task                      `json:"tasks"`
	Metrics      map[evaluation.Task]map[string]float64 `json:"metrics"`
	CM           *evaluation.ConfusionMatrix            `json:"cm,omitempty"`
	CreatedAt    int64                                  `json:"created_at"`
}

// FromResult wraps an evaluation result for storage.
func FromResult(runID string, res *evaluation.Result) *Evaluation {
	return &Evaluation{
		RunID:   runID,
		Dataset: res.Dataset,
		Tasks:   res.Tasks,
		Metrics: res.Metrics,
		CM:      res.CM,
	}
}

// Result converts back to the evaluation package's result shape.
func (e *Evaluation) Result() *evaluation.Result {
	return &evaluation.Result{Dataset: e.Dataset, Tasks: e.Tasks, Metrics: e.Metrics, CM: e.CM}
}

// EvaluationStore provides persistence for evaluation results.
type EvaluationStore struct {
	db *sql.DB
}

// NewEvaluationStore creates a new EvaluationStore over s.
func NewEvaluationStore(s *Store) *EvaluationStore {
	return &EvaluationStore{db: s.db}
}

// Insert persists eval. An empty EvaluationID gets a UUID and a zero
// CreatedAt gets the current time.
func (s *EvaluationStore) Insert(eval *Evaluation) error {
	if eval.EvaluationID == "" {
		eval.EvaluationID = uuid.New().String()
	}
	if eval.CreatedAt == 0 {
		eval.CreatedAt = time.Now().UnixNano()
	}

	tasks, err := json.Marshal(eval.Tasks)
	if err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}
	metrics, err := json.Marshal(eval.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	var cm any
	if eval.CM != nil {
		b, err := json.Marshal(eval.CM)
		if err != nil {
			return fmt.Errorf("encode confusion matrix: %w", err)
		}
		cm = string(b)
	}

	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO evaluations (
				evaluation_id, run_id, dataset, tasks, metrics_json, cm_json, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			eval.EvaluationID, eval.RunID, eval.Dataset, string(tasks), string(metrics), cm, eval.CreatedAt,
		)
		return err
	})
}

const selectEvaluation = `
	SELECT evaluation_id, run_id, dataset, tasks, metrics_json, cm_json, created_at
	FROM evaluations`

// Get returns a single evaluation by id.
func (s *EvaluationStore) Get(evaluationID string) (*Evaluation, error) {
	row := s.db.QueryRow(selectEvaluation+` WHERE evaluation_id = ?`, evaluationID)
	e, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, evaluationID)
	}
	return e, err
}

// ListByRun returns a run's evaluations, newest first.
func (s *EvaluationStore) ListByRun(runID string) ([]*Evaluation, error) {
	rows, err := s.db.Query(selectEvaluation+` WHERE run_id = ? ORDER BY created_at DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query evaluations: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// ListRecent returns up to limit evaluations across all runs, newest first.
func (s *EvaluationStore) ListRecent(limit int) ([]*Evaluation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(selectEvaluation+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query evaluations: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func collect(rows *sql.Rows) ([]*Evaluation, error) {
	evals := []*Evaluation{}
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		evals = append(evals, e)
	}
	return evals, rows.Err()
}

func scanEvaluation(row scanner) (*Evaluation, error) {
	var e Evaluation
	var tasks, metrics string
	var cm sql.NullString
	if err := row.Scan(&e.EvaluationID, &e.RunID, &e.Dataset, &tasks, &metrics, &cm, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan evaluation: %w", err)
	}
	if err := json.Unmarshal([]byte(tasks), &e.Tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	if err := json.Unmarshal([]byte(metrics), &e.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics: %w", err)
	}
	if cm.Valid {
		e.CM = &evaluation.ConfusionMatrix{}
		if err := json.Unmarshal([]byte(cm.String), e.CM); err != nil {
			return nil, fmt.Errorf("decode confusion matrix: %w", err)
		}
	}
	return &e, nil
}
