package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"instaroom/internal/domain"
)

type debugDump struct {
	JobID      string                     `json:"job_id"`
	Identity   string                     `json:"identity"`
	Source     domain.JobSource           `json:"source"`
	Status     domain.JobStatus           `json:"status"`
	Stage      int                        `json:"stage"`
	Error      *domain.JobError           `json:"error,omitempty"`
	Meta       *domain.ProfileMeta        `json:"meta,omitempty"`
	Items      []domain.SourceItem        `json:"items"`
	Analyses   []domain.ItemAnalysis      `json:"stage1_analyses"`
	Profile    *domain.AggregatedProfile  `json:"stage2_profile"`
	Plan       *domain.PromptPlan         `json:"stage3_plan"`
	Attempts   []domain.GenerationAttempt `json:"stage4_attempts"`
	BestScore  float64                    `json:"best_score"`
	Result     *domain.JobResult          `json:"result,omitempty"`
	CreatedAt  time.Time                  `json:"created_at"`
	FinishedAt *time.Time                 `json:"finished_at,omitempty"`
}

// WriteDebugDump сохраняет промежуточные результаты задачи в dir как
// <identity>_<timestamp>.json и изображения попыток рядом с ним. Возвращает путь к JSON.
func WriteDebugDump(dir string, job domain.Job, artifacts map[int][]byte, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("создание каталога %s: %w", dir, err)
	}
	base := fmt.Sprintf("%s_%s", safeName(job.Identity), now.UTC().Format("20060102_150405"))

	data, err := json.MarshalIndent(debugDump{
		JobID:      job.ID,
		Identity:   job.Identity,
		Source:     job.Source,
		Status:     job.Status,
		Stage:      job.Stage,
		Error:      job.Error,
		Meta:       job.Meta,
		Items:      job.Items,
		Analyses:   job.Analyses,
		Profile:    job.Profile,
		Plan:       job.Plan,
		Attempts:   job.Attempts,
		BestScore:  job.BestScore,
		Result:     job.Result,
		CreatedAt:  job.CreatedAt,
		FinishedAt: job.FinishedAt,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, base+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}

	for n, img := range artifacts {
		name := filepath.Join(dir, fmt.Sprintf("%s_attempt_%d.png", base, n))
		if err := os.WriteFile(name, img, 0o644); err != nil {
			return path, err
		}
	}
	return path, nil
}

func safeName(identity string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, identity)
}
