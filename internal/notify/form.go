package notify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BTreeMap/WardWatch/internal/models"
	"github.com/BTreeMap/WardWatch/internal/util"
)

// FileFormGenerator writes plaintext handoff forms under a directory.
type FileFormGenerator struct {
	dir string
	now func() time.Time
}

// NewFileFormGenerator stores forms in dir/handoff.
func NewFileFormGenerator(dir string) *FileFormGenerator {
	return &FileFormGenerator{dir: filepath.Join(dir, "handoff"), now: time.Now}
}

// Generate implements FormGenerator.
func (g *FileFormGenerator) Generate(ctx context.Context, a models.Alert, st *models.MonitoringState) (HandoffForm, error) {
	if err := ctx.Err(); err != nil {
		return HandoffForm{}, err
	}
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return HandoffForm{}, fmt.Errorf("create handoff dir: %w", err)
	}
	form := HandoffForm{
		ID:      util.GenerateFormID(),
		Summary: HandoffSummary(a, st, g.now()),
	}
	form.Path = filepath.Join(g.dir, fmt.Sprintf("%s_%s.txt", a.ID, form.ID))
	if err := os.WriteFile(form.Path, []byte(form.Summary), 0o644); err != nil {
		return HandoffForm{}, fmt.Errorf("write handoff form: %w", err)
	}
	return form, nil
}
