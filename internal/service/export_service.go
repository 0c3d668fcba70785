package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/noah-isme/timetable-solver/internal/dto"
	"github.com/noah-isme/timetable-solver/internal/models"
	appErrors "github.com/noah-isme/timetable-solver/pkg/errors"
	"github.com/noah-isme/timetable-solver/pkg/export"
)

var scheduleHeaders = []string{"day", "period", "duration", "course", "group", "teacher", "classroom"}

type runResultReader interface {
	Results(ctx context.Context, id string) (*dto.RunResultResponse, error)
}

type datasetRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

// ExportFile is a rendered schedule ready to be streamed to the client.
type ExportFile struct {
	Filename    string
	ContentType string
	Payload     []byte
}

// ExportService renders a succeeded run's schedule as CSV or PDF.
type ExportService struct {
	results runResultReader
	csv     datasetRenderer
	pdf     datasetRenderer
	logger  *zap.Logger
}

// NewExportService constructs the service.
func NewExportService(results runResultReader, csv datasetRenderer, pdf datasetRenderer, logger *zap.Logger) *ExportService {
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{results: results, csv: csv, pdf: pdf, logger: logger}
}

// Export renders the run's schedule in the requested format.
func (s *ExportService) Export(ctx context.Context, runID string, format export.Format) (*ExportFile, error) {
	result, err := s.results.Results(ctx, runID)
	if err != nil {
		return nil, err
	}
	switch result.State {
	case dto.RunResultPending:
		return nil, appErrors.ErrRunPending
	case dto.RunResultFailed:
		return nil, appErrors.Clone(appErrors.ErrConflict, "run failed and has no schedule")
	}

	renderer := s.csv
	if format == export.FormatPDF {
		renderer = s.pdf
	}
	payload, err := renderer.Render(scheduleDataset(result))
	if err != nil {
		s.logger.Error("failed to render schedule export", zap.String("run_id", runID), zap.String("format", string(format)), zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}
	return &ExportFile{
		Filename:    fmt.Sprintf("timetable-%s.%s", runID, format),
		ContentType: format.ContentType(),
		Payload:     payload,
	}, nil
}

func scheduleDataset(result *dto.RunResultResponse) export.Dataset {
	lessons := make([]models.RunLesson, 0, len(result.Lessons))
	for _, l := range result.Lessons {
		if l.Assigned() {
			lessons = append(lessons, l)
		}
	}
	sort.SliceStable(lessons, func(i, j int) bool {
		if *lessons[i].Day != *lessons[j].Day {
			return *lessons[i].Day < *lessons[j].Day
		}
		if *lessons[i].Period != *lessons[j].Period {
			return *lessons[i].Period < *lessons[j].Period
		}
		return lessons[i].GroupName < lessons[j].GroupName
	})

	rows := make([]map[string]string, 0, len(lessons))
	for _, l := range lessons {
		rows = append(rows, map[string]string{
			"day":       strconv.Itoa(*l.Day),
			"period":    strconv.Itoa(*l.Period),
			"duration":  strconv.Itoa(l.DurationSlots),
			"course":    l.CourseName,
			"group":     l.GroupName,
			"teacher":   deref(l.TeacherName),
			"classroom": deref(l.ClassroomName),
		})
	}

	data := export.Dataset{
		Title:   fmt.Sprintf("Timetable for project %s", result.ProjectID),
		Headers: scheduleHeaders,
		Rows:    rows,
	}
	if result.Score != nil {
		data.Notes = append(data.Notes, fmt.Sprintf("Penalty %.2f, satisfaction %.1f%%", result.Score.Total, result.Score.Satisfaction))
	}
	if n := len(result.Unassigned); n > 0 {
		data.Notes = append(data.Notes, fmt.Sprintf("%d occurrence(s) could not be placed", n))
	}
	return data
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
