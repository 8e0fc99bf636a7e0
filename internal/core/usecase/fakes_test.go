package usecase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
)

type memDrawings struct {
	mu    sync.Mutex
	items map[string]*domain.Drawing
}

func newMemDrawings(ds ...domain.Drawing) *memDrawings {
	m := &memDrawings{items: map[string]*domain.Drawing{}}
	for i := range ds {
		d := ds[i]
		m.items[d.ID] = &d
	}
	return m
}

func (m *memDrawings) get(id string) domain.Drawing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.items[id]
}

func (m *memDrawings) Create(_ context.Context, d *domain.Drawing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.items[d.ID] = &cp
	return nil
}

func (m *memDrawings) GetByID(_ context.Context, id string) (*domain.Drawing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.items[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDrawingNotFound, "get drawing", fmt.Errorf("id=%s", id))
	}
	cp := *d
	return &cp, nil
}

func (m *memDrawings) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.items[id]
	if !ok {
		return domain.ErrDrawingNotFound
	}
	if d.Status == domain.StatusProcessing {
		return domain.WrapError(domain.ErrConflict, "delete drawing", fmt.Errorf("drawing is processing"))
	}
	delete(m.items, id)
	return nil
}

func (m *memDrawings) BeginProcessing(_ context.Context, drawingID, jobID string, from []domain.DrawingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.items[drawingID]
	if !ok {
		return domain.ErrDrawingNotFound
	}
	allowed := false
	for _, s := range from {
		if d.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return domain.WrapError(domain.ErrConflict, "begin processing", fmt.Errorf("drawing is already being processed"))
	}
	now := time.Now().UTC()
	d.Status = domain.StatusProcessing
	d.ActiveJobID = jobID
	d.ProcessingStartedAt = &now
	d.Error = ""
	return nil
}

func (m *memDrawings) holds(drawingID, jobID string) (*domain.Drawing, error) {
	d, ok := m.items[drawingID]
	if !ok {
		return nil, domain.ErrDrawingNotFound
	}
	if d.Status != domain.StatusProcessing || d.ActiveJobID != jobID {
		return nil, domain.WrapError(domain.ErrConflict, "lease", fmt.Errorf("job %s no longer holds the drawing", jobID))
	}
	return d, nil
}

func (m *memDrawings) SetSourceInfo(_ context.Context, drawingID, jobID string, sourceType domain.SourceType, pageCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.holds(drawingID, jobID)
	if err != nil {
		return err
	}
	d.SourceType = sourceType
	d.PageCount = pageCount
	return nil
}

func (m *memDrawings) FinishProcessing(_ context.Context, drawingID, jobID string, status domain.DrawingStatus, errMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.holds(drawingID, jobID)
	if err != nil {
		return err
	}
	d.Status = status
	d.Error = errMessage
	d.ActiveJobID = ""
	d.ProcessingStartedAt = nil
	return nil
}

func (m *memDrawings) MarkComplete(_ context.Context, drawingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.items[drawingID]
	if !ok {
		return domain.ErrDrawingNotFound
	}
	if d.Status != domain.StatusReview && d.Status != domain.StatusComplete {
		return domain.WrapError(domain.ErrConflict, "mark complete", fmt.Errorf("status %s", d.Status))
	}
	d.Status = domain.StatusComplete
	return nil
}

func (m *memDrawings) ListStuck(_ context.Context, before time.Time) ([]domain.Drawing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Drawing
	for _, d := range m.items {
		if d.Status == domain.StatusProcessing && d.ProcessingStartedAt != nil && d.ProcessingStartedAt.Before(before) {
			out = append(out, *d)
		}
	}
	return out, nil
}

type memJobs struct {
	mu    sync.Mutex
	items map[string]*domain.ProcessingJob
}

func newMemJobs() *memJobs {
	return &memJobs{items: map[string]*domain.ProcessingJob{}}
}

func (m *memJobs) get(id string) domain.ProcessingJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.items[id]
}

func (m *memJobs) Create(_ context.Context, job *domain.ProcessingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.items[job.ID] = &cp
	return nil
}

func (m *memJobs) GetByID(_ context.Context, id string) (*domain.ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.items[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *j
	cp.CompletedStages = append([]domain.Stage(nil), j.CompletedStages...)
	return &cp, nil
}

func (m *memJobs) LatestForDrawing(_ context.Context, drawingID string) (*domain.ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.ProcessingJob
	for _, j := range m.items {
		if j.DrawingID == drawingID && (latest == nil || j.CreatedAt.After(latest.CreatedAt)) {
			latest = j
		}
	}
	if latest == nil {
		return nil, domain.ErrJobNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *memJobs) MarkRunning(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.items[id]
	if j.Status.Terminal() {
		return domain.ErrConflict
	}
	j.Status = domain.JobRunning
	j.Attempts++
	return nil
}

func (m *memJobs) CompleteStage(_ context.Context, id string, stage domain.Stage, partial []domain.PartialFailure, warnings []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.items[id]
	if j.Status != domain.JobRunning {
		return domain.ErrConflict
	}
	j.CompletedStages = append(j.CompletedStages, stage)
	j.PartialFailures = append(j.PartialFailures, partial...)
	j.Warnings = append(j.Warnings, warnings...)
	return nil
}

func (m *memJobs) Finish(_ context.Context, id string, status domain.JobStatus, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.items[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status.Terminal() {
		return domain.ErrConflict
	}
	j.Status = status
	j.Error = msg
	return nil
}

type memSymbols struct {
	mu       sync.Mutex
	drawings *memDrawings
	items    map[string][]domain.DetectedSymbol
}

func newMemSymbols(drawings *memDrawings) *memSymbols {
	return &memSymbols{drawings: drawings, items: map[string][]domain.DetectedSymbol{}}
}

func (m *memSymbols) ReplaceForDrawing(_ context.Context, drawingID, jobID string, symbols []domain.DetectedSymbol) error {
	m.drawings.mu.Lock()
	_, err := m.drawings.holds(drawingID, jobID)
	m.drawings.mu.Unlock()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[drawingID] = append([]domain.DetectedSymbol(nil), symbols...)
	return nil
}

func (m *memSymbols) List(_ context.Context, drawingID string, filter domain.SymbolFilter) (domain.SymbolPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []domain.DetectedSymbol
	for _, s := range m.items[drawingID] {
		if filter.Category != "" && s.Category != filter.Category {
			continue
		}
		if s.Confidence < filter.MinConfidence {
			continue
		}
		items = append(items, s)
	}
	return domain.SymbolPage{Items: items, Page: 1, PageSize: len(items), Total: len(items)}, nil
}

func (m *memSymbols) ListAll(_ context.Context, drawingID string) ([]domain.DetectedSymbol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DetectedSymbol(nil), m.items[drawingID]...), nil
}

func (m *memSymbols) GetByID(_ context.Context, drawingID, symbolID string) (*domain.DetectedSymbol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.items[drawingID] {
		if s.ID == symbolID {
			cp := s
			return &cp, nil
		}
	}
	return nil, domain.ErrSymbolNotFound
}

func (m *memSymbols) Update(_ context.Context, symbol *domain.DetectedSymbol) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.items[symbol.DrawingID] {
		if s.ID == symbol.ID {
			m.items[symbol.DrawingID][i] = *symbol
			return nil
		}
	}
	return domain.ErrSymbolNotFound
}

type memLines struct {
	mu       sync.Mutex
	drawings *memDrawings
	items    map[string][]domain.DetectedLine
}

func newMemLines(drawings *memDrawings) *memLines {
	return &memLines{drawings: drawings, items: map[string][]domain.DetectedLine{}}
}

func (m *memLines) ReplaceForDrawing(_ context.Context, drawingID, jobID string, lines []domain.DetectedLine) error {
	m.drawings.mu.Lock()
	_, err := m.drawings.holds(drawingID, jobID)
	m.drawings.mu.Unlock()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[drawingID] = append([]domain.DetectedLine(nil), lines...)
	return nil
}

func (m *memLines) ListByDrawing(_ context.Context, drawingID string) ([]domain.DetectedLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DetectedLine(nil), m.items[drawingID]...), nil
}

func (m *memLines) GetByID(_ context.Context, drawingID, lineID string) (*domain.DetectedLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.items[drawingID] {
		if l.ID == lineID {
			cp := l
			return &cp, nil
		}
	}
	return nil, domain.ErrLineNotFound
}

func (m *memLines) Update(_ context.Context, line *domain.DetectedLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.items[line.DrawingID] {
		if l.ID == line.ID {
			m.items[line.DrawingID][i] = *line
			return nil
		}
	}
	return domain.ErrLineNotFound
}

type memTokens struct {
	mu         sync.Mutex
	drawings   *memDrawings
	items      map[string][]domain.TextToken
	symbolTags map[string]string
	lineTags   map[string]string
}

func newMemTokens(drawings *memDrawings) *memTokens {
	return &memTokens{drawings: drawings, items: map[string][]domain.TextToken{}}
}

func (m *memTokens) CommitAssociations(_ context.Context, drawingID, jobID string, tokens []domain.TextToken, symbolTags, lineTags map[string]string) error {
	m.drawings.mu.Lock()
	_, err := m.drawings.holds(drawingID, jobID)
	m.drawings.mu.Unlock()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[drawingID] = append([]domain.TextToken(nil), tokens...)
	m.symbolTags = symbolTags
	m.lineTags = lineTags
	return nil
}

func (m *memTokens) ListByDrawing(_ context.Context, drawingID string) ([]domain.TextToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TextToken(nil), m.items[drawingID]...), nil
}

func (m *memTokens) GetByID(_ context.Context, drawingID, tokenID string) (*domain.TextToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.items[drawingID] {
		if t.ID == tokenID {
			cp := t
			return &cp, nil
		}
	}
	return nil, domain.ErrTokenNotFound
}

func (m *memTokens) Assign(_ context.Context, drawingID, tokenID string, a domain.TokenAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.items[drawingID] {
		if t.ID == tokenID {
			m.items[drawingID][i].SymbolID = a.SymbolID
			m.items[drawingID][i].LineID = a.LineID
			m.items[drawingID][i].Manual = true
			return nil
		}
	}
	return domain.ErrTokenNotFound
}

type memExports struct {
	mu    sync.Mutex
	items map[string]*domain.ExportJob
}

func newMemExports() *memExports {
	return &memExports{items: map[string]*domain.ExportJob{}}
}

func (m *memExports) get(id string) domain.ExportJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.items[id]
}

func (m *memExports) Create(_ context.Context, job *domain.ExportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.items[job.ID] = &cp
	return nil
}

func (m *memExports) GetByID(_ context.Context, id string) (*domain.ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.items[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memExports) Transition(_ context.Context, id string, from, to domain.ExportStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.items[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status != from || !from.CanTransition(to) {
		return domain.ErrConflict
	}
	j.Status = to
	if to == domain.ExportProcessing {
		now := time.Now().UTC()
		j.StartedAt = &now
	}
	return nil
}

func (m *memExports) Finish(_ context.Context, job *domain.ExportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.items[job.ID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status != domain.ExportProcessing {
		return domain.ErrConflict
	}
	cp := *job
	m.items[job.ID] = &cp
	return nil
}

func (m *memExports) Expire(_ context.Context, id string, from domain.ExportStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.items[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status != from || !from.CanTransition(domain.ExportFailed) {
		return domain.ErrConflict
	}
	j.Status = domain.ExportFailed
	j.Errors = append(j.Errors, domain.ExportItemError{Message: reason})
	return nil
}

func (m *memExports) ListStuck(_ context.Context, cutoff time.Time) ([]domain.ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ExportJob
	for _, j := range m.items {
		switch {
		case j.Status == domain.ExportProcessing && j.StartedAt != nil && j.StartedAt.Before(cutoff):
			out = append(out, *j)
		case j.Status == domain.ExportQueued && j.CreatedAt.Before(cutoff):
			out = append(out, *j)
		}
	}
	return out, nil
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	saveErr error
}

func newMemStorage() *memStorage {
	return &memStorage{objects: map[string][]byte{}}
}

func (m *memStorage) Save(_ context.Context, key string, data io.Reader) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = raw
	return nil
}

func (m *memStorage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.objects[key]
	if !ok {
		return nil, domain.WrapError(domain.ErrObjectNotFound, "open object", fmt.Errorf("key=%s", key))
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (m *memStorage) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memStorage) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
		}
	}
	return nil
}

func (m *memStorage) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type memQueue struct {
	mu         sync.Mutex
	processed  []string
	exported   []string
	publishErr error
}

func (q *memQueue) PublishProcessJob(_ context.Context, jobID string) error {
	if q.publishErr != nil {
		return q.publishErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processed = append(q.processed, jobID)
	return nil
}

func (q *memQueue) SubscribeProcessJobs(context.Context, func(context.Context, string) error) error {
	return nil
}

func (q *memQueue) PublishExportJob(_ context.Context, jobID string) error {
	if q.publishErr != nil {
		return q.publishErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.exported = append(q.exported, jobID)
	return nil
}

func (q *memQueue) SubscribeExportJobs(context.Context, func(context.Context, string) error) error {
	return nil
}

type memPages struct {
	mu   sync.Mutex
	docs map[string]*domain.NormalizedDocument
}

func newMemPages() *memPages {
	return &memPages{docs: map[string]*domain.NormalizedDocument{}}
}

func (m *memPages) Save(_ context.Context, drawingID string, doc *domain.NormalizedDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[drawingID] = doc
	return nil
}

func (m *memPages) Load(_ context.Context, drawingID string) (*domain.NormalizedDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[drawingID]
	if !ok {
		return nil, domain.ErrObjectNotFound
	}
	return doc, nil
}

func (m *memPages) Manifest(ctx context.Context, drawingID string) (*domain.NormalizedDocument, error) {
	return m.Load(ctx, drawingID)
}
