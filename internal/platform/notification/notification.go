// Package notification delivers team-activation and critical-result pages.
// Pages are rendered from templates and fanned out to one or more transports;
// every attempt is kept in an in-memory log that can be inspected and retried
// over HTTP.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ---------------------------------------------------------------------------
// Page
// ---------------------------------------------------------------------------

// Priority is the urgency a transport should use when delivering a page.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
)

// Delivery states recorded on a page.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Page is one message to one recipient.
type Page struct {
	ID         string            `json:"id"`
	TemplateID string            `json:"template_id,omitempty"`
	Recipient  string            `json:"recipient"`
	Pager      string            `json:"pager,omitempty"`
	Priority   Priority          `json:"priority"`
	Subject    string            `json:"subject,omitempty"`
	Body       string            `json:"body"`
	Data       map[string]string `json:"data,omitempty"`
	Status     string            `json:"status"`
	Error      string            `json:"error,omitempty"`
	Attempts   int               `json:"attempts"`
	CreatedAt  time.Time         `json:"created_at"`
	SentAt     *time.Time        `json:"sent_at,omitempty"`
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// Transport hands a rendered page to a delivery channel.
type Transport interface {
	Name() string
	Send(ctx context.Context, p Page) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable page template.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages page templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      "stroke-code",
			Name:    "Stroke Code",
			Subject: "STROKE CODE - ED {{location}}",
			Body:    "{{recipient_name}}: stroke code activated for visit {{visit_id}}. Complaint: {{chief_complaint}}. Report to ED {{location}} now.",
		},
		{
			ID:      "trauma-activation",
			Name:    "Trauma Activation",
			Subject: "TRAUMA {{level}} - ED {{location}}",
			Body:    "{{recipient_name}}: trauma team {{level}} activation for visit {{visit_id}}. Mechanism: {{chief_complaint}}. Report to ED {{location}} now.",
		},
		{
			ID:      "critical-result",
			Name:    "Critical Result",
			Subject: "Critical result: {{order_name}}",
			Body:    "{{recipient_name}}: critical {{order_name}} result {{result}} for visit {{visit_id}} (ESI {{level}}). Acknowledge in the ED board.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

const defaultHistory = 1000

// Dispatcher renders pages, delivers them through every transport in
// parallel and keeps a bounded history of what was sent.
type Dispatcher struct {
	transports []Transport
	templates  *TemplateEngine
	logger     zerolog.Logger
	history    int

	mu    sync.RWMutex
	pages map[string]*Page
	order []string
}

// NewDispatcher constructs a Dispatcher. A page counts as delivered when at
// least one transport accepted it.
func NewDispatcher(tpl *TemplateEngine, logger zerolog.Logger, transports ...Transport) *Dispatcher {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Dispatcher{
		transports: transports,
		templates:  tpl,
		logger:     logger.With().Str("component", "notification").Logger(),
		history:    defaultHistory,
		pages:      make(map[string]*Page),
	}
}

// Notify renders and delivers the pages concurrently. The returned error joins
// every page that no transport accepted.
func (d *Dispatcher) Notify(ctx context.Context, pages ...Page) error {
	if len(pages) == 0 {
		return nil
	}
	errs := make([]error, len(pages))
	var wg sync.WaitGroup
	for i := range pages {
		p := pages[i]
		if err := d.prepare(&p); err != nil {
			p.Status = StatusFailed
			p.Error = err.Error()
			d.store(&p)
			errs[i] = err
			continue
		}
		wg.Add(1)
		go func(i int, p Page) {
			defer wg.Done()
			errs[i] = d.deliver(ctx, &p)
		}(i, p)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (d *Dispatcher) prepare(p *Page) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Priority == "" {
		p.Priority = PriorityNormal
	}
	p.CreatedAt = time.Now().UTC()
	p.Status = StatusPending
	if p.Recipient == "" {
		return errors.New("page has no recipient")
	}
	if p.TemplateID != "" && p.Body == "" {
		subject, body, err := d.templates.Render(p.TemplateID, p.Data)
		if err != nil {
			return fmt.Errorf("render template: %w", err)
		}
		p.Subject, p.Body = subject, body
	}
	if p.Body == "" {
		return errors.New("page has no body")
	}
	return nil
}

// deliver sends p through every transport and records the outcome.
func (d *Dispatcher) deliver(ctx context.Context, p *Page) error {
	if len(d.transports) == 0 {
		err := errors.New("no notification transport configured")
		d.finish(p, err)
		return err
	}
	p.Attempts++
	snapshot := *p

	results := make([]error, len(d.transports))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range d.transports {
		i, t := i, t
		g.Go(func() error {
			if err := t.Send(gctx, snapshot); err != nil {
				results[i] = fmt.Errorf("%s: %w", t.Name(), err)
				d.logger.Warn().Err(err).Str("transport", t.Name()).Str("page_id", snapshot.ID).
					Str("recipient", snapshot.Recipient).Msg("page delivery failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	var failed []error
	for _, err := range results {
		if err != nil {
			failed = append(failed, err)
		}
	}
	var err error
	if len(failed) == len(d.transports) {
		err = fmt.Errorf("page %s to %s: %w", p.ID, p.Recipient, errors.Join(failed...))
	}
	d.finish(p, err)
	return err
}

func (d *Dispatcher) finish(p *Page, err error) {
	if err != nil {
		p.Status = StatusFailed
		p.Error = err.Error()
	} else {
		p.Status = StatusSent
		p.Error = ""
		sentAt := time.Now().UTC()
		p.SentAt = &sentAt
		d.logger.Info().Str("page_id", p.ID).Str("template", p.TemplateID).Str("recipient", p.Recipient).
			Str("priority", string(p.Priority)).Msg("page sent")
	}
	d.store(p)
}

func (d *Dispatcher) store(p *Page) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *p
	if _, ok := d.pages[p.ID]; !ok {
		d.order = append(d.order, p.ID)
	}
	d.pages[p.ID] = &cp
	for len(d.order) > d.history {
		delete(d.pages, d.order[0])
		d.order = d.order[1:]
	}
}

// GetPage retrieves a page by ID.
func (d *Dispatcher) GetPage(_ context.Context, id string) (*Page, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.pages[id]
	if !ok {
		return nil, fmt.Errorf("page %q not found", id)
	}
	cp := *p
	return &cp, nil
}

// ListPages returns the most recent pages first, optionally filtered by
// recipient, up to limit.
func (d *Dispatcher) ListPages(_ context.Context, recipient string, limit int) []*Page {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var result []*Page
	for i := len(d.order) - 1; i >= 0 && len(result) < limit; i-- {
		p := d.pages[d.order[i]]
		if recipient != "" && p.Recipient != recipient {
			continue
		}
		cp := *p
		result = append(result, &cp)
	}
	return result
}

// Retry re-sends a failed page. Returns an error if the page is not in
// "failed" status.
func (d *Dispatcher) Retry(ctx context.Context, id string) (*Page, error) {
	p, err := d.GetPage(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusFailed {
		return nil, fmt.Errorf("page %q is not in failed status (current: %s)", id, p.Status)
	}
	if p.Body == "" {
		return nil, fmt.Errorf("page %q was never rendered", id)
	}
	err = d.deliver(ctx, p)
	return p, err
}

// Stats returns counts of pages grouped by status.
func (d *Dispatcher) Stats(_ context.Context) map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stats := make(map[string]int)
	for _, p := range d.pages {
		stats[p.Status]++
	}
	return stats
}

// Templates lists the registered template IDs.
func (e *TemplateEngine) Templates() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.templates))
	for id := range e.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

// Handler exposes the page log over HTTP via Echo.
type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

// RegisterRoutes registers the page log routes on the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/pages/stats", h.HandleStats)
	g.GET("/pages/:id", h.HandleGet)
	g.GET("/pages", h.HandleList)
	g.POST("/pages/:id/retry", h.HandleRetry)
}

// HandleGet handles GET /pages/:id.
func (h *Handler) HandleGet(c echo.Context) error {
	p, err := h.dispatcher.GetPage(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

// HandleList handles GET /pages?recipient=...
func (h *Handler) HandleList(c echo.Context) error {
	list := h.dispatcher.ListPages(c.Request().Context(), c.QueryParam("recipient"), 100)
	return c.JSON(http.StatusOK, list)
}

// HandleRetry handles POST /pages/:id/retry.
func (h *Handler) HandleRetry(c echo.Context) error {
	p, err := h.dispatcher.Retry(c.Request().Context(), c.Param("id"))
	if p == nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

// HandleStats handles GET /pages/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.dispatcher.Stats(c.Request().Context()))
}
