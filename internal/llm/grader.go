package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/felixgeelhaar/proctor/internal/domain"
)

const (
	passDetection = "detection"
	passScoring   = "scoring"
)

// GraderConfig tunes the grading calls.
type GraderConfig struct {
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `yaml:"max_tokens" validate:"gte=0"`
	// Detection enables the authenticity pass before scoring.
	Detection bool `yaml:"detection"`
}

// DefaultGraderConfig returns sensible defaults
func DefaultGraderConfig() GraderConfig {
	return GraderConfig{
		Temperature: 0.1,
		MaxTokens:   1500,
		Detection:   true,
	}
}

// Grader scores submissions with an LLM: an optional detection pass, then a
// scoring pass. Both ask for JSON.
type Grader struct {
	provider Provider
	cfg      GraderConfig
	tracer   trace.Tracer
	metrics  *Metrics
	logger   *slog.Logger
}

// GraderOption configures a Grader
type GraderOption func(*Grader)

// WithMetrics records call metrics.
func WithMetrics(m *Metrics) GraderOption {
	return func(g *Grader) { g.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) GraderOption {
	return func(g *Grader) { g.logger = logger }
}

// NewGrader creates a grader on top of a provider
func NewGrader(p Provider, cfg GraderConfig, opts ...GraderOption) *Grader {
	g := &Grader{
		provider: p,
		cfg:      cfg,
		tracer:   otel.Tracer("github.com/felixgeelhaar/proctor/internal/llm"),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Grade returns the score record for one submission.
func (g *Grader) Grade(ctx context.Context, content domain.Content, ins domain.Instructions) (domain.ScoreRecord, error) {
	ctx, span := g.tracer.Start(ctx, "grader.grade", trace.WithAttributes(
		attribute.String("provider", g.provider.Name()),
		attribute.String("assignment_config", ins.AssignmentConfigID),
		attribute.Bool("image", content.IsImage()),
	))
	defer span.End()

	var detection domain.Detection
	if g.cfg.Detection {
		d, err := g.detect(ctx, content)
		switch {
		case err == nil:
			detection = d
		case domain.IsServiceError(err) || isContextErr(err):
			return domain.ScoreRecord{}, failSpan(span, err)
		default:
			g.logger.Warn("detection pass failed, continuing without it", "error", err)
			detection = domain.Detection{Label: "unavailable"}
		}
	}

	rec, err := g.score(ctx, content, ins)
	if err != nil {
		return domain.ScoreRecord{}, failSpan(span, err)
	}
	rec.Detection = detection

	span.SetAttributes(
		attribute.Float64("score", rec.Score),
		attribute.String("letter_grade", rec.LetterGrade),
	)
	return rec, nil
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (g *Grader) detect(ctx context.Context, content domain.Content) (domain.Detection, error) {
	raw, err := g.call(ctx, passDetection, detectionSystemPrompt, content, "")
	if err != nil {
		return domain.Detection{}, err
	}
	return parseDetection(raw)
}

func (g *Grader) score(ctx context.Context, content domain.Content, ins domain.Instructions) (domain.ScoreRecord, error) {
	raw, err := g.call(ctx, passScoring, buildScoringPrompt(ins), content, "Grade this submission.")
	if err != nil {
		return domain.ScoreRecord{}, err
	}
	return ParseScore(raw)
}

func (g *Grader) call(ctx context.Context, pass, system string, content domain.Content, lead string) (string, error) {
	ctx, span := g.tracer.Start(ctx, "grader."+pass)
	defer span.End()

	msg := Message{Role: RoleUser}
	if content.IsImage() {
		msg.Content = strings.TrimSpace(lead + " The submission is the attached image.")
		msg.Images = []Image{{Data: content.Image, MIMEType: content.MIMEType}}
	} else {
		msg.Content = strings.TrimSpace(lead + "\n\n## Submission\n" + content.Text)
	}

	start := time.Now()
	resp, err := g.provider.Generate(ctx, &Request{
		Model:       g.cfg.Model,
		System:      system,
		Messages:    []Message{msg},
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
		JSON:        true,
	})
	g.metrics.observe(pass, err, time.Since(start))
	if err != nil {
		return "", failSpan(span, err)
	}

	span.SetAttributes(
		attribute.Int("tokens.input", resp.Usage.InputTokens),
		attribute.Int("tokens.output", resp.Usage.OutputTokens),
	)
	g.metrics.tokens(resp.Usage)

	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", failSpan(span, domain.ContentError(pass, domain.ErrEmptyResponse))
	}
	return out, nil
}

const detectionSystemPrompt = `You review student submissions for authenticity.
Estimate whether the submission was written by the student or generated by a tool.
Respond ONLY with a JSON object:
{"label": "<human|assisted|generated>", "confidence": <number 0 to 1>, "signals": ["<short observation>"]}`

func buildScoringPrompt(ins domain.Instructions) string {
	var sb strings.Builder
	if ins.Prompt != "" {
		sb.WriteString(ins.Prompt)
		sb.WriteString("\n\n")
	} else {
		sb.WriteString("You are a fair and consistent grader of student work.\n\n")
	}

	if len(ins.Markers) > 0 {
		sb.WriteString("EXPECTED ELEMENTS:\n")
		for _, m := range ins.Markers {
			sb.WriteString("- " + m + "\n")
		}
		sb.WriteString("\n")
	}
	if ins.GradingNotes != "" {
		sb.WriteString("GRADING NOTES:\n" + ins.GradingNotes + "\n\n")
	}
	if len(ins.Sections) > 0 {
		sb.WriteString("Score each of these categories in the breakdown: ")
		sb.WriteString(strings.Join(ins.Sections, ", "))
		sb.WriteString(".\n\n")
	}

	sb.WriteString("Respond ONLY with a JSON object:\n")
	sb.WriteString(`{"score": <number 0 to 100>, "letter_grade": "<A-F>", "breakdown": {"<category>": {"value": <points>, "max": <possible>}}, "feedback": "<feedback for the student>"}`)
	sb.WriteString("\n")
	return sb.String()
}

type scorePayload struct {
	Score       *float64                 `json:"score"`
	LetterGrade string                   `json:"letter_grade"`
	Breakdown   map[string]breakdownItem `json:"breakdown"`
	Feedback    string                   `json:"feedback"`
}

type breakdownItem struct {
	Value float64 `json:"value"`
	Max   float64 `json:"max"`
}

// ParseScore parses the scoring pass output. Anything that is not a usable
// score record is a content error.
func ParseScore(raw string) (domain.ScoreRecord, error) {
	var p scorePayload
	if err := json.Unmarshal([]byte(stripFences(raw)), &p); err != nil {
		return domain.ScoreRecord{}, domain.ContentError("parse score", fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err))
	}
	if p.Score == nil {
		return domain.ScoreRecord{}, domain.ContentError("parse score", fmt.Errorf("%w: missing score", domain.ErrMalformedResponse))
	}
	score := *p.Score
	if math.IsNaN(score) || score < 0 || score > 100 {
		return domain.ScoreRecord{}, domain.ContentError("parse score", fmt.Errorf("%w: %v", domain.ErrScoreOutOfRange, score))
	}

	rec := domain.ScoreRecord{
		Score:       score,
		LetterGrade: strings.ToUpper(strings.TrimSpace(p.LetterGrade)),
		Feedback:    strings.TrimSpace(p.Feedback),
	}
	if rec.LetterGrade == "" {
		rec.LetterGrade = domain.LetterFor(score)
	}

	if len(p.Breakdown) > 0 {
		rec.Breakdown = make(map[string]domain.SubScore, len(p.Breakdown))
		for name, item := range p.Breakdown {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			if item.Max <= 0 || item.Value < 0 || item.Value > item.Max {
				return domain.ScoreRecord{}, domain.ContentError("parse score", fmt.Errorf("%w: sub-score %s is %v of %v", domain.ErrMalformedResponse, name, item.Value, item.Max))
			}
			rec.Breakdown[name] = domain.SubScore{Value: item.Value, Max: item.Max}
		}
	}
	return rec, nil
}

func parseDetection(raw string) (domain.Detection, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(stripFences(raw)), &m); err != nil {
		return domain.Detection{}, domain.ContentError("parse detection", fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err))
	}

	d := domain.Detection{Raw: m}
	if label, ok := m["label"].(string); ok {
		d.Label = label
	}
	if c, ok := m["confidence"].(float64); ok {
		d.Confidence = c
	}
	if d.Label == "" {
		return d, domain.ContentError("parse detection", errors.New("missing label"))
	}
	return d, nil
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
