package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mellowpix/petportraits/internal/catalog"
	"github.com/mellowpix/petportraits/internal/config"
	"github.com/mellowpix/petportraits/internal/imagegen"
	"github.com/mellowpix/petportraits/internal/models"
	"github.com/mellowpix/petportraits/internal/quota"
)

// Generator produces one portrait variant per call. Implemented by
// imagegen.Client.
type Generator interface {
	Generate(ctx context.Context, req imagegen.Request) (*imagegen.Image, error)
	TestMode() bool
}

// GenerationService fans generation requests out across styles, subjects
// and product aspect ratios, and commits quota usage only after success.
type GenerationService struct {
	cfg      config.Config
	log      *slog.Logger
	sessions *SessionService
	gen      Generator
}

func NewGenerationService(cfg config.Config, log *slog.Logger, sessions *SessionService, gen Generator) *GenerationService {
	return &GenerationService{cfg: cfg, log: log, sessions: sessions, gen: gen}
}

type InitialRequest struct {
	SessionID  string
	PetName    string
	PetType    string
	Breed      string
	PhotoURL   string
	Styles     []string
	ProductIDs []string
}

type MultiSubjectRequest struct {
	SessionID  string
	Subjects   []models.Subject
	Styles     []string
	ProductIDs []string
}

// StyleResult carries every variant generated for one style, flattened
// across products, each tagged with its originating product id.
type StyleResult struct {
	Variants []models.Variant `json:"variants"`
	Error    string           `json:"error,omitempty"`
}

type Outcome struct {
	TestMode bool
	Results  map[string]StyleResult
	Session  *models.Session
}

// MultiSubjectOutcome maps "subjectName-subjectID" to per-style results.
type MultiSubjectOutcome struct {
	TestMode bool
	Results  map[string]map[string]StyleResult
	Session  *models.Session
}

// GenerateInitial handles the free three-style generation of a session.
func (s *GenerationService) GenerateInitial(ctx context.Context, req InitialRequest) (*Outcome, error) {
	if err := quota.ValidateInitialStyles(req.Styles); err != nil {
		return nil, Validationf("%s", err.Error())
	}

	session, err := s.sessions.GetByID(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	if err := quota.AuthorizeFree(session); err != nil {
		return nil, err
	}

	subject := models.Subject{
		Name:     req.PetName,
		Type:     models.SubjectPet,
		Breed:    req.Breed,
		PhotoURL: req.PhotoURL,
	}
	results, err := s.fanOut(ctx, subject, req.Styles, req.ProductIDs)
	if err != nil {
		return nil, err
	}

	succeeded := succeededStyles(req.Styles, results)
	updated := session
	if len(succeeded) > 0 {
		updated, err = s.sessions.Mutate(ctx, session.ID, func(current *models.Session) (models.SessionUpdate, error) {
			return commitUsage(current, succeeded, commitFields{
				petName:  &req.PetName,
				petType:  &req.PetType,
				photoURL: &req.PhotoURL,
				selected: req.Styles,
			})
		})
		if err != nil {
			return nil, err
		}
	}

	return &Outcome{TestMode: s.gen.TestMode(), Results: results, Session: updated}, nil
}

// GenerateAdditional handles the paid single-style path. The payment gate
// is checked before the provider call and re-checked inside the commit.
func (s *GenerationService) GenerateAdditional(ctx context.Context, sessionID, style string, productIDs []string) (*Outcome, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	if err := quota.AuthorizeAdditional(session, style); err != nil {
		return nil, err
	}

	subject := models.Subject{
		Name:     session.PetName,
		Type:     models.SubjectPet,
		PhotoURL: session.PhotoURL,
	}
	results, err := s.fanOut(ctx, subject, []string{style}, productIDs)
	if err != nil {
		return nil, err
	}
	if res := results[style]; len(res.Variants) == 0 {
		return nil, fmt.Errorf("generation failed for style %q: %s", style, res.Error)
	}

	updated, err := s.sessions.Mutate(ctx, sessionID, func(current *models.Session) (models.SessionUpdate, error) {
		if err := quota.AuthorizeAdditional(current, style); err != nil {
			return models.SessionUpdate{}, err
		}
		generated := appendStyle(current.GeneratedStyles, style)
		bonus := current.BonusGenerations - 1
		paid := current.PaidUsed + 1
		return models.SessionUpdate{
			GeneratedStyles:  generated,
			BonusGenerations: &bonus,
			PaidUsed:         &paid,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	return &Outcome{TestMode: s.gen.TestMode(), Results: results, Session: updated}, nil
}

// GenerateMultiSubject fans out per subject and per style. Subjects are
// pets (breed aware) or people (demographic aware); results are keyed by
// "name-id".
func (s *GenerationService) GenerateMultiSubject(ctx context.Context, req MultiSubjectRequest) (*MultiSubjectOutcome, error) {
	if err := quota.ValidateInitialStyles(req.Styles); err != nil {
		return nil, Validationf("%s", err.Error())
	}
	if len(req.Subjects) == 0 {
		return nil, Validationf("at least one subject is required")
	}
	for i, subject := range req.Subjects {
		if strings.TrimSpace(subject.Name) == "" {
			return nil, Validationf("subject %d is missing a name", i)
		}
		if subject.Type != models.SubjectPet && subject.Type != models.SubjectPerson {
			return nil, Validationf("subject %q has unknown type %q", subject.Name, subject.Type)
		}
	}

	session, err := s.sessions.GetByID(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	if err := quota.AuthorizeFree(session); err != nil {
		return nil, err
	}

	results := make(map[string]map[string]StyleResult, len(req.Subjects))
	anySucceeded := map[string]bool{}
	for _, subject := range req.Subjects {
		perStyle, err := s.fanOut(ctx, subject, req.Styles, req.ProductIDs)
		if err != nil {
			return nil, err
		}
		key := fmt.Sprintf("%s-%s", subject.Name, subject.ID)
		results[key] = perStyle
		for _, style := range succeededStyles(req.Styles, perStyle) {
			anySucceeded[style] = true
		}
	}

	var succeeded []string
	for _, style := range req.Styles {
		if anySucceeded[style] {
			succeeded = append(succeeded, style)
		}
	}

	updated := session
	if len(succeeded) > 0 {
		updated, err = s.sessions.Mutate(ctx, session.ID, func(current *models.Session) (models.SessionUpdate, error) {
			return commitUsage(current, succeeded, commitFields{selected: req.Styles})
		})
		if err != nil {
			return nil, err
		}
	}

	return &MultiSubjectOutcome{TestMode: s.gen.TestMode(), Results: results, Session: updated}, nil
}

// fanOut issues one generation unit per (style, product) pair, in parallel.
// Unit failures are isolated per style; a provider balance failure aborts
// the whole request so it can surface as payment-required.
func (s *GenerationService) fanOut(ctx context.Context, subject models.Subject, styles, productIDs []string) (map[string]StyleResult, error) {
	units := make([]models.GenerationUnit, 0, len(styles)*max(1, len(productIDs)))
	for _, style := range styles {
		if len(productIDs) == 0 {
			units = append(units, models.GenerationUnit{Style: style, Subject: subject})
			continue
		}
		for _, productID := range productIDs {
			units = append(units, models.GenerationUnit{Style: style, Subject: subject, ProductID: productID})
		}
	}

	type unitResult struct {
		unit    models.GenerationUnit
		variant models.Variant
		err     error
	}

	out := make(chan unitResult, len(units))
	var wg sync.WaitGroup
	for _, unit := range units {
		wg.Add(1)
		go func(unit models.GenerationUnit) {
			defer wg.Done()
			image, err := s.gen.Generate(ctx, imagegen.Request{
				Prompt:         buildPrompt(unit.Subject, unit.Style),
				Style:          unit.Style,
				AspectRatio:    aspectRatioFor(unit.ProductID),
				SourceImageURL: unit.Subject.PhotoURL,
			})
			if err != nil {
				out <- unitResult{unit: unit, err: err}
				return
			}
			out <- unitResult{unit: unit, variant: models.Variant{
				URL:       image.URL,
				Style:     unit.Style,
				ProductID: unit.ProductID,
				TestMode:  s.gen.TestMode(),
			}}
		}(unit)
	}
	wg.Wait()
	close(out)

	results := make(map[string]StyleResult, len(styles))
	for _, style := range styles {
		results[style] = StyleResult{}
	}
	for res := range out {
		if res.err != nil {
			if errors.Is(res.err, imagegen.ErrInsufficientBalance) {
				return nil, res.err
			}
			if s.log != nil {
				s.log.Error("generation unit failed", "style", res.unit.Style, "product", res.unit.ProductID, "err", res.err)
			}
			entry := results[res.unit.Style]
			entry.Error = res.err.Error()
			results[res.unit.Style] = entry
			continue
		}
		entry := results[res.unit.Style]
		entry.Variants = append(entry.Variants, res.variant)
		results[res.unit.Style] = entry
	}

	// Stable variant ordering for deterministic responses.
	for style, entry := range results {
		sort.Slice(entry.Variants, func(i, j int) bool {
			if entry.Variants[i].ProductID != entry.Variants[j].ProductID {
				return entry.Variants[i].ProductID < entry.Variants[j].ProductID
			}
			return entry.Variants[i].URL < entry.Variants[j].URL
		})
		results[style] = entry
	}
	return results, nil
}

type commitFields struct {
	petName  *string
	petType  *string
	photoURL *string
	selected []string
}

// commitUsage charges the free quota (spilling into purchase bonus) for
// each newly generated style and appends the styles to the session. The cap
// is re-checked under the version guard: exceeding it rejects, never clamps.
func commitUsage(current *models.Session, styles []string, fields commitFields) (models.SessionUpdate, error) {
	freeUsed := current.FreeUsed
	bonus := current.BonusGenerations
	generated := current.GeneratedStyles

	for _, style := range styles {
		if containsStyle(generated, style) {
			continue
		}
		switch {
		case freeUsed < quota.FreeLimit:
			freeUsed++
		case bonus > 0:
			bonus--
		default:
			return models.SessionUpdate{}, quota.ErrFreeQuotaExhausted
		}
		generated = append(generated, style)
	}

	upd := models.SessionUpdate{
		GeneratedStyles:  generated,
		FreeUsed:         &freeUsed,
		BonusGenerations: &bonus,
	}
	if fields.petName != nil && *fields.petName != "" {
		upd.PetName = fields.petName
	}
	if fields.petType != nil && *fields.petType != "" {
		upd.PetType = fields.petType
	}
	if fields.photoURL != nil && *fields.photoURL != "" {
		upd.PhotoURL = fields.photoURL
	}
	if fields.selected != nil {
		upd.SelectedStyles = fields.selected
	}
	return upd, nil
}

func buildPrompt(subject models.Subject, style string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s portrait of %s", style, subject.Name)
	if subject.Type == models.SubjectPerson {
		var attrs []string
		for _, attr := range []string{subject.Gender, subject.AgeGroup, subject.Ethnicity} {
			if attr != "" {
				attrs = append(attrs, attr)
			}
		}
		if len(attrs) > 0 {
			fmt.Fprintf(&b, ", a %s person", strings.Join(attrs, " "))
		}
	} else if subject.Breed != "" {
		fmt.Fprintf(&b, ", a %s", subject.Breed)
	}
	return b.String()
}

func aspectRatioFor(productID string) string {
	if productID == "" {
		return "1:1"
	}
	return catalog.AspectRatio(productID)
}

func succeededStyles(styles []string, results map[string]StyleResult) []string {
	var out []string
	for _, style := range styles {
		if len(results[style].Variants) > 0 {
			out = append(out, style)
		}
	}
	return out
}

func appendStyle(styles []string, style string) []string {
	if containsStyle(styles, style) {
		return styles
	}
	out := make([]string, 0, len(styles)+1)
	out = append(out, styles...)
	return append(out, style)
}

func containsStyle(styles []string, style string) bool {
	for _, s := range styles {
		if s == style {
			return true
		}
	}
	return false
}
