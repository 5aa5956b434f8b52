package evaluator

import (
	"log/slog"
	"sort"
	"time"

	"pricewatch/internal/domain"
)

// Result is the outcome of evaluating one snapshot against one portfolio.
type Result struct {
	// Record is nil when no strategy resolved the required price field.
	Record *domain.PriceRecord
	Trials []domain.StrategyTrial
	// Partial is set when a cross-field invariant could not be satisfied and
	// the offending field was dropped from the record.
	Partial bool
}

// Evaluator executes strategy portfolios over DOM snapshots. It is stateless
// and safe for concurrent use.
type Evaluator struct {
	logger *slog.Logger
}

// New creates an Evaluator.
func New(logger *slog.Logger) *Evaluator {
	return &Evaluator{logger: logger.With(slog.String("component", "evaluator"))}
}

// fieldValue is one resolved field candidate.
type fieldValue struct {
	field      domain.Field
	strategyID string
	confidence float64
	trialIdx   int // index into the shared trial list of the winning trial

	money     float64
	avail     domain.Availability
	availText string
	plans     []domain.InstallmentPlan
}

// Evaluate applies the ranked portfolio to the snapshot. Strategies are
// grouped by target field; within a field they run in (priority asc,
// confidence desc, id) order and the first value that survives normalization
// and field validation wins. After all fields resolve, cross-field invariants
// are checked; a violation drops the lowest-confidence offending field and
// retries it once with the next strategy before settling for a partial
// record.
func (e *Evaluator) Evaluate(snap domain.DOMSnapshot, urlID string, portfolio []domain.Strategy, now time.Time) (Result, error) {
	doc, err := Parse(snap)
	if err != nil {
		return Result{}, err
	}

	groups := groupByField(portfolio)
	var trials []domain.StrategyTrial
	values := make(map[domain.Field]*fieldValue)

	for field, group := range groups {
		fv := e.resolveField(doc, field, group, nil, &trials)
		if fv != nil {
			values[field] = fv
		}
	}

	partial := e.enforceCrossField(doc, groups, values, &trials)

	price, ok := values[domain.FieldPrice]
	if !ok {
		return Result{Trials: trials}, nil
	}

	rec := &domain.PriceRecord{
		URLID:      urlID,
		CheckedAt:  now,
		Price:      price.money,
		StrategyID: price.strategyID,
		Confidence: price.confidence,
	}
	if fv, ok := values[domain.FieldOldPrice]; ok {
		v := fv.money
		rec.OldPrice = &v
	}
	if fv, ok := values[domain.FieldPixPrice]; ok {
		v := fv.money
		rec.PixPrice = &v
	}
	if fv, ok := values[domain.FieldInstallment]; ok {
		rec.Installments = fv.plans
	}
	if fv, ok := values[domain.FieldAvailability]; ok {
		rec.Availability = fv.avail
		rec.AvailabilityText = fv.availText
	} else {
		rec.Availability = domain.AvailabilityUnknown
	}

	return Result{Record: rec, Trials: trials, Partial: partial}, nil
}

// resolveField runs the field's strategies in rank order until one produces a
// normalized, field-valid value. Strategies listed in exclude are skipped
// (used by the cross-field retry). Every executed strategy appends a trial.
func (e *Evaluator) resolveField(doc *Document, field domain.Field, group []domain.Strategy, exclude map[string]bool, trials *[]domain.StrategyTrial) *fieldValue {
	for i := range group {
		s := &group[i]
		if exclude[s.ID] {
			continue
		}
		start := time.Now()
		raw, ok, err := match(doc, s.Selector, 1)
		elapsed := time.Since(start)
		if err != nil {
			e.logger.Warn("strategy selector failed",
				slog.String("strategy_id", s.ID),
				slog.String("field", string(field)),
				slog.String("error", err.Error()),
			)
			ok = false
		}

		fv := (*fieldValue)(nil)
		if ok {
			fv = normalizeField(field, raw, s)
		}

		*trials = append(*trials, domain.StrategyTrial{
			StrategyID: s.ID,
			Field:      field,
			Success:    fv != nil,
			Confidence: s.Confidence,
			Elapsed:    elapsed,
		})

		if fv != nil {
			fv.trialIdx = len(*trials) - 1
			return fv
		}
	}
	return nil
}

// normalizeField converts a raw match into a typed field value, returning nil
// when normalization or field-level validation fails (a non-match).
func normalizeField(field domain.Field, raw string, s *domain.Strategy) *fieldValue {
	fv := &fieldValue{field: field, strategyID: s.ID, confidence: s.Confidence}
	switch field {
	case domain.FieldPrice, domain.FieldOldPrice, domain.FieldPixPrice:
		money, err := ParseMoneyBR(raw)
		if err != nil || money <= 0 {
			return nil
		}
		fv.money = money
	case domain.FieldAvailability:
		avail, text := NormalizeAvailability(raw)
		if text == "" {
			return nil
		}
		fv.avail, fv.availText = avail, text
	case domain.FieldInstallment:
		plans := ParseInstallments(raw)
		if len(plans) == 0 {
			return nil
		}
		fv.plans = plans
	default:
		return nil
	}
	return fv
}

// enforceCrossField checks the record-level relations between fields. On
// violation the lowest-confidence offending field is dropped and re-tried
// once with the next strategy for that field; if the relation still fails the
// field stays dropped and the result is partial. The trial that produced the
// dropped value is re-marked as a failure so the learning layer penalizes the
// responsible strategy.
func (e *Evaluator) enforceCrossField(doc *Document, groups map[domain.Field][]domain.Strategy, values map[domain.Field]*fieldValue, trials *[]domain.StrategyTrial) bool {
	partial := false
	relations := []struct {
		field domain.Field
		valid func(price, v float64) bool
	}{
		{domain.FieldPixPrice, func(price, v float64) bool { return v <= price }},
		{domain.FieldOldPrice, func(price, v float64) bool { return v >= price }},
	}

	for _, rel := range relations {
		price, havePrice := values[domain.FieldPrice]
		other, haveOther := values[rel.field]
		if !havePrice || !haveOther || rel.valid(price.money, other.money) {
			continue
		}

		// Drop the lowest-confidence side and retry it once.
		victim := other
		if price.confidence < other.confidence {
			victim = price
		}
		(*trials)[victim.trialIdx].Success = false
		delete(values, victim.field)

		exclude := map[string]bool{victim.strategyID: true}
		retry := e.resolveField(doc, victim.field, groups[victim.field], exclude, trials)
		if retry != nil {
			values[victim.field] = retry
			price, havePrice = values[domain.FieldPrice]
			other, haveOther = values[rel.field]
			if havePrice && haveOther && !rel.valid(price.money, other.money) {
				(*trials)[retry.trialIdx].Success = false
				delete(values, retry.field)
				partial = true
			}
		} else {
			partial = true
		}
	}
	return partial
}

// groupByField splits the portfolio per target field and orders each group by
// (priority asc, confidence desc, id).
func groupByField(portfolio []domain.Strategy) map[domain.Field][]domain.Strategy {
	groups := make(map[domain.Field][]domain.Strategy)
	for _, s := range portfolio {
		groups[s.Field] = append(groups[s.Field], s)
	}
	for field, group := range groups {
		sort.Slice(group, func(i, j int) bool {
			if group[i].Priority != group[j].Priority {
				return group[i].Priority < group[j].Priority
			}
			if group[i].Confidence != group[j].Confidence {
				return group[i].Confidence > group[j].Confidence
			}
			return group[i].ID < group[j].ID
		})
		groups[field] = group
	}
	return groups
}
