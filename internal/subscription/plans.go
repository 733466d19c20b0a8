package subscription

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jia-app/eventbilling/internal/domain"
	"github.com/jia-app/eventbilling/internal/repository"
)

// planColumns is the CSV layout: id,name,amount,currency,period,active
const planColumns = 6

// ReadPlansCSV parses a plan catalogue. The first row is a header. Rows that
// cannot be parsed are skipped and reported as warnings.
func ReadPlansCSV(r io.Reader) ([]domain.Plan, []string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	if _, err := reader.Read(); err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}

	var (
		plans    []domain.Plan
		warnings []string
	)
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read CSV record: %w", err)
		}
		plan, err := parsePlanRecord(record)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		plans = append(plans, plan)
	}
	return plans, warnings, nil
}

func parsePlanRecord(record []string) (domain.Plan, error) {
	if len(record) < planColumns {
		return domain.Plan{}, fmt.Errorf("expected %d columns, got %d", planColumns, len(record))
	}
	for i := range record {
		record[i] = strings.TrimSpace(record[i])
	}

	plan := domain.Plan{
		ID:       record[0],
		Name:     record[1],
		Currency: strings.ToUpper(record[3]),
		Period:   domain.BillingPeriod(strings.ToLower(record[4])),
	}
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.Name == "" {
		return domain.Plan{}, errors.New("name is required")
	}

	amount, err := decimal.NewFromString(record[2])
	if err != nil {
		return domain.Plan{}, fmt.Errorf("invalid amount %q", record[2])
	}
	if amount.IsNegative() {
		return domain.Plan{}, fmt.Errorf("negative amount %s", amount)
	}
	plan.Amount = amount

	if len(plan.Currency) != 3 {
		return domain.Plan{}, fmt.Errorf("invalid currency %q", record[3])
	}
	if _, err := CalculateNextPaymentDate(time.Time{}, plan.Period); err != nil {
		return domain.Plan{}, err
	}

	active, err := strconv.ParseBool(record[5])
	if err != nil {
		return domain.Plan{}, fmt.Errorf("invalid active flag %q", record[5])
	}
	plan.Active = active
	return plan, nil
}

// ImportPlans stores plans, stopping at the first failure. It returns the
// number of plans written.
func ImportPlans(ctx context.Context, repo repository.PlanRepository, plans []domain.Plan) (int, error) {
	for i := range plans {
		if err := repo.Create(ctx, &plans[i]); err != nil {
			return i, fmt.Errorf("plan %s: %w", plans[i].ID, err)
		}
	}
	return len(plans), nil
}
