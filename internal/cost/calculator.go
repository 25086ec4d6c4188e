package cost

import (
	"github.com/shopspring/decimal"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
)

var perMillion = decimal.NewFromInt(1_000_000)

// DefaultModels is the price table a fresh store is seeded with.
var DefaultModels = []domain.Model{
	{
		ID:                    "gpt-4.1-mini",
		Name:                  "gpt-4.1-mini",
		Provider:              "openai",
		InputPricePerMillion:  decimal.RequireFromString("0.15"),
		OutputPricePerMillion: decimal.RequireFromString("0.60"),
		Active:                true,
	},
	{
		ID:                    "gpt-5",
		Name:                  "gpt-5",
		Provider:              "openai",
		InputPricePerMillion:  decimal.RequireFromString("1.00"),
		OutputPricePerMillion: decimal.RequireFromString("3.00"),
		Active:                true,
	},
}

type Calculator struct{}

func NewCalculator() *Calculator {
	return &Calculator{}
}

// Calculate prices a token count against the model's per-million rates.
func (c *Calculator) Calculate(model *domain.Model, usage domain.Usage) decimal.Decimal {
	if model == nil {
		return decimal.Zero
	}

	inputCost := decimal.NewFromInt(int64(usage.InputTokens)).Mul(model.InputPricePerMillion).Div(perMillion)
	outputCost := decimal.NewFromInt(int64(usage.OutputTokens)).Mul(model.OutputPricePerMillion).Div(perMillion)

	return inputCost.Add(outputCost)
}
