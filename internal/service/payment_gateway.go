package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/drivingschool-api/internal/dto"
	appErrors "github.com/noah-isme/drivingschool-api/pkg/errors"
)

// CardGateway authorises card charges and returns a transaction id.
type CardGateway interface {
	Charge(ctx context.Context, card dto.CardDetails, amount decimal.Decimal) (string, error)
}

// SimulatedGateway approves cards whose number ends in an even digit and
// declines the rest. It never contacts a real processor.
type SimulatedGateway struct{}

// NewSimulatedGateway constructs the simulated gateway.
func NewSimulatedGateway() *SimulatedGateway {
	return &SimulatedGateway{}
}

// Charge implements CardGateway.
func (g *SimulatedGateway) Charge(ctx context.Context, card dto.CardDetails, _ decimal.Decimal) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	number := strings.TrimSpace(card.Number)
	if number == "" {
		return "", appErrors.Clone(appErrors.ErrGatewayDeclined, "card number missing")
	}
	last := number[len(number)-1]
	if last < '0' || last > '9' || (last-'0')%2 != 0 {
		return "", appErrors.Clone(appErrors.ErrGatewayDeclined, "card transaction declined by the gateway")
	}
	return "TXN-" + uuid.NewString(), nil
}
