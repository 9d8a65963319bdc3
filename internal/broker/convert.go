package broker

import (
	"fmt"

	"github.com/google/uuid"
	pb "github.com/russianinvestments/invest-api-go-sdk/proto"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/camuig/tranche-trader/internal/domain"
	"github.com/camuig/tranche-trader/internal/retry"
)

// orderNamespace scopes deterministic order ids. The exchange treats order_id
// as an idempotency key, so a retried request can never place a second order.
var orderNamespace = uuid.MustParse("6f0d2c4e-8a51-4c1b-9b7e-3d2f1a0c5e77")

func trancheOrderID(positionID string, tranche int) string {
	return uuid.NewSHA1(orderNamespace, []byte(fmt.Sprintf("%s/tranche/%d", positionID, tranche))).String()
}

func closeOrderID(positionID string) string {
	return uuid.NewSHA1(orderNamespace, []byte(positionID+"/close")).String()
}

type units interface {
	GetUnits() int64
	GetNano() int32
}

// toDecimal converts a Quotation or MoneyValue without going through float64.
func toDecimal(v units) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromInt(v.GetUnits()).Add(decimal.New(int64(v.GetNano()), -9))
}

func toQuotation(d decimal.Decimal) *pb.Quotation {
	whole := d.Truncate(0)
	nano := d.Sub(whole).Shift(9).IntPart()
	return &pb.Quotation{Units: whole.IntPart(), Nano: int32(nano)}
}

// lots converts a quantity to whole lots. Fractions cannot be sent to the
// exchange, so they are refused rather than rounded.
func lots(qty decimal.Decimal) (int64, error) {
	if !qty.IsPositive() || !qty.Equal(qty.Truncate(0)) {
		return 0, retry.Permanent(fmt.Errorf("%w: quantity %s is not a whole number of lots", domain.ErrOrderRejected, qty))
	}
	return qty.IntPart(), nil
}

// classify marks exchange answers that will not change on retry as permanent.
func classify(op string, err error) error {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied,
		codes.NotFound, codes.Unauthenticated, codes.OutOfRange:
		return retry.Permanent(fmt.Errorf("%s: %w: %v", op, domain.ErrOrderRejected, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}
