package fiscal

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("fiscal",
	fx.Provide(NewNoopIssuer),
)

// Issuer is the fiscal-document hook invoked after reconciliation for
// charges newly marked paid. Document issuance itself lives outside this
// engine; the default implementation only logs.
type Issuer interface {
	IssueForCharges(ctx context.Context, chargeIDs []snowflake.ID) error
}

type NoopIssuer struct {
	log *zap.Logger
}

func NewNoopIssuer(log *zap.Logger) Issuer {
	return &NoopIssuer{log: log.Named("fiscal.noop")}
}

func (n *NoopIssuer) IssueForCharges(_ context.Context, chargeIDs []snowflake.ID) error {
	if len(chargeIDs) == 0 {
		return nil
	}
	n.log.Info("fiscal issuance requested", zap.Int("charges", len(chargeIDs)))
	return nil
}
