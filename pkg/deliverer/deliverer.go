// Package deliverer defines the external delivery contract. SMTP
// transport and report file formatting live outside the engine; the
// engine only hands over a gated ClientReport and reads back a per-client
// outcome.
package deliverer

import (
	"context"

	"github.com/permitpipeline/permitengine/pkg/clientprofile"
	"github.com/permitpipeline/permitengine/pkg/report"
)

// Outcome is one client's delivery result. A delivery that returned an
// error has no Outcome; the orchestrator records the error instead and
// leaves the client's rows unledgered for retry next cycle.
type Outcome struct {
	ClientID      int64
	RowsDelivered int
}

// Deliverer receives one report per result set for one client. Contact
// phone is already guaranteed present on every row; the
// implementation may aggregate or batch internally.
type Deliverer interface {
	Deliver(ctx context.Context, client *clientprofile.ClientProfile, rep report.ClientReport) (Outcome, error)
}
