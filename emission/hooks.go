package emission

import (
	"context"

	"github.com/notaflow/fiscal_backend/models"
	"github.com/sirupsen/logrus"
)

// InvoiceOutcomeHook propagates a terminal emission outcome back onto the
// originating service invoice, matched by emission reference. Timeout and
// transport faults leave the invoice untouched: the authority may still
// authorize it and a later run settles the status.
func InvoiceOutcomeHook(logger *logrus.Logger) TerminalHook {
	return func(ctx context.Context, event TerminalEvent) {
		var status models.ServiceInvoiceStatus
		switch event.State {
		case StateAuthorized:
			status = models.ServiceInvoiceStatusAuthorized
		case StateAuthorizationError:
			status = models.ServiceInvoiceStatusRejected
		default:
			return
		}

		documentNumber := ""
		if event.Record != nil {
			documentNumber = event.Record.DocumentNumber
		}
		if err := models.UpdateServiceInvoiceOutcome(ctx, event.BusinessId, event.Reference, status, documentNumber); err != nil && logger != nil {
			logger.WithFields(logrus.Fields{
				"module":    "emission",
				"funcName":  "InvoiceOutcomeHook",
				"reference": event.Reference,
			}).Error(err.Error())
		}
	}
}
