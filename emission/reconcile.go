package emission

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/notaflow/fiscal_backend/models"
	"github.com/shopspring/decimal"
)

// Source tags where a reconciled field value came from.
type Source string

const (
	SourceDocument      Source = "document"
	SourceStatusPayload Source = "status_payload"
	SourceAbsent        Source = "absent"
)

// Reconcile merges the polled status payload with the parsed structured
// document into one canonical record. The structured-document value wins
// field-by-field when present and non-empty; the raw payload is the fallback.
// The processing status always comes from the poll classification, never from
// either payload. Pure and deterministic; timestamps are left to the store.
func Reconcile(state PollState, payload StatusPayload, doc *StructuredDocument, rawBody []byte, businessId string, reference string) (*models.EmissionRecord, map[string]Source) {
	if doc == nil {
		doc = &StructuredDocument{}
	}
	sources := map[string]Source{}

	record := &models.EmissionRecord{
		Reference:  reference,
		BusinessId: businessId,
		Status:     statusFor(state),
		RawPayload: rawBody,
	}

	record.DocumentNumber = pickString("document_number", doc.Number, payload.Numero, sources)
	record.VerificationCode = pickString("verification_code", doc.VerificationCode, payload.CodigoVerificacao, sources)
	record.IssuedAt = pickTime("issued_at", doc.IssuedAt, payload.DataEmissao, sources)
	record.ServiceAmount = pickAmount("service_amount", doc.ServiceAmount, payload.ValorServicos, sources)
	record.DeductionsAmount = pickAmount("deductions_amount", doc.DeductionsAmount, payload.ValorDeducoes, sources)
	record.IssRate = pickAmount("iss_rate", doc.IssRate, payload.Aliquota, sources)
	record.IssAmount = pickAmount("iss_amount", doc.IssAmount, payload.ValorIss, sources)
	record.NetAmount = pickAmount("net_amount", doc.NetAmount, payload.ValorLiquido, sources)
	record.IssuerName = pickString("issuer_name", doc.IssuerName, payload.PrestadorRazaoSocial, sources)
	record.IssuerTaxId = pickString("issuer_tax_id", doc.IssuerTaxId, payload.PrestadorCnpj, sources)
	record.IssuerMunicipalRegistration = pickString("issuer_municipal_registration", doc.IssuerMunicipalRegistration, payload.PrestadorInscricaoMunicipal, sources)
	record.RecipientName = pickString("recipient_name", doc.RecipientName, payload.TomadorRazaoSocial, sources)
	record.RecipientTaxId = pickString("recipient_tax_id", doc.RecipientTaxId, payload.TomadorCnpj, sources)
	record.ServiceDescription = pickString("service_description", doc.ServiceDescription, payload.Discriminacao, sources)

	return record, sources
}

func statusFor(state PollState) models.EmissionStatus {
	switch state {
	case StateAuthorized:
		return models.EmissionStatusAuthorized
	case StateAuthorizationError:
		return models.EmissionStatusRejected
	default:
		return models.EmissionStatusTransportError
	}
}

func pickString(name string, docVal string, rawVal string, sources map[string]Source) string {
	if strings.TrimSpace(docVal) != "" {
		sources[name] = SourceDocument
		return docVal
	}
	if strings.TrimSpace(rawVal) != "" {
		sources[name] = SourceStatusPayload
		return rawVal
	}
	sources[name] = SourceAbsent
	return ""
}

func pickAmount(name string, docVal *decimal.Decimal, rawVal json.Number, sources map[string]Source) *decimal.Decimal {
	if docVal != nil {
		sources[name] = SourceDocument
		return docVal
	}
	if s := strings.TrimSpace(rawVal.String()); s != "" {
		if d, err := decimal.NewFromString(s); err == nil {
			sources[name] = SourceStatusPayload
			return &d
		}
	}
	sources[name] = SourceAbsent
	return nil
}

func pickTime(name string, docVal *time.Time, rawVal string, sources map[string]Source) *time.Time {
	if docVal != nil {
		sources[name] = SourceDocument
		return docVal
	}
	if t := parseIssuanceDate(rawVal); t != nil {
		sources[name] = SourceStatusPayload
		return t
	}
	sources[name] = SourceAbsent
	return nil
}
