// Package emission implements the asynchronous document-emission monitor:
// after a fiscal document is submitted to the authority integration, its final
// status is only known by polling. The monitor owns the polling state machine,
// merges the polled status payload with the authority's structured document and
// persists one canonical record per correlation reference.
package emission

import (
	"context"
	"encoding/json"
	"time"

	"github.com/notaflow/fiscal_backend/models"
	"github.com/shopspring/decimal"
)

// PollState classifies one status-endpoint response.
// Processing is the only state that keeps the session polling.
type PollState string

const (
	StateProcessing         PollState = "processing"
	StateAuthorized         PollState = "authorized"
	StateAuthorizationError PollState = "authorization_error"
	StateTransportError     PollState = "transport_error"
	StateTimeout            PollState = "timeout"
	StateCancelled          PollState = "cancelled"
)

// Terminal reports whether the session stops in this state.
func (s PollState) Terminal() bool {
	return s != StateProcessing
}

// StatusPayload is the authority integration's status response. Every field is
// optional; amounts arrive as json.Number so a missing or malformed value
// degrades to absent instead of failing the decode.
type StatusPayload struct {
	Situacao                    string      `json:"situacao"`
	Mensagem                    string      `json:"mensagem"`
	Numero                      string      `json:"numero"`
	CodigoVerificacao           string      `json:"codigo_verificacao"`
	DataEmissao                 string      `json:"data_emissao"`
	CaminhoXml                  string      `json:"caminho_xml"`
	ValorServicos               json.Number `json:"valor_servicos"`
	ValorDeducoes               json.Number `json:"valor_deducoes"`
	Aliquota                    json.Number `json:"aliquota"`
	ValorIss                    json.Number `json:"valor_iss"`
	ValorLiquido                json.Number `json:"valor_liquido"`
	PrestadorRazaoSocial        string      `json:"prestador_razao_social"`
	PrestadorCnpj               string      `json:"prestador_cnpj"`
	PrestadorInscricaoMunicipal string      `json:"prestador_inscricao_municipal"`
	TomadorRazaoSocial          string      `json:"tomador_razao_social"`
	TomadorCnpj                 string      `json:"tomador_cnpj"`
	Discriminacao               string      `json:"discriminacao"`
}

// PollResult is the outcome of exactly one status round trip.
type PollResult struct {
	State      PollState
	HTTPStatus int
	Payload    StatusPayload
	RawBody    []byte
}

// StructuredDocument is the flat, typed field set extracted from the
// authority's XML record. Absent fields stay zero / nil.
type StructuredDocument struct {
	Number                      string
	VerificationCode            string
	IssuedAt                    *time.Time
	ServiceAmount               *decimal.Decimal
	DeductionsAmount            *decimal.Decimal
	IssRate                     *decimal.Decimal
	IssAmount                   *decimal.Decimal
	NetAmount                   *decimal.Decimal
	IssuerName                  string
	IssuerTaxId                 string
	IssuerMunicipalRegistration string
	RecipientName               string
	RecipientTaxId              string
	ServiceDescription          string
}

// StatusUpdate is pushed to the live status channel on every state transition
// and once per second while a session is active.
type StatusUpdate struct {
	Reference      string `json:"reference"`
	State          string `json:"state"`
	Message        string `json:"message"`
	AttemptsUsed   int    `json:"attempts_used"`
	MaxAttempts    int    `json:"max_attempts"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
	Final          bool   `json:"final"`
}

// SubmissionPayload is the document body handed to the authority integration
// together with the correlation reference.
type SubmissionPayload struct {
	RpsNumero          int             `json:"rps_numero"`
	RpsSerie           string          `json:"rps_serie"`
	DataEmissao        time.Time       `json:"data_emissao"`
	CodigoServico      string          `json:"codigo_servico"`
	Discriminacao      string          `json:"discriminacao"`
	ValorServicos      decimal.Decimal `json:"valor_servicos"`
	ValorDeducoes      decimal.Decimal `json:"valor_deducoes"`
	Aliquota           decimal.Decimal `json:"aliquota"`
	IssRetido          bool            `json:"iss_retido"`
	PrestadorCnpj      string          `json:"prestador_cnpj"`
	PrestadorInscricao string          `json:"prestador_inscricao"`
	TomadorRazaoSocial string          `json:"tomador_razao_social"`
	TomadorCnpj        string          `json:"tomador_cnpj"`
	TomadorEmail       string          `json:"tomador_email"`
}

// Poller performs exactly one status round trip and classifies the response.
// Retry scheduling belongs to the Monitor, never to the Poller.
type Poller interface {
	Poll(ctx context.Context, reference string) PollResult
}

// DocumentFetcher retrieves the raw structured-document bytes by locator.
type DocumentFetcher interface {
	FetchDocument(ctx context.Context, locator string) ([]byte, error)
}

// SubmissionService accepts a document payload under a correlation reference.
type SubmissionService interface {
	Submit(ctx context.Context, reference string, payload SubmissionPayload) error
}

// RecordStore persists emission records with upsert semantics keyed by the
// correlation reference.
type RecordStore interface {
	Upsert(ctx context.Context, record *models.EmissionRecord) error
	GetByReference(ctx context.Context, businessId string, reference string) (*models.EmissionRecord, error)
}

// StatusNotifier receives every StatusUpdate of a session.
type StatusNotifier interface {
	Notify(update StatusUpdate)
}

// TerminalEvent describes a session reaching a terminal state. Record is nil
// when the terminal state persists nothing (timeout). RawDocument is set when
// the structured document was retrieved.
type TerminalEvent struct {
	Reference   string
	BusinessId  string
	State       PollState
	Record      *models.EmissionRecord
	RawDocument []byte
}

// TerminalHook runs after a session reached a terminal state. Hooks are
// best-effort: a failing hook never undoes the terminal transition.
type TerminalHook func(ctx context.Context, event TerminalEvent)
