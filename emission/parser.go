package emission

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// documentPaths maps an element-path suffix to the extracted field key.
// Suffixes disambiguate colliding element names (both the provider and the
// recipient carry RazaoSocial/Cnpj; the RPS block carries its own Numero).
var documentPaths = map[string][]string{
	"numero":             {"InfNfse", "Numero"},
	"verification":       {"CodigoVerificacao"},
	"issued":             {"InfNfse", "DataEmissao"},
	"serviceAmount":      {"Valores", "ValorServicos"},
	"deductions":         {"Valores", "ValorDeducoes"},
	"issRate":            {"Valores", "Aliquota"},
	"issAmount":          {"Valores", "ValorIss"},
	"netAmount":          {"Valores", "ValorLiquidoNfse"},
	"description":        {"Servico", "Discriminacao"},
	"issuerName":         {"PrestadorServico", "RazaoSocial"},
	"issuerTaxId":        {"IdentificacaoPrestador", "Cnpj"},
	"issuerRegistration": {"IdentificacaoPrestador", "InscricaoMunicipal"},
	"recipientName":      {"TomadorServico", "RazaoSocial"},
	"recipientCnpj":      {"IdentificacaoTomador", "Cnpj"},
	"recipientCpf":       {"IdentificacaoTomador", "Cpf"},
}

// ParseDocument extracts the typed field set from the authority's XML record.
// Extraction is tolerant: a missing element yields an absent field and a
// present-but-unparseable numeric value yields an absent field. Only input
// that is not well-formed markup fails the parse.
func ParseDocument(raw []byte) (*StructuredDocument, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("empty document")
	}

	fields, err := extractFields(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed document: %w", err)
	}

	doc := &StructuredDocument{
		Number:                      fields["numero"],
		VerificationCode:            fields["verification"],
		IssuedAt:                    parseIssuanceDate(fields["issued"]),
		ServiceAmount:               parseAmount(fields["serviceAmount"]),
		DeductionsAmount:            parseAmount(fields["deductions"]),
		IssRate:                     parseAmount(fields["issRate"]),
		IssAmount:                   parseAmount(fields["issAmount"]),
		NetAmount:                   parseAmount(fields["netAmount"]),
		IssuerName:                  fields["issuerName"],
		IssuerTaxId:                 fields["issuerTaxId"],
		IssuerMunicipalRegistration: fields["issuerRegistration"],
		RecipientName:               fields["recipientName"],
		RecipientTaxId:              fields["recipientCnpj"],
		ServiceDescription:          fields["description"],
	}
	if doc.RecipientTaxId == "" {
		doc.RecipientTaxId = fields["recipientCpf"]
	}
	return doc, nil
}

// extractFields walks the token stream keeping an element-path stack and
// captures character data for every path that matches a known suffix. First
// match wins so repeated blocks cannot overwrite earlier values.
func extractFields(raw []byte) (map[string]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	fields := map[string]string{}
	var stack []string
	sawElement := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			sawElement = true
			stack = append(stack, t.Name.Local)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			text := strings.TrimSpace(string(t))
			if text == "" {
				continue
			}
			for key, suffix := range documentPaths {
				if _, seen := fields[key]; seen {
					continue
				}
				if pathHasSuffix(stack, suffix) {
					fields[key] = text
				}
			}
		}
	}
	// Plain text decodes as top-level character data without a syntax error;
	// an error page is not a document.
	if !sawElement {
		return nil, errors.New("no markup found")
	}
	return fields, nil
}

func pathHasSuffix(stack []string, suffix []string) bool {
	if len(stack) < len(suffix) {
		return false
	}
	offset := len(stack) - len(suffix)
	for i, name := range suffix {
		if stack[offset+i] != name {
			return false
		}
	}
	return true
}

// parseAmount converts a decimal-safe amount; anything unparseable is absent.
func parseAmount(s string) *decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	// Some municipal providers emit comma decimal separators.
	s = strings.ReplaceAll(s, ",", ".")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}

var issuanceDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseIssuanceDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range issuanceDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
