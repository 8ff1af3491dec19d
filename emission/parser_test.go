package emission

import (
	"strings"
	"testing"
)

const sampleNfseXML = `<?xml version="1.0" encoding="UTF-8"?>
<ConsultarNfseResposta>
  <CompNfse>
    <Nfse>
      <InfNfse>
        <Numero>14810</Numero>
        <CodigoVerificacao>ABCD-1234</CodigoVerificacao>
        <DataEmissao>2026-03-09T14:22:01</DataEmissao>
        <IdentificacaoRps>
          <Numero>77</Numero>
        </IdentificacaoRps>
        <Servico>
          <Valores>
            <ValorServicos>1500.00</ValorServicos>
            <ValorDeducoes>0.00</ValorDeducoes>
            <ValorIss>30.00</ValorIss>
            <Aliquota>2.00</Aliquota>
            <ValorLiquidoNfse>1470.00</ValorLiquidoNfse>
          </Valores>
          <Discriminacao>Consultoria em tecnologia</Discriminacao>
        </Servico>
        <PrestadorServico>
          <IdentificacaoPrestador>
            <Cnpj>11222333000181</Cnpj>
            <InscricaoMunicipal>123456</InscricaoMunicipal>
          </IdentificacaoPrestador>
          <RazaoSocial>Empresa Exemplo LTDA</RazaoSocial>
        </PrestadorServico>
        <TomadorServico>
          <IdentificacaoTomador>
            <Cnpj>99888777000155</Cnpj>
          </IdentificacaoTomador>
          <RazaoSocial>Cliente Final SA</RazaoSocial>
        </TomadorServico>
      </InfNfse>
    </Nfse>
  </CompNfse>
</ConsultarNfseResposta>`

func TestParseDocumentFullRecord(t *testing.T) {
	doc, err := ParseDocument([]byte(sampleNfseXML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if doc.Number != "14810" {
		t.Errorf("Number = %q, want 14810", doc.Number)
	}
	if doc.VerificationCode != "ABCD-1234" {
		t.Errorf("VerificationCode = %q, want ABCD-1234", doc.VerificationCode)
	}
	if doc.IssuedAt == nil {
		t.Fatal("IssuedAt is nil")
	}
	if got := doc.IssuedAt.Format("2006-01-02"); got != "2026-03-09" {
		t.Errorf("IssuedAt = %s, want 2026-03-09", got)
	}
	if doc.ServiceAmount == nil || doc.ServiceAmount.String() != "1500" {
		t.Errorf("ServiceAmount = %v, want 1500", doc.ServiceAmount)
	}
	if doc.NetAmount == nil || doc.NetAmount.String() != "1470" {
		t.Errorf("NetAmount = %v, want 1470", doc.NetAmount)
	}
	if doc.IssuerName != "Empresa Exemplo LTDA" {
		t.Errorf("IssuerName = %q", doc.IssuerName)
	}
	if doc.IssuerTaxId != "11222333000181" {
		t.Errorf("IssuerTaxId = %q", doc.IssuerTaxId)
	}
	if doc.RecipientName != "Cliente Final SA" {
		t.Errorf("RecipientName = %q", doc.RecipientName)
	}
	if doc.RecipientTaxId != "99888777000155" {
		t.Errorf("RecipientTaxId = %q", doc.RecipientTaxId)
	}
	if doc.ServiceDescription != "Consultoria em tecnologia" {
		t.Errorf("ServiceDescription = %q", doc.ServiceDescription)
	}
}

func TestParseDocumentRpsNumberDoesNotShadowDocumentNumber(t *testing.T) {
	// The RPS block carries its own Numero before the document number in some
	// providers' output; the path suffix must not match it.
	xmlBody := `<Nfse><InfNfse><IdentificacaoRps><Numero>77</Numero></IdentificacaoRps><Numero>14810</Numero></InfNfse></Nfse>`
	doc, err := ParseDocument([]byte(xmlBody))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Number != "14810" {
		t.Errorf("Number = %q, want 14810", doc.Number)
	}
}

func TestParseDocumentCommaDecimalSeparator(t *testing.T) {
	xmlBody := `<Nfse><InfNfse><Servico><Valores><ValorServicos>1500,50</ValorServicos></Valores></Servico></InfNfse></Nfse>`
	doc, err := ParseDocument([]byte(xmlBody))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.ServiceAmount == nil || doc.ServiceAmount.String() != "1500.5" {
		t.Errorf("ServiceAmount = %v, want 1500.5", doc.ServiceAmount)
	}
}

func TestParseDocumentUnparseableAmountIsAbsent(t *testing.T) {
	xmlBody := `<Nfse><InfNfse><Numero>5</Numero><Servico><Valores><ValorServicos>n/a</ValorServicos></Valores></Servico></InfNfse></Nfse>`
	doc, err := ParseDocument([]byte(xmlBody))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.ServiceAmount != nil {
		t.Errorf("ServiceAmount = %v, want nil", doc.ServiceAmount)
	}
	if doc.Number != "5" {
		t.Errorf("Number = %q, extraction should continue past bad amounts", doc.Number)
	}
}

func TestParseDocumentMissingElementsAreAbsent(t *testing.T) {
	doc, err := ParseDocument([]byte(`<Nfse><InfNfse><Numero>9</Numero></InfNfse></Nfse>`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.VerificationCode != "" || doc.IssuedAt != nil || doc.NetAmount != nil {
		t.Errorf("expected absent fields, got %+v", doc)
	}
}

func TestParseDocumentRecipientCpfFallback(t *testing.T) {
	xmlBody := `<Nfse><InfNfse><TomadorServico><IdentificacaoTomador><Cpf>12345678901</Cpf></IdentificacaoTomador></TomadorServico></InfNfse></Nfse>`
	doc, err := ParseDocument([]byte(xmlBody))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.RecipientTaxId != "12345678901" {
		t.Errorf("RecipientTaxId = %q, want CPF fallback", doc.RecipientTaxId)
	}
}

func TestParseDocumentMalformedMarkup(t *testing.T) {
	if _, err := ParseDocument([]byte(`<Nfse><InfNfse>`)); err == nil {
		t.Fatal("expected error for truncated markup")
	}
	if _, err := ParseDocument([]byte("   ")); err == nil {
		t.Fatal("expected error for empty input")
	}
	if _, err := ParseDocument([]byte(strings.Repeat("not xml ", 4))); err == nil {
		t.Fatal("expected error for non-markup input")
	}
}
