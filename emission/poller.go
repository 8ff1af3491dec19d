package emission

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/notaflow/fiscal_backend/utils"
)

// Poll performs one status round trip and classifies the response. A 404 means
// the authority has not produced a record yet and therefore classifies
// Processing, not an error.
func (a *AuthorityAPI) Poll(ctx context.Context, reference string) PollResult {
	path := fmt.Sprintf("/v1/nfse/%s/status", reference)
	status, body, err := a.getRaw(ctx, path)
	if err != nil {
		return PollResult{State: StateTransportError, HTTPStatus: status}
	}
	return ClassifyResponse(status, body)
}

// ClassifyResponse maps one raw status response into the poll state space.
func ClassifyResponse(httpStatus int, body []byte) PollResult {
	if httpStatus == http.StatusNotFound {
		return PollResult{State: StateProcessing, HTTPStatus: httpStatus, RawBody: body}
	}
	if httpStatus < 200 || httpStatus >= 300 {
		return PollResult{State: StateTransportError, HTTPStatus: httpStatus, RawBody: body}
	}

	var payload StatusPayload
	if err := utils.UnmarshalFromJSON(body, &payload); err != nil {
		return PollResult{State: StateTransportError, HTTPStatus: httpStatus, RawBody: body}
	}

	return PollResult{
		State:      classifyStatusMarker(payload.Situacao),
		HTTPStatus: httpStatus,
		Payload:    payload,
		RawBody:    body,
	}
}

// classifyStatusMarker interprets the authority's processing-status field.
// Unknown markers mean the authority is still deciding.
func classifyStatusMarker(situacao string) PollState {
	switch strings.ToLower(strings.TrimSpace(situacao)) {
	case "autorizado":
		return StateAuthorized
	case "erro", "rejeitado", "negado":
		return StateAuthorizationError
	default:
		return StateProcessing
	}
}
