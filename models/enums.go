package models

// ServiceInvoiceStatus tracks the lifecycle of a service invoice inside the
// application, independent of the authority's emission outcome.
type ServiceInvoiceStatus string

const (
	ServiceInvoiceStatusDraft      ServiceInvoiceStatus = "Draft"
	ServiceInvoiceStatusSubmitted  ServiceInvoiceStatus = "Submitted"
	ServiceInvoiceStatusAuthorized ServiceInvoiceStatus = "Authorized"
	ServiceInvoiceStatusRejected   ServiceInvoiceStatus = "Rejected"
	ServiceInvoiceStatusVoid       ServiceInvoiceStatus = "Void"
)

// EmissionStatus is the terminal processing status persisted on an
// EmissionRecord. Values mirror the authority integration's status markers.
type EmissionStatus string

const (
	EmissionStatusAuthorized     EmissionStatus = "autorizado"
	EmissionStatusRejected       EmissionStatus = "erro"
	EmissionStatusTransportError EmissionStatus = "falha_comunicacao"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)
