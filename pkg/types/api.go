package types

// Request and response bodies of the admin HTTP surface.

type IdentityInfo struct {
	Host              string         `json:"host"`
	NodeID            string         `json:"node_id"`
	PublicKey         string         `json:"public_key"`
	DisplayName       string         `json:"display_name,omitempty"`
	ProtocolVersion   string         `json:"protocol_version"`
	FederationEnabled bool           `json:"federation_enabled"`
	Mode              FederationMode `json:"mode"`
}

type TrustUpdate struct {
	TrustLevel TrustLevel `json:"trust_level"`
}

type AddUserRequest struct {
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name,omitempty"`
}

type SendRequest struct {
	From        string        `json:"from"`
	To          []string      `json:"to"`
	Type        string        `json:"type,omitempty"`
	SurfaceText string        `json:"surface_text"`
	Urgency     string        `json:"urgency,omitempty"`
	Context     []ContextItem `json:"context,omitempty"`
}

type SendResponse struct {
	MessageID string `json:"message_id"`
	// Delivered lists local recipients written directly.
	Delivered []string `json:"delivered,omitempty"`
	// Unresolved lists local recipients with no matching user.
	Unresolved []string       `json:"unresolved,omitempty"`
	Outbox     []*OutboxEntry `json:"outbox,omitempty"`
	// RouteError is set when the message was stored but remote recipients
	// could not be queued.
	RouteError string `json:"route_error,omitempty"`
}

type SweepResponse struct {
	Attempted int    `json:"attempted"`
	Error     string `json:"error,omitempty"`
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
