// Package registry holds the catalog of downstream agent cards and the
// resolution logic that maps a service type plus an optional tenant to
// exactly one endpoint.
package registry

// Tag keys with structural meaning for routing. Every other tag, and all
// descriptions and examples, are untrusted metadata consumed only by the
// classifier.
const (
	TagType     = "type"
	TagTenantID = "tenant_id"
)

// ServiceCard describes one downstream agent instance.
type ServiceCard struct {
	Name            string  `json:"name"`
	URL             string  `json:"url"`
	Description     string  `json:"description,omitempty"`
	ProtocolVersion string  `json:"protocolVersion,omitempty"`
	Skills          []Skill `json:"skills"`
}

// Skill is a unit of capability advertised on a card. Tags carry the
// routing keys; Description and Examples exist for the classifier.
type Skill struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Examples    []string          `json:"examples,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// ServiceType returns the routing type tag, or "" if the skill has none.
func (s Skill) ServiceType() string {
	return s.Tags[TagType]
}

// TenantID returns the tenant tag, or "" for globally scoped skills.
func (s Skill) TenantID() string {
	return s.Tags[TagTenantID]
}

// Endpoint is the result of a successful resolution.
type Endpoint struct {
	CardName string
	URL      string
}

// Error codes for registry and resolution failures.
const (
	CodeRegistryUnavailable   = "REGISTRY_UNAVAILABLE"
	CodeAgentNotFound         = "AGENT_NOT_FOUND"
	CodeAmbiguousServiceMatch = "AMBIGUOUS_SERVICE_MATCH"
)

// Error is a structured registry error.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// NewError creates a new registry Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// ErrorCode extracts the registry error code from err, or "" if err is not a
// registry Error.
func ErrorCode(err error) string {
	if regErr, ok := err.(*Error); ok {
		return regErr.Code
	}
	return ""
}
