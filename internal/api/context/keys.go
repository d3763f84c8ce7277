package context

type Key string

const (
	Claims  Key = "claims"
	Params  Key = "params"
	Request Key = "request"
)

// RequestInfo is the caller metadata recorded with audit entries.
type RequestInfo struct {
	IPAddress string
	UserAgent string
}
