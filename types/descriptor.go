package types

// ProxyType mirrors the proxyType values of the WebDriver proxy capability.
type ProxyType string

const (
	ProxyTypeManual ProxyType = "manual"
)

// ProxyDescriptor is the WebDriver "proxy" capability for one proxy session.
// Attach it to a driver's capabilities to route browser traffic through the
// session port.
type ProxyDescriptor struct {
	ProxyType ProxyType `json:"proxyType"`
	HTTPProxy string    `json:"httpProxy,omitempty"`
	SSLProxy  string    `json:"sslProxy,omitempty"`
}

// Capability returns the descriptor in the map form most driver libraries accept.
func (d ProxyDescriptor) Capability() map[string]any {
	capability := map[string]any{"proxyType": string(d.ProxyType)}
	if d.HTTPProxy != "" {
		capability["httpProxy"] = d.HTTPProxy
	}
	if d.SSLProxy != "" {
		capability["sslProxy"] = d.SSLProxy
	}
	return capability
}
