package endserver

// ConfigTransport names a transport family. Values are the "transport" field
// of the config wire shape.
type ConfigTransport string

const (
	TransportStdio          ConfigTransport = "stdio"
	TransportStreamableHTTP ConfigTransport = "streamable-http"
)

// Supported reports whether t is a transport the gateway can build.
func (t ConfigTransport) Supported() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// TransportOf returns the family of cfg, or "" when cfg is nil.
func TransportOf(cfg TransportConfig) ConfigTransport {
	if cfg == nil {
		return ""
	}
	return cfg.transport()
}

// AsStdio narrows cfg to a non-nil *StdioConfig.
func AsStdio(cfg TransportConfig) (*StdioConfig, bool) {
	c, ok := cfg.(*StdioConfig)
	return c, ok && c != nil
}

// AsHTTP narrows cfg to a non-nil *HTTPConfig.
func AsHTTP(cfg TransportConfig) (*HTTPConfig, bool) {
	c, ok := cfg.(*HTTPConfig)
	return c, ok && c != nil
}
