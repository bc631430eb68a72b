// Package security holds TLS settings shared by the relay's listeners and clients.
package security

// ServerTLSConfig holds TLS configuration for the HTTP listener.
type ServerTLSConfig struct {
	Enabled    bool   `koanf:"enabled" json:"enabled"`
	CertFile   string `koanf:"cert_file" json:"cert_file,omitempty"`
	KeyFile    string `koanf:"key_file" json:"key_file,omitempty"`
	MinVersion string `koanf:"min_version" json:"min_version,omitempty"` // "1.2" or "1.3"

	// ClientCAFile enables client certificate verification when set.
	ClientCAFile string `koanf:"client_ca_file" json:"client_ca_file,omitempty"`
}

// ClientTLSConfig holds TLS configuration for outbound connections.
// The system CA bundle is always trusted; CAFiles are additional roots.
type ClientTLSConfig struct {
	Enabled            bool     `koanf:"enabled" json:"enabled"`
	CAFiles            []string `koanf:"ca_files" json:"ca_files,omitempty"`
	InsecureSkipVerify bool     `koanf:"insecure_skip_verify" json:"insecure_skip_verify,omitempty"` // tests only
	MinVersion         string   `koanf:"min_version" json:"min_version,omitempty"`
}
