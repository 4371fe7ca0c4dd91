package ioutils

const (
	// MimeTextYAML is the MIME type for YAML
	MimeTextYAML string = "text/yaml"
	// MimeApplicationJSON is the MIME type for JSON
	MimeApplicationJSON string = "application/json"
	// MimeApplicationOctetStream is the MIME type for binary data
	MimeApplicationOctetStream string = "application/octet-stream"
)
