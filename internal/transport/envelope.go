package transport

import "encoding/json"

// Envelope is the body posted to the proxy endpoint. URL is either a path
// relative to the platform root or an absolute URL the proxy allows.
type Envelope struct {
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	JSON           json.RawMessage   `json:"json,omitempty"`
	Form           map[string]string `json:"form,omitempty"`
	File           *FilePart         `json:"file,omitempty"`
	AllowRedirects bool              `json:"allow_redirects"`
}

// FilePart is a single multipart file upload. Content is base64 on the wire.
type FilePart struct {
	Field   string `json:"field"`
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

const ProxyPath = "/proxy"
