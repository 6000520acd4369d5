package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-authgate/session-cli/session"
)

const maxDrainBytes = 64 << 10

// Form is a multipart/form-data body. Use it for payloads that carry files.
type Form struct {
	Fields map[string]string
	Files  []File
}

// File is one file part of a Form.
type File struct {
	Field    string
	Filename string
	Content  io.Reader
}

// Request describes one logical API call. URL may be relative to the session
// base URL.
//
// Body is sent as follows: nil sends nothing; *Form is sent as multipart;
// []byte, json.RawMessage, string and io.Reader are sent verbatim as JSON;
// any other value is JSON-encoded.
type Request struct {
	Method string
	URL    string
	Body   any
	Header http.Header
}

// prepared is a Request with its body buffered, so a retry resends identical
// bytes.
type prepared struct {
	method      string
	url         string
	header      http.Header
	body        []byte
	contentType string
}

func prepare(r Request, resolve func(string) string) (*prepared, error) {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}

	p := &prepared{
		method:      method,
		url:         resolve(r.URL),
		header:      r.Header.Clone(),
		contentType: "application/json",
	}
	if p.header == nil {
		p.header = make(http.Header)
	}

	switch body := r.Body.(type) {
	case nil:
	case *Form:
		buf, contentType, err := body.encode()
		if err != nil {
			return nil, err
		}
		p.body = buf
		p.contentType = contentType
	case []byte:
		p.body = body
	case json.RawMessage:
		p.body = body
	case string:
		p.body = []byte(body)
	case io.Reader:
		buf, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		p.body = buf
	default:
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		p.body = buf
	}
	return p, nil
}

func (f *Form) encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for name, value := range f.Fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("failed to write form field %q: %w", name, err)
		}
	}
	for _, file := range f.Files {
		part, err := w.CreateFormFile(file.Field, file.Filename)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create form file %q: %w", file.Field, err)
		}
		if file.Content != nil {
			if _, err := io.Copy(part, file.Content); err != nil {
				return nil, "", fmt.Errorf("failed to write form file %q: %w", file.Field, err)
			}
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func (p *prepared) mutating() bool {
	return !session.IsReadOnly(p.method)
}

// build creates a fresh *http.Request for one attempt.
func (p *prepared) build(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if p.body != nil {
		body = bytes.NewReader(p.body)
	}
	req, err := http.NewRequestWithContext(ctx, p.method, p.url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = p.header.Clone()
	req.Header.Set("Content-Type", p.contentType)
	return req, nil
}

// peekBody reads resp.Body and replaces it so the caller can read it again.
func peekBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return body, err
}

// discard drains and closes the body of a response nobody will read.
func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	resp.Body.Close()
}
