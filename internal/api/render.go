package api

import (
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"strings"
)

type listEntry struct {
	URL       string `json:"url" xml:"url"`
	CreatedAt string `json:"created_at" xml:"created_at"`
}

type listDocument struct {
	XMLName          xml.Name    `json:"-" xml:"data"`
	MinRetryInterval int64       `json:"min_retry_interval" xml:"min_retry_interval"`
	MaxRetryInterval int64       `json:"max_retry_interval" xml:"max_retry_interval"`
	Messages         []listEntry `json:"messages" xml:"messages>message"`
}

type adminEntry struct {
	GUID        string  `json:"guid"`
	Queue       string  `json:"queue"`
	IsDeleted   bool    `json:"is_deleted"`
	CreatedAt   string  `json:"created_at"`
	DeletedAt   *string `json:"deleted_at"`
	ContentType string  `json:"content_type"`
}

type adminDocument struct {
	Messages []adminEntry `json:"messages"`
}

type collectResponse struct {
	Success bool `json:"success"`
	Deleted int  `json:"deleted"`
}

type format struct {
	acceptPrefix string
	contentType  string
	encode       func(w io.Writer, doc listDocument) error
}

// formats is checked in order against the Accept header; plaintext is the
// fallback and matches everything.
var formats = []format{
	{"application/json", "application/json", encodeJSON},
	{"application/xml", "application/xml", encodeXML},
	{"", "text/plain; charset=utf-8", encodePlain},
}

func negotiate(accept string) format {
	accept = strings.TrimSpace(accept)
	for _, f := range formats {
		if strings.HasPrefix(accept, f.acceptPrefix) {
			return f
		}
	}
	return formats[len(formats)-1]
}

func render(w http.ResponseWriter, accept string, doc listDocument) {
	f := negotiate(accept)
	w.Header().Set("Content-Type", f.contentType)
	w.WriteHeader(http.StatusOK)
	_ = f.encode(w, doc)
}

func encodeJSON(w io.Writer, doc listDocument) error {
	return json.NewEncoder(w).Encode(doc)
}

func encodeXML(w io.Writer, doc listDocument) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	return xml.NewEncoder(w).Encode(doc)
}

func encodePlain(w io.Writer, doc listDocument) error {
	urls := make([]string, 0, len(doc.Messages))
	for _, m := range doc.Messages {
		urls = append(urls, m.URL)
	}
	_, err := io.WriteString(w, strings.Join(urls, "\n"))
	return err
}
