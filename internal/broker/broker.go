// Package broker is the HTTP client for the WhatsApp broker's media download
// endpoint, used by C6's media-handling stage for both of its download
// attempts (first under DirectBaileysTimeout, then under
// BrokerDownloadTimeout) and by C10's retry worker. Grounded on the teacher connector-hub's
// HTTPRestConnector.Ingest (http_rest.go): a configured *http.Client with a
// hardened Transport, context-deadline-per-call, and response-size capping.
package broker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Client downloads media blobs from the WhatsApp broker by mediaKey/directPath.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// DirectBaileysTimeout and BrokerDownloadTimeout are the two deadlines
// spec.md §4.6 step 7 names explicitly.
const (
	DirectBaileysTimeout  = 5 * time.Second
	BrokerDownloadTimeout = 8 * time.Second
)

// New builds a Client. timeout bounds the underlying http.Client; per-call
// deadlines are still applied via context in Download.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   3 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       60 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Transport: transport, Timeout: timeout},
	}
}

// MaxMediaBytes caps how much of a download response is buffered in memory;
// larger blobs should be streamed by the caller directly to MediaStore, but
// the ingestion-time fetch only needs to confirm availability and hand bytes
// to MediaStore.Put in one shot for the common case.
const MaxMediaBytes = 64 << 20

// DownloadRequest carries the coordinates needed to fetch a pending media
// blob from the broker, mirroring the MediaJob fields it is built from.
type DownloadRequest struct {
	InstanceID string
	BrokerID   string
	MediaKey   string
	DirectPath string
	MimeType   string
}

// DownloadResult is the fetched blob plus its declared content type.
type DownloadResult struct {
	Data        []byte
	ContentType string
}

// Download fetches a media blob via the broker's /media endpoint. ctx should
// already carry the appropriate deadline (DirectBaileysTimeout or
// BrokerDownloadTimeout) set by the caller.
func (c *Client) Download(ctx context.Context, req DownloadRequest) (DownloadResult, error) {
	if req.DirectPath == "" && req.MediaKey == "" {
		return DownloadResult{}, fmt.Errorf("broker: no directPath or mediaKey available")
	}

	u, err := url.Parse(c.baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return DownloadResult{}, fmt.Errorf("broker: invalid base url %q", c.baseURL)
	}
	q := u.Query()
	q.Set("instanceId", req.InstanceID)
	q.Set("brokerId", req.BrokerID)
	if req.DirectPath != "" {
		q.Set("directPath", req.DirectPath)
	}
	if req.MediaKey != "" {
		q.Set("mediaKey", req.MediaKey)
	}
	u.Path = trimTrailingSlash(u.Path) + "/media"
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return DownloadResult{}, err
	}
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	res, err := c.http.Do(httpReq)
	if err != nil {
		return DownloadResult{}, err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return DownloadResult{}, fmt.Errorf("broker: download failed with status %s", res.Status)
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, MaxMediaBytes))
	if err != nil {
		return DownloadResult{}, err
	}
	contentType := res.Header.Get("Content-Type")
	if contentType == "" {
		contentType = req.MimeType
	}
	return DownloadResult{Data: data, ContentType: contentType}, nil
}

func trimTrailingSlash(p string) string {
	for len(p) > 0 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}
