package supabase

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kimhsiao/fieldops/internal/backend"
)

// StorageConfig holds the S3-compatible Storage settings.
type StorageConfig struct {
	Endpoint  string // e.g. https://abc.supabase.co/storage/v1/s3
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	// PublicURL is prepended to object keys in returned references. Empty
	// returns the bare key.
	PublicURL string
}

// Storage uploads objects through the S3 protocol with path-style URLs.
type Storage struct {
	config     StorageConfig
	httpClient *http.Client
	now        func() time.Time
}

// NewStorage creates a Storage client.
func NewStorage(config StorageConfig) *Storage {
	if config.Region == "" {
		config.Region = "us-east-1"
	}
	config.Endpoint = strings.TrimSuffix(config.Endpoint, "/")
	return &Storage{
		config: config,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		now: time.Now,
	}
}

// Upload implements backend.Uploader.
func (s *Storage) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	req, err := s.createRequest(ctx, http.MethodPut, key, data)
	if err != nil {
		return "", backend.Permanent("upload", s.config.Bucket, 0, "", err.Error())
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", backend.Transient("upload", s.config.Bucket, err)
	}
	defer resp.Body.Close()

	if kind := backend.StatusKind(resp.StatusCode); kind != backend.KindNone {
		body, _ := io.ReadAll(resp.Body)
		return "", &backend.Error{
			Kind:       kind,
			Op:         "upload",
			Collection: s.config.Bucket,
			Status:     resp.StatusCode,
			Message:    fmt.Sprintf("upload failed: %s", strings.TrimSpace(string(body))),
		}
	}

	if s.config.PublicURL == "" {
		return key, nil
	}
	return strings.TrimSuffix(s.config.PublicURL, "/") + "/" + key, nil
}

// createRequest builds a SigV4-signed request for key.
func (s *Storage) createRequest(ctx context.Context, method, key string, body []byte) (*http.Request, error) {
	u, err := url.Parse(fmt.Sprintf("%s/%s/%s", s.config.Endpoint, s.config.Bucket, strings.TrimPrefix(key, "/")))
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	amzDate := s.now().UTC().Format("20060102T150405Z")
	payloadHash := hex.EncodeToString(hashSHA256(body))
	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	req.Header.Set("Authorization", s.authorization(method, u, amzDate, payloadHash))
	return req, nil
}

// authorization computes the AWS Signature V4 Authorization header.
func (s *Storage) authorization(method string, u *url.URL, amzDate, payloadHash string) string {
	dateStamp := amzDate[:8]
	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, s.config.Region)

	signedHeaders := "host;x-amz-content-sha256;x-amz-date"
	canonicalHeaders := fmt.Sprintf("host:%s\nx-amz-content-sha256:%s\nx-amz-date:%s\n",
		u.Host, payloadHash, amzDate)

	canonicalRequest := strings.Join([]string{
		method,
		u.EscapedPath(),
		u.RawQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	algorithm := "AWS4-HMAC-SHA256"
	stringToSign := strings.Join([]string{
		algorithm,
		amzDate,
		scope,
		hex.EncodeToString(hashSHA256([]byte(canonicalRequest))),
	}, "\n")

	kDate := hmacSHA256([]byte("AWS4"+s.config.SecretKey), dateStamp)
	kRegion := hmacSHA256(kDate, s.config.Region)
	kService := hmacSHA256(kRegion, "s3")
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	return fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, s.config.AccessKey, scope, signedHeaders, signature)
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func hashSHA256(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}
