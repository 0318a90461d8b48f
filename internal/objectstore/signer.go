package objectstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Credential is a time-boxed, scope-limited permission to write one
// specific object. Fields are the form values the storage service
// requires alongside the upload.
type Credential struct {
	URL       string
	Fields    map[string]string
	ExpiresAt time.Time
}

// Signer mints upload credentials scoped to exactly one object key,
// content type, and size ceiling.
type Signer interface {
	Enabled() bool
	PresignUpload(ctx context.Context, key, contentType string, maxSizeBytes int64, expiresAt time.Time) (Credential, error)
	StorageURI(key string) string
	PublicURL(key string) string
}

// Config describes the S3-compatible storage target.
type Config struct {
	Endpoint       string
	PublicEndpoint string
	Bucket         string
	Region         string
	AccessKey      string
	SecretKey      string
	Prefix         string
	UseSSL         bool
}

// NewSigner builds a signer from the configuration. An unconfigured
// target yields a noop signer so development setups work without a
// storage backend.
func NewSigner(cfg Config) Signer {
	trimmedBucket := strings.TrimSpace(cfg.Bucket)
	trimmedEndpoint := strings.TrimSpace(cfg.Endpoint)
	if trimmedBucket == "" || trimmedEndpoint == "" {
		return noopSigner{}
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	endpoint := trimmedEndpoint
	if strings.Contains(endpoint, "://") {
		if parsed, err := url.Parse(endpoint); err == nil {
			endpoint = parsed.Host
		}
	}
	baseURL := &url.URL{Scheme: scheme, Host: endpoint}
	if baseURL.Host == "" {
		return noopSigner{}
	}
	sanitized := cfg
	sanitized.Bucket = trimmedBucket
	return &s3Signer{cfg: sanitized, endpoint: baseURL}
}

type noopSigner struct{}

func (noopSigner) Enabled() bool { return false }

func (noopSigner) PresignUpload(ctx context.Context, key, contentType string, maxSizeBytes int64, expiresAt time.Time) (Credential, error) {
	return Credential{ExpiresAt: expiresAt}, nil
}

func (noopSigner) StorageURI(key string) string { return "" }

func (noopSigner) PublicURL(key string) string { return "" }

type s3Signer struct {
	cfg      Config
	endpoint *url.URL
	// now is overridable in tests.
	now func() time.Time
}

func (s *s3Signer) Enabled() bool { return true }

func (s *s3Signer) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// PresignUpload issues a POST policy credential bound to the exact
// object key, the declared content type, and a byte-range ceiling.
func (s *s3Signer) PresignUpload(ctx context.Context, key, contentType string, maxSizeBytes int64, expiresAt time.Time) (Credential, error) {
	finalKey := s.applyPrefix(key)
	if finalKey == "" {
		return Credential{}, fmt.Errorf("object key is required")
	}
	accessKey := strings.TrimSpace(s.cfg.AccessKey)
	secretKey := strings.TrimSpace(s.cfg.SecretKey)
	if accessKey == "" || secretKey == "" {
		return Credential{}, fmt.Errorf("object storage credentials are not configured")
	}
	region := strings.TrimSpace(s.cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	if maxSizeBytes <= 0 {
		return Credential{}, fmt.Errorf("size ceiling must be positive")
	}

	now := s.clock().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	scope := strings.Join([]string{dateStamp, region, "s3", "aws4_request"}, "/")
	credential := accessKey + "/" + scope

	policy := map[string]interface{}{
		"expiration": expiresAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		"conditions": []interface{}{
			map[string]string{"bucket": s.cfg.Bucket},
			map[string]string{"key": finalKey},
			map[string]string{"Content-Type": contentType},
			[]interface{}{"content-length-range", int64(1), maxSizeBytes},
			map[string]string{"x-amz-algorithm": "AWS4-HMAC-SHA256"},
			map[string]string{"x-amz-credential": credential},
			map[string]string{"x-amz-date": amzDate},
		},
	}
	policyJSON, err := json.Marshal(policy)
	if err != nil {
		return Credential{}, fmt.Errorf("encode upload policy: %w", err)
	}
	policyB64 := base64.StdEncoding.EncodeToString(policyJSON)

	signingKey := deriveSigningKey(secretKey, dateStamp, region)
	signature := hmacSHA256Hex(signingKey, policyB64)

	fields := map[string]string{
		"key":              finalKey,
		"Content-Type":     contentType,
		"policy":           policyB64,
		"x-amz-algorithm":  "AWS4-HMAC-SHA256",
		"x-amz-credential": credential,
		"x-amz-date":       amzDate,
		"x-amz-signature":  signature,
	}

	return Credential{
		URL:       s.bucketURL(),
		Fields:    fields,
		ExpiresAt: expiresAt.UTC(),
	}, nil
}

func (s *s3Signer) bucketURL() string {
	u := *s.endpoint
	u.Path = "/" + strings.TrimLeft(s.cfg.Bucket, "/")
	return u.String()
}

func (s *s3Signer) StorageURI(key string) string {
	finalKey := s.applyPrefix(key)
	if finalKey == "" {
		return ""
	}
	return "s3://" + s.cfg.Bucket + "/" + finalKey
}

func (s *s3Signer) PublicURL(key string) string {
	base := strings.TrimSpace(s.cfg.PublicEndpoint)
	if base == "" {
		return ""
	}
	trimmedBase := strings.TrimRight(base, "/")
	trimmedKey := strings.TrimLeft(s.applyPrefix(key), "/")
	if trimmedKey == "" {
		return trimmedBase
	}
	return trimmedBase + "/" + trimmedKey
}

func (s *s3Signer) applyPrefix(key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix := strings.Trim(strings.TrimSpace(s.cfg.Prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

func deriveSigningKey(secret, dateStamp, region string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte("s3"))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func hmacSHA256(key []byte, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func hmacSHA256Hex(key []byte, data string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}
