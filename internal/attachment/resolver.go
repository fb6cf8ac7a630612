package attachment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/mailroom/internal/mail"
	"github.com/ignite/mailroom/internal/pkg/httpretry"
	"github.com/ignite/mailroom/internal/pkg/logger"
	"github.com/ignite/mailroom/internal/store"
)

// Fetch modes accepted in an attachment descriptor. An empty mode is
// inferred from the shape of storage_path.
const (
	ModeBase64     = "base64"
	ModeHTTPURL    = "http_url"
	ModeEndpoint   = "endpoint"
	ModeFilesystem = "filesystem"
	ModeS3         = "s3"
)

// DefaultFetchTimeout bounds a single attachment fetch.
const DefaultFetchTimeout = 30 * time.Second

// DefaultMaxConcurrent bounds parallel fetches within one resolution.
const DefaultMaxConcurrent = 3

// md5Marker matches an inline content hash embedded in a filename,
// e.g. "report_{MD5:a1b2c3}.pdf". The marker lets submitters hint the
// cache key before the content is ever fetched.
var md5Marker = regexp.MustCompile(`\{MD5:([a-fA-F0-9]+)\}`)

// explicitServer matches the "[https://host/path]params" storage_path
// form that routes an endpoint fetch to a specific server.
var explicitServer = regexp.MustCompile(`^\[([^\]]+)\](.*)$`)

var underscoreRuns = regexp.MustCompile(`_+`)

// ParseFilename strips an {MD5:...} marker from a filename and returns
// the cleaned name plus the lowercase hash, or ("", name) unchanged when
// no marker is present. Underscores left dangling by the removal are
// collapsed so "report_{MD5:ab}.pdf" comes back as "report.pdf".
func ParseFilename(filename string) (string, string) {
	m := md5Marker.FindStringSubmatch(filename)
	if m == nil {
		return filename, ""
	}
	clean := md5Marker.ReplaceAllString(filename, "")
	clean = underscoreRuns.ReplaceAllString(clean, "_")
	clean = strings.Trim(clean, "_")
	clean = strings.ReplaceAll(clean, "_.", ".")
	return clean, strings.ToLower(m[1])
}

// GuessMime returns the MIME type for a filename, falling back to
// application/octet-stream when the extension is unknown.
func GuessMime(filename string) string {
	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	if mt == "" {
		return "application/octet-stream"
	}
	// TypeByExtension may append a charset parameter; attachments carry
	// the bare type.
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}

// S3API is the subset of the S3 client the resolver uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewS3Client builds an S3 client from the standard config chain. A
// profile selects a shared-config profile; an access/secret key pair
// overrides the chain with static credentials.
func NewS3Client(ctx context.Context, region, profile, accessKey, secretKey string) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// Request carries the tenant context for one resolution pass.
type Request struct {
	Endpoint   string                 // tenant attachment endpoint, "" falls back to the service default
	Auth       store.AuthConfig       // auth for the tenant endpoint and plain URL fetches
	LargeFiles *store.LargeFilePolicy // per-tenant size policy, nil for none
}

// Options configures a Resolver.
type Options struct {
	BaseDir         string           // root for filesystem fetches; "" forbids relative paths
	DefaultEndpoint string           // service-wide attachment endpoint fallback
	DefaultAuth     store.AuthConfig // auth for the default endpoint

	// HTTPClient executes URL and endpoint fetches. Nil gets a retrying
	// client with backoff bounds that fit inside the fetch timeout.
	HTTPClient httpretry.HTTPDoer

	S3            S3API
	S3Bucket      string // default bucket for bare (non-URL) S3 keys
	Cache         *TieredCache
	FetchTimeout  time.Duration
	MaxConcurrent int   // parallel fetches per resolution, 0 for the default
	MaxBytes      int64 // service-wide hard cap, 0 for unlimited

	// DefaultLargeFiles applies to tenants that configure no policy of
	// their own. Nil means no default limit.
	DefaultLargeFiles *store.LargeFilePolicy
}

// Resolver turns attachment descriptors into raw content. Fetching
// dispatches on fetch_mode; content is cached by MD5 when a cache is
// configured.
type Resolver struct {
	baseDir           string
	defaultEndpoint   string
	defaultAuth       store.AuthConfig
	client            httpretry.HTTPDoer
	s3                S3API
	s3Bucket          string
	cache             *TieredCache
	fetchTimeout      time.Duration
	maxConcurrent     int
	maxBytes          int64
	defaultLargeFiles *store.LargeFilePolicy
}

// NewResolver creates a Resolver.
func NewResolver(o Options) *Resolver {
	client := o.HTTPClient
	if client == nil {
		client = httpretry.NewRetryClientWithBackoff(nil, 2, 500*time.Millisecond, 5*time.Second)
	}
	timeout := o.FetchTimeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	maxConcurrent := o.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	baseDir := o.BaseDir
	if baseDir != "" {
		if abs, err := filepath.Abs(baseDir); err == nil {
			baseDir = abs
		}
	}
	return &Resolver{
		baseDir:           baseDir,
		defaultEndpoint:   o.DefaultEndpoint,
		defaultAuth:       o.DefaultAuth,
		client:            client,
		s3:                o.S3,
		s3Bucket:          o.S3Bucket,
		cache:             o.Cache,
		fetchTimeout:      timeout,
		maxConcurrent:     maxConcurrent,
		maxBytes:          o.MaxBytes,
		defaultLargeFiles: o.DefaultLargeFiles,
	}
}

// Resolve fetches every attachment in the list concurrently. Descriptors
// with an empty storage_path are skipped with a warning. The first fetch
// failure fails the whole resolution; partial attachment sets must never
// reach the wire.
func (r *Resolver) Resolve(ctx context.Context, req Request, atts []mail.Attachment) ([]mail.ResolvedAttachment, error) {
	pending := make([]mail.Attachment, 0, len(atts))
	for _, att := range atts {
		if strings.TrimSpace(att.StoragePath) == "" {
			logger.Warn("skipping attachment without storage_path", "filename", att.Filename)
			continue
		}
		pending = append(pending, att)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	resolved := make([]mail.ResolvedAttachment, len(pending))
	errs := make([]error, len(pending))
	sem := make(chan struct{}, r.maxConcurrent)
	var wg sync.WaitGroup
	for i := range pending {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			resolved[i], errs[i] = r.resolveOne(ctx, req, pending[i])
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("attachment %q: %w", pending[i].Filename, err)
		}
	}
	return resolved, nil
}

func (r *Resolver) resolveOne(ctx context.Context, req Request, att mail.Attachment) (mail.ResolvedAttachment, error) {
	cleanName, marker := ParseFilename(att.Filename)
	if cleanName == "" {
		cleanName = "file.bin"
	}

	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = GuessMime(cleanName)
	}

	// The submitter-supplied hash is trusted for lookup only; stores
	// always key on the hash of the fetched bytes.
	cacheKey := att.ContentMD5
	if cacheKey == "" {
		cacheKey = marker
	}
	if cacheKey != "" && r.cache != nil {
		if data := r.cache.Get(ctx, strings.ToLower(cacheKey)); data != nil {
			return mail.ResolvedAttachment{Filename: cleanName, MimeType: mimeType, Data: data}, nil
		}
	}

	fctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	data, err := r.fetch(fctx, req, att)
	if err != nil {
		return mail.ResolvedAttachment{}, err
	}
	if err := r.checkSize(req, cleanName, int64(len(data))); err != nil {
		return mail.ResolvedAttachment{}, err
	}

	if r.cache != nil {
		r.cache.Set(ctx, ComputeMD5(data), data)
	}
	return mail.ResolvedAttachment{Filename: cleanName, MimeType: mimeType, Data: data}, nil
}

func (r *Resolver) checkSize(req Request, name string, size int64) error {
	if r.maxBytes > 0 && size > r.maxBytes {
		return fmt.Errorf("attachment %s exceeds the service limit of %d bytes", name, r.maxBytes)
	}
	policy := req.LargeFiles
	if policy == nil {
		policy = r.defaultLargeFiles
	}
	limit := policy.MaxBytes()
	if limit == 0 || size <= limit {
		return nil
	}
	if policy.Action == store.LargeFileReject {
		return fmt.Errorf("attachment %s is %d bytes, over the tenant limit of %d", name, size, limit)
	}
	logger.Warn("attachment exceeds tenant size limit", "filename", name, "size", size, "limit", limit)
	return nil
}

func (r *Resolver) fetch(ctx context.Context, req Request, att mail.Attachment) ([]byte, error) {
	mode := att.FetchMode
	if mode == "" {
		mode = InferMode(att.StoragePath)
	}
	switch mode {
	case ModeBase64:
		return decodeBase64(att.StoragePath)
	case ModeHTTPURL:
		return r.fetchURL(ctx, req, att, att.StoragePath)
	case ModeEndpoint:
		return r.fetchEndpoint(ctx, req, att)
	case ModeFilesystem:
		return r.fetchFile(att.StoragePath)
	case ModeS3:
		return r.fetchS3(ctx, att.StoragePath)
	default:
		return nil, fmt.Errorf("unknown fetch_mode %q", mode)
	}
}

// InferMode guesses the fetch mode for descriptors that omit it,
// matching the storage_path conventions accepted at submission:
// "base64:..." inline content, "@params" endpoint fetches, URLs, S3
// URIs, and plain paths.
func InferMode(storagePath string) string {
	switch {
	case strings.HasPrefix(storagePath, "base64:"):
		return ModeBase64
	case strings.HasPrefix(storagePath, "@"):
		return ModeEndpoint
	case strings.HasPrefix(storagePath, "http://"), strings.HasPrefix(storagePath, "https://"):
		return ModeHTTPURL
	case strings.HasPrefix(storagePath, "s3://"):
		return ModeS3
	default:
		return ModeFilesystem
	}
}

func decodeBase64(payload string) ([]byte, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(payload, "base64:"))
	if m := len(raw) % 4; m != 0 {
		raw += strings.Repeat("=", 4-m)
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 content: %w", err)
	}
	return data, nil
}

// fetchEndpoint GETs the tenant's attachment endpoint with the
// storage_path as a query parameter. A "[server]params" storage_path
// overrides the endpoint URL for that one attachment.
func (r *Resolver) fetchEndpoint(ctx context.Context, req Request, att mail.Attachment) ([]byte, error) {
	endpoint := req.Endpoint
	auth := req.Auth
	if endpoint == "" {
		endpoint = r.defaultEndpoint
		auth = r.defaultAuth
	}

	params := strings.TrimPrefix(att.StoragePath, "@")
	if m := explicitServer.FindStringSubmatch(params); m != nil {
		endpoint = m[1]
		params = m[2]
	}
	if endpoint == "" {
		return nil, fmt.Errorf("no attachment endpoint configured")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint URL: %w", err)
	}
	q := u.Query()
	q.Set("storage_path", params)
	u.RawQuery = q.Encode()

	return r.get(ctx, u.String(), r.authFor(att, auth))
}

// fetchURL GETs an absolute URL given directly in storage_path.
func (r *Resolver) fetchURL(ctx context.Context, req Request, att mail.Attachment, rawURL string) ([]byte, error) {
	return r.get(ctx, rawURL, r.authFor(att, req.Auth))
}

// authFor applies the per-attachment auth override. An explicit auth
// block on the descriptor replaces the tenant's wholesale, including
// method "none" to force an unauthenticated fetch.
func (r *Resolver) authFor(att mail.Attachment, fallback store.AuthConfig) store.AuthConfig {
	if len(att.Auth) == 0 {
		return fallback
	}
	var override store.AuthConfig
	if err := json.Unmarshal(att.Auth, &override); err != nil {
		logger.Warn("invalid attachment auth override, using tenant auth", "filename", att.Filename)
		return fallback
	}
	return override
}

func (r *Resolver) get(ctx context.Context, rawURL string, auth store.AuthConfig) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	switch auth.Method {
	case store.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case store.AuthBasic:
		req.SetBasicAuth(auth.User, auth.Password)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body := io.Reader(resp.Body)
	if r.maxBytes > 0 {
		body = io.LimitReader(resp.Body, r.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch error (status %d): %s", resp.StatusCode, string(data))
	}
	return data, nil
}

// fetchFile reads a local file. Relative paths resolve under the base
// dir; when a base dir is configured every path, absolute included, must
// stay inside it.
func (r *Resolver) fetchFile(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("empty file path")
	}

	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		if r.baseDir == "" {
			return nil, fmt.Errorf("relative path %q requires a configured base dir", path)
		}
		resolved = filepath.Join(r.baseDir, path)
	}

	if r.baseDir != "" {
		rel, err := filepath.Rel(r.baseDir, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("path %q resolves outside the attachment base dir", path)
		}
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", resolved)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// fetchS3 reads an object given as "s3://bucket/key" or as a bare key
// in the default bucket.
func (r *Resolver) fetchS3(ctx context.Context, path string) ([]byte, error) {
	if r.s3 == nil {
		return nil, fmt.Errorf("no S3 client configured")
	}

	bucket := r.s3Bucket
	key := path
	if strings.HasPrefix(path, "s3://") {
		rest := strings.TrimPrefix(path, "s3://")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid S3 path %q", path)
		}
		bucket, key = parts[0], parts[1]
	}
	if bucket == "" {
		return nil, fmt.Errorf("no S3 bucket configured for key %q", key)
	}

	result, err := r.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting object from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("reading S3 object body: %w", err)
	}
	return data, nil
}
