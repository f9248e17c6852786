package ossstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/aliyun/credentials-go/credentials"
)

// ObjectStore is the object-storage collaborator: generated images, videos,
// uploads and export archives all go through it.
type ObjectStore interface {
	Put(ctx context.Context, objectKey string, r io.Reader, contentType string) error
	Get(ctx context.Context, objectKey string) (io.ReadCloser, error)
	// URL is the stable address recorded on asset versions.
	URL(objectKey string) string
	// Sign returns a short-lived download link with a Content-Disposition filename.
	Sign(objectKey, downloadFilename string) (string, error)
}

type Store struct {
	bucketName string

	uploadBucket *oss.Bucket
	signBucket   *oss.Bucket

	cred credentials.Credential

	prefix     string
	publicBase string
	signExpiry time.Duration
}

func NewFromEnv() (*Store, bool, error) {
	bucket := strings.TrimSpace(os.Getenv("OSS_BUCKET"))
	if bucket == "" {
		return nil, false, nil
	}

	region := strings.TrimSpace(os.Getenv("OSS_REGION"))
	if region == "" {
		// AuthV4 需要 region。
		region = "cn-heyuan"
	}

	internalEndpoint := strings.TrimSpace(os.Getenv("OSS_ENDPOINT_INTERNAL"))
	publicEndpoint := strings.TrimSpace(os.Getenv("OSS_ENDPOINT_PUBLIC"))
	if internalEndpoint == "" && publicEndpoint == "" {
		return nil, true, errors.New("已设置 OSS_BUCKET，但缺少 OSS_ENDPOINT_INTERNAL/OSS_ENDPOINT_PUBLIC")
	}
	if publicEndpoint == "" {
		// 签名 URL 必须对浏览器可访问；只填 internal 会签出内网域名。
		publicEndpoint = internalEndpoint
	}
	if internalEndpoint == "" {
		internalEndpoint = publicEndpoint
	}

	prefix := strings.Trim(strings.TrimSpace(os.Getenv("OSS_PREFIX")), "/")
	if prefix == "" {
		prefix = "story"
	}

	publicBase := strings.TrimRight(strings.TrimSpace(os.Getenv("OSS_PUBLIC_BASE_URL")), "/")
	if publicBase == "" {
		host := strings.TrimPrefix(strings.TrimPrefix(publicEndpoint, "https://"), "http://")
		publicBase = "https://" + bucket + "." + host
	}

	expirySec := readEnvInt64Default("OSS_SIGN_EXPIRE_SECONDS", 3600)
	if expirySec <= 0 {
		expirySec = 3600
	}

	cred, err := newAlibabaCredential(region) // 支持：本地 AK、ACK RRSA(OIDC)、其他链路
	if err != nil {
		return nil, true, fmt.Errorf("init alibaba credentials failed: %w", err)
	}
	// 尽早校验一次，避免 PutObject 以匿名请求打到 OSS 得到误导性的 403。
	if err := validateAlibabaCredential(cred); err != nil {
		return nil, true, err
	}

	provider := &credentialsProvider{cred: cred}

	uploadClient, err := newOSSClient(internalEndpoint, region, provider)
	if err != nil {
		return nil, true, fmt.Errorf("init oss upload client failed: %w", err)
	}
	signClient, err := newOSSClient(publicEndpoint, region, provider)
	if err != nil {
		return nil, true, fmt.Errorf("init oss sign client failed: %w", err)
	}

	ub, err := uploadClient.Bucket(bucket)
	if err != nil {
		return nil, true, fmt.Errorf("open oss bucket(upload) failed: %w", err)
	}
	sb, err := signClient.Bucket(bucket)
	if err != nil {
		return nil, true, fmt.Errorf("open oss bucket(sign) failed: %w", err)
	}

	return &Store{
		bucketName:   bucket,
		uploadBucket: ub,
		signBucket:   sb,
		cred:         cred,
		prefix:       prefix,
		publicBase:   publicBase,
		signExpiry:   time.Duration(expirySec) * time.Second,
	}, true, nil
}

func newAlibabaCredential(region string) (credentials.Credential, error) {
	// 当 RRSA 环境变量存在时，显式指定 OIDC 方式，并允许指定 STS endpoint，
	// 以便在“无公网/NAT 异常”时更容易定位问题/切换到区域化 STS 域名。
	roleArn := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_ROLE_ARN"))
	providerArn := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_OIDC_PROVIDER_ARN"))
	tokenFile := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_OIDC_TOKEN_FILE"))
	if roleArn != "" && providerArn != "" && tokenFile != "" {
		cfg := new(credentials.Config).
			SetType("oidc_role_arn").
			SetRoleArn(roleArn).
			SetOIDCProviderArn(providerArn).
			SetOIDCTokenFilePath(tokenFile)

		stsEndpoint := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_STS_ENDPOINT"))
		if stsEndpoint == "" {
			// 默认仍保持通用域名，但推荐你在生产设置为 sts.<region>.aliyuncs.com（例如 sts.cn-heyuan.aliyuncs.com）
			stsEndpoint = "sts.aliyuncs.com"
			if strings.TrimSpace(region) != "" {
				stsEndpoint = "sts." + strings.TrimSpace(region) + ".aliyuncs.com"
			}
		}
		cfg.SetSTSEndpoint(stsEndpoint)
		return credentials.NewCredential(cfg)
	}
	return credentials.NewCredential(nil)
}

func validateAlibabaCredential(cred credentials.Credential) error {
	if cred == nil {
		return errors.New("阿里云凭证未初始化（RRSA/AK/STS 都不可用）")
	}
	c, err := cred.GetCredential()
	if err != nil {
		return fmt.Errorf("获取阿里云临时凭证失败（检查 RRSA 注入/STS 连通性/NAT）：%w", err)
	}
	if c == nil || c.AccessKeyId == nil || c.AccessKeySecret == nil || strings.TrimSpace(*c.AccessKeyId) == "" || strings.TrimSpace(*c.AccessKeySecret) == "" {
		return errors.New("阿里云凭证为空：很可能 RRSA 未注入。请检查 Pod 内是否存在 ALIBABA_CLOUD_ROLE_ARN / ALIBABA_CLOUD_OIDC_PROVIDER_ARN / ALIBABA_CLOUD_OIDC_TOKEN_FILE")
	}
	return nil
}

func newOSSClient(endpoint, region string, provider oss.CredentialsProvider) (*oss.Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("endpoint empty")
	}
	opts := []oss.ClientOption{
		oss.SetCredentialsProvider(provider),
		oss.AuthVersion(oss.AuthV4),
	}
	if strings.TrimSpace(region) != "" {
		opts = append(opts, oss.Region(region))
	}
	// accessKeyId/secret 留空，完全走 provider（RRSA/AK/STS）。
	return oss.New(endpoint, "", "", opts...)
}

func (s *Store) Enabled() bool { return s != nil && s.uploadBucket != nil && s.signBucket != nil }

// Prefix is the root under which every object key is built.
func (s *Store) Prefix() string { return s.prefix }

func (s *Store) ensureCred() error {
	if s == nil || s.cred == nil {
		return errors.New("阿里云凭证未初始化（RRSA/AK/STS 都不可用）")
	}
	// 主动触发一次刷新/校验，避免 SDK 以空 AK/SK 匿名请求。
	return validateAlibabaCredential(s.cred)
}

func cleanKey(objectKey string) string {
	return strings.TrimLeft(strings.TrimSpace(objectKey), "/")
}

func (s *Store) Put(ctx context.Context, objectKey string, r io.Reader, contentType string) error {
	if !s.Enabled() {
		return errors.New("oss not enabled")
	}
	if err := s.ensureCred(); err != nil {
		return err
	}
	objectKey = cleanKey(objectKey)
	if objectKey == "" || r == nil {
		return errors.New("invalid objectKey/body")
	}
	opts := []oss.Option{oss.WithContext(ctx)}
	if strings.TrimSpace(contentType) != "" {
		opts = append(opts, oss.ContentType(strings.TrimSpace(contentType)))
	}
	return s.uploadBucket.PutObject(objectKey, r, opts...)
}

func (s *Store) Get(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	if !s.Enabled() {
		return nil, errors.New("oss not enabled")
	}
	if err := s.ensureCred(); err != nil {
		return nil, err
	}
	objectKey = cleanKey(objectKey)
	if objectKey == "" {
		return nil, errors.New("objectKey empty")
	}
	// 用 uploadBucket（通常指向 internal endpoint）拉取对象，避免出网带宽。
	return s.uploadBucket.GetObject(objectKey, oss.WithContext(ctx))
}

func (s *Store) URL(objectKey string) string {
	return s.publicBase + "/" + cleanKey(objectKey)
}

func (s *Store) Sign(objectKey, downloadFilename string) (string, error) {
	if !s.Enabled() {
		return "", errors.New("oss not enabled")
	}
	if err := s.ensureCred(); err != nil {
		return "", err
	}
	objectKey = cleanKey(objectKey)
	if objectKey == "" {
		return "", errors.New("objectKey empty")
	}
	opts := []oss.Option{}
	if name := strings.TrimSpace(downloadFilename); name != "" {
		opts = append(opts, oss.ResponseContentDisposition(contentDisposition(name)))
	}
	return s.signBucket.SignURL(objectKey, oss.HTTPGet, int64(s.signExpiry.Seconds()), opts...)
}

func contentDisposition(name string) string {
	fallback := "download" + path.Ext(name)
	return fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s", fallback, url.PathEscape(name))
}

// AssetObjectKey is where a generated or uploaded asset version lives.
func AssetObjectKey(prefix string, projectID int64, assetType string, versionID int64, ext string) string {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		ext = "bin"
	}
	return path.Join(prefix, "projects", strconv.FormatInt(projectID, 10), strings.ToLower(assetType), strconv.FormatInt(versionID, 10)+"."+ext)
}

// ExportObjectKey is where an export archive for a job lives.
func ExportObjectKey(prefix string, projectID, jobID int64) string {
	return path.Join(prefix, "exports", strconv.FormatInt(projectID, 10), strconv.FormatInt(jobID, 10)+".zip")
}

// Memory is an in-process ObjectStore for local runs and tests.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
	base    string
	// FailPut makes every Put fail, to exercise storage-failure paths.
	FailPut bool
}

type memObject struct {
	data        []byte
	contentType string
}

func NewMemory(base string) *Memory {
	if base == "" {
		base = "memory://oss"
	}
	return &Memory{objects: make(map[string]memObject), base: strings.TrimRight(base, "/")}
}

func (m *Memory) Put(_ context.Context, objectKey string, r io.Reader, contentType string) error {
	if m.FailPut {
		return errors.New("memory oss: put disabled")
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[cleanKey(objectKey)] = memObject{data: b, contentType: contentType}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, objectKey string) (io.ReadCloser, error) {
	m.mu.RLock()
	o, ok := m.objects[cleanKey(objectKey)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("memory oss: no such key %q", objectKey)
	}
	return io.NopCloser(bytes.NewReader(o.data)), nil
}

func (m *Memory) URL(objectKey string) string { return m.base + "/" + cleanKey(objectKey) }

func (m *Memory) Sign(objectKey, downloadFilename string) (string, error) {
	m.mu.RLock()
	_, ok := m.objects[cleanKey(objectKey)]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("memory oss: no such key %q", objectKey)
	}
	return m.URL(objectKey) + "?signed=1&filename=" + url.QueryEscape(downloadFilename), nil
}

// Keys lists stored object keys, for tests.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	return out
}

// --- Credentials bridge: credentials-go -> OSS SDK V1 ---

type credentialsProvider struct {
	cred credentials.Credential
}

type ossCred struct {
	AccessKeyId     string
	AccessKeySecret string
	SecurityToken   string
}

func (c *ossCred) GetAccessKeyID() string     { return c.AccessKeyId }
func (c *ossCred) GetAccessKeySecret() string { return c.AccessKeySecret }
func (c *ossCred) GetSecurityToken() string   { return c.SecurityToken }

func (p *credentialsProvider) GetCredentials() oss.Credentials {
	out, err := p.cred.GetCredential()
	if err != nil || out == nil || out.AccessKeyId == nil || out.AccessKeySecret == nil {
		// OSS SDK V1 的 provider 接口不返回 error；这里返回空凭证，让请求在调用时失败并暴露错误。
		return &ossCred{}
	}
	token := ""
	if out.SecurityToken != nil {
		token = *out.SecurityToken
	}
	return &ossCred{
		AccessKeyId:     deref(out.AccessKeyId),
		AccessKeySecret: deref(out.AccessKeySecret),
		SecurityToken:   token,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func readEnvInt64Default(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}
