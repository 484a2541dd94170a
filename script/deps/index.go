package deps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BaSui01/capflow/internal/cache"
	"github.com/BaSui01/capflow/internal/tlsutil"
	"go.uber.org/zap"
	"golang.org/x/mod/module"
	"golang.org/x/time/rate"
)

// ErrModuleNotFound is returned when the index does not know a module or version.
var ErrModuleNotFound = errors.New("module not found in index")

// =============================================================================
// 📚 包索引（GOPROXY 协议）
// =============================================================================

// Index reads modules from a Go module proxy.
//
//	GET <base>/<module>/@v/list
//	GET <base>/<module>/@latest
//	GET <base>/<module>/@v/<version>.mod
//	GET <base>/<module>/@v/<version>.zip
type Index struct {
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	versions *cache.Manager
	ttl      time.Duration
	logger   *zap.Logger
}

// IndexOption configures an Index.
type IndexOption func(*Index)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) IndexOption {
	return func(i *Index) { i.client = c }
}

// WithRateLimit caps outgoing requests per second. rps <= 0 disables the limit.
func WithRateLimit(rps float64) IndexOption {
	return func(i *Index) {
		if rps <= 0 {
			i.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		i.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithVersionCache keeps version lists in Redis for ttl.
func WithVersionCache(m *cache.Manager, ttl time.Duration) IndexOption {
	return func(i *Index) {
		i.versions = m
		i.ttl = ttl
	}
}

// NewIndex creates an index client for the proxy at baseURL.
func NewIndex(baseURL string, logger *zap.Logger, opts ...IndexOption) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	i := &Index{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  tlsutil.SecureHTTPClient(2 * time.Minute),
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		logger:  logger.With(zap.String("component", "package_index")),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Versions lists the known versions of path. When the proxy lists none
// (modules with only pseudo-versions), the @latest version is returned.
func (i *Index) Versions(ctx context.Context, path string) ([]string, error) {
	return cache.RememberJSON(ctx, i.versions, "deps:versions:"+path, i.ttl, func(ctx context.Context) ([]string, error) {
		return i.fetchVersions(ctx, path)
	})
}

func (i *Index) fetchVersions(ctx context.Context, path string) ([]string, error) {
	body, err := i.get(ctx, path, "@v/list")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(body), "\n") {
		if f := strings.Fields(line); len(f) > 0 {
			out = append(out, f[0])
		}
	}
	if len(out) > 0 {
		return out, nil
	}

	latest, err := i.Latest(ctx, path)
	if err != nil {
		return nil, err
	}
	return []string{latest}, nil
}

// Latest returns the version the proxy reports as latest.
func (i *Index) Latest(ctx context.Context, path string) (string, error) {
	body, err := i.get(ctx, path, "@latest")
	if err != nil {
		return "", err
	}
	var info struct {
		Version string `json:"Version"`
		Time    string `json:"Time"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("decode @latest for %s: %w", path, err)
	}
	if info.Version == "" {
		return "", fmt.Errorf("%s: %w", path, ErrModuleNotFound)
	}
	return info.Version, nil
}

// GoMod returns the go.mod file of path@version.
func (i *Index) GoMod(ctx context.Context, path, version string) ([]byte, error) {
	ev, err := module.EscapeVersion(version)
	if err != nil {
		return nil, err
	}
	return i.get(ctx, path, "@v/"+ev+".mod")
}

// Download writes the module zip of path@version to dst.
// The file appears atomically; a partial download never remains at dst.
func (i *Index) Download(ctx context.Context, path, version, dst string) error {
	ev, err := module.EscapeVersion(version)
	if err != nil {
		return err
	}
	resp, err := i.do(ctx, path, "@v/"+ev+".zip")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("download %s@%s: %w", path, version, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func (i *Index) get(ctx context.Context, path, suffix string) ([]byte, error) {
	resp, err := i.do(ctx, path, suffix)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// do issues one rate-limited GET. 404 and 410 map to ErrModuleNotFound.
func (i *Index) do(ctx context.Context, path, suffix string) (*http.Response, error) {
	ep, err := module.EscapePath(path)
	if err != nil {
		return nil, fmt.Errorf("invalid module path %q: %w", path, err)
	}
	if i.limiter != nil {
		if err := i.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	url := i.baseURL + "/" + ep + "/" + suffix
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	i.logger.Debug("index request",
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: %w", path, suffix, ErrModuleNotFound)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}
