package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenk/backoff"
	"github.com/rs/dnscache"
	"github.com/rs/zerolog"
	circuit "github.com/rubyist/circuitbreaker"
	"golang.org/x/sync/errgroup"

	"github.com/foundry/depot/internal/adapters/fileproc"
	"github.com/foundry/depot/internal/core/models"
	"github.com/foundry/depot/internal/core/services"
	"github.com/foundry/depot/internal/session"
	"github.com/foundry/depot/internal/util/hashing"
)

var errRemoteMissing = errors.New("remote file missing")

// HTTPFactory creates connectors for http:// and https:// remotes. All
// connectors share one HTTP client with a DNS-cached dialer, and one
// circuit breaker per remote host.
type HTTPFactory struct {
	client        *http.Client
	fileProcessor services.FileProcessor
	logger        zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*circuit.Breaker
}

// NewHTTPFactory creates an HTTPFactory. A nil file processor falls back
// to the default implementation.
func NewHTTPFactory(fp services.FileProcessor, logger zerolog.Logger) *HTTPFactory {
	if fp == nil {
		fp = fileproc.NewProcessor()
	}
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			resolver.Refresh(true)
		}
	}()

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}

	return &HTTPFactory{
		client: &http.Client{
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					host, port, err := net.SplitHostPort(addr)
					if err != nil {
						return nil, err
					}
					ips, err := resolver.LookupHost(ctx, host)
					if err != nil {
						return nil, err
					}
					for _, ip := range ips {
						conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
						if err == nil {
							return conn, nil
						}
					}
					return nil, fmt.Errorf("failed to dial any resolved IP")
				},
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		fileProcessor: fp,
		logger:        logger,
		breakers:      make(map[string]*circuit.Breaker),
	}
}

func (f *HTTPFactory) Priority() float64 { return 0 }

// NewConnector accepts remotes with an http(s) URL.
func (f *HTTPFactory) NewConnector(s *session.Session, r *models.RemoteRepository) (services.RepositoryConnector, error) {
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &services.NoConnectorError{Repository: r}
	}
	return &httpConnector{
		baseURL:       strings.TrimSuffix(r.URL, "/"),
		repository:    r,
		client:        f.client,
		breaker:       f.breaker(u.Host),
		fileProcessor: f.fileProcessor,
		threads:       s.GetInt(session.KeyArtifactThreads, 5),
		logger:        f.logger,
	}, nil
}

// breaker returns or creates the circuit breaker for a host. The breaker
// trips once five failures are counted within its window and retries on an exponential
// schedule.
func (f *HTTPFactory) breaker(host string) *circuit.Breaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	if b, ok := f.breakers[host]; ok {
		return b
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	b := circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	})
	f.breakers[host] = b
	return b
}

type httpConnector struct {
	baseURL       string
	repository    *models.RemoteRepository
	client        *http.Client
	breaker       *circuit.Breaker
	fileProcessor services.FileProcessor
	threads       int
	maxRetries    int
	logger        zerolog.Logger
}

// Get transfers downloads in parallel up to the session's thread hint.
func (c *httpConnector) Get(artifacts []*services.ArtifactDownload, metadata []*services.MetadataDownload) {
	var eg errgroup.Group
	eg.SetLimit(c.threads)

	for _, download := range artifacts {
		eg.Go(func() error {
			download.Err = c.getArtifact(download)
			return nil
		})
	}
	for _, download := range metadata {
		eg.Go(func() error {
			download.Err = c.getMetadata(download)
			return nil
		})
	}
	eg.Wait()
}

func (c *httpConnector) getArtifact(download *services.ArtifactDownload) error {
	resourceURL := c.baseURL + "/" + repositoryPath(download.Artifact)

	var err error
	if download.ExistenceCheck {
		err = c.head(resourceURL)
	} else {
		err = c.download(resourceURL, download.File, download.ChecksumPolicy)
	}
	if err != nil {
		if errors.Is(err, errRemoteMissing) {
			return &services.ArtifactNotFoundError{Artifact: download.Artifact, Repository: c.repository}
		}
		return &services.ArtifactTransferError{Artifact: download.Artifact, Repository: c.repository, Cause: err}
	}
	return nil
}

func (c *httpConnector) getMetadata(download *services.MetadataDownload) error {
	resourceURL := c.baseURL + "/" + metadataRepositoryPath(download.Metadata)

	if err := c.download(resourceURL, download.File, download.ChecksumPolicy); err != nil {
		if errors.Is(err, errRemoteMissing) {
			return &services.MetadataNotFoundError{Metadata: download.Metadata, Repository: c.repository}
		}
		return &services.MetadataTransferError{Metadata: download.Metadata, Repository: c.repository, Cause: err}
	}
	return nil
}

// download fetches resourceURL into dst through the host breaker, with
// retries on server errors, and verifies the sha256 sidecar per policy.
func (c *httpConnector) download(resourceURL, dst, checksumPolicy string) error {
	retries := c.maxRetries
	if retries <= 0 {
		retries = 3
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			time.Sleep(500 * time.Millisecond * (1 << (attempt - 1)))
		}

		// a confirmed absence is a valid answer and must not count as a
		// host failure against the breaker
		missing := false
		lastErr = c.breaker.Call(func() error {
			err := c.fetchToFile(resourceURL, dst)
			if errors.Is(err, errRemoteMissing) {
				missing = true
				return nil
			}
			return err
		}, 0)
		if missing {
			return errRemoteMissing
		}

		if lastErr == nil {
			break
		}
		if errors.Is(lastErr, circuit.ErrBreakerOpen) {
			return lastErr
		}
	}
	if lastErr != nil {
		return lastErr
	}

	return c.verifyChecksum(resourceURL, dst, checksumPolicy)
}

func (c *httpConnector) fetchToFile(resourceURL, dst string) error {
	resp, err := c.get(resourceURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.fileProcessor.Mkdirs(filepath.Dir(dst)); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("downloading: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := c.fileProcessor.Move(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (c *httpConnector) get(resourceURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, resourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "depot/1.0")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, errRemoteMissing
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, resourceURL)
	}
}

func (c *httpConnector) head(resourceURL string) error {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodHead, resourceURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "depot/1.0")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("head request: %w", err)
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return errRemoteMissing
	default:
		return fmt.Errorf("unexpected status %d for %s", resp.StatusCode, resourceURL)
	}
}

func (c *httpConnector) verifyChecksum(resourceURL, dst, policy string) error {
	if policy == models.ChecksumIgnore || policy == "" {
		return nil
	}

	resp, err := c.get(resourceURL + ".sha256")
	if err != nil {
		if errors.Is(err, errRemoteMissing) {
			if policy == models.ChecksumFail {
				os.Remove(dst)
				return fmt.Errorf("checksum missing for %s", resourceURL)
			}
			c.logger.Warn().Str("url", resourceURL).Msg("checksum missing, skipping verification")
			return nil
		}
		return err
	}
	defer resp.Body.Close()

	expected, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return fmt.Errorf("reading checksum: %w", err)
	}

	actual, err := hashing.FileSHA256(dst)
	if err != nil {
		return fmt.Errorf("computing checksum: %w", err)
	}
	if actual != strings.TrimSpace(string(expected)) {
		if policy == models.ChecksumFail {
			os.Remove(dst)
			return fmt.Errorf("checksum mismatch for %s", resourceURL)
		}
		c.logger.Warn().Str("url", resourceURL).Msg("checksum mismatch")
	}
	return nil
}

// Put publishes uploads via HTTP PUT, followed by their sha256 sidecars.
func (c *httpConnector) Put(artifacts []*services.ArtifactUpload, metadata []*services.MetadataUpload) {
	var eg errgroup.Group
	eg.SetLimit(c.threads)

	for _, upload := range artifacts {
		eg.Go(func() error {
			dst := c.baseURL + "/" + repositoryPath(upload.Artifact)
			if err := c.putFile(upload.File, dst); err != nil {
				upload.Err = &services.ArtifactTransferError{
					Artifact: upload.Artifact, Repository: c.repository, Cause: err,
				}
			}
			return nil
		})
	}
	for _, upload := range metadata {
		eg.Go(func() error {
			dst := c.baseURL + "/" + metadataRepositoryPath(upload.Metadata)
			if err := c.putFile(upload.File, dst); err != nil {
				upload.Err = &services.MetadataTransferError{
					Metadata: upload.Metadata, Repository: c.repository, Cause: err,
				}
			}
			return nil
		})
	}
	eg.Wait()
}

func (c *httpConnector) putFile(src, dstURL string) error {
	if err := c.put(dstURL, src); err != nil {
		return err
	}
	sum, err := hashing.FileSHA256(src)
	if err != nil {
		return err
	}
	return c.putBytes(dstURL+".sha256", []byte(sum+"\n"))
}

func (c *httpConnector) put(dstURL, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPut, dstURL, f)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if fi, err := f.Stat(); err == nil {
		req.ContentLength = fi.Size()
	}
	return c.doPut(req)
}

func (c *httpConnector) putBytes(dstURL string, data []byte) error {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPut, dstURL, strings.NewReader(string(data)))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.doPut(req)
}

func (c *httpConnector) doPut(req *http.Request) error {
	req.Header.Set("User-Agent", "depot/1.0")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("uploading: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d for %s", resp.StatusCode, req.URL)
	}
	return nil
}

func (c *httpConnector) authorize(req *http.Request) {
	if auth := c.repository.Auth; auth != nil && auth.Username != "" {
		req.SetBasicAuth(auth.Username, auth.Password)
	}
}

func (c *httpConnector) Close() error { return nil }
