package mirror

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ProtonMail/gopenpgp/v3/crypto"
	"github.com/cockroachdb/errors"
	"github.com/ulikunitz/xz"

	"github.com/crates-mirror/crates-mirror/internal/registry"
)

const (
	defaultBackoffBase = 500 * time.Millisecond
	backoffCap         = 30 * time.Second
	userAgent          = "crates-mirror/1.0"
)

// Upstream issues index and artifact requests against the remote registry.
//
// It owns the outbound politeness policy: a shared semaphore caps concurrent
// requests across index and artifact fetches, every request is paced by a
// minimum inter-request interval, and transient failures are retried with
// exponentially backed-off, jittered delays.  It performs no local
// persistence; downloads are streamed into files its callers own.
type Upstream struct {
	client      *http.Client
	semaphore   chan struct{}
	mirrorID    string
	mc          *MirrorConfig
	retries     int
	minInterval time.Duration
	backoffBase time.Duration
	pgp         *crypto.PGPHandle
	verifyKey   *crypto.Key
}

// NewUpstream creates an Upstream client for one mirror.
func NewUpstream(config *Config, mirrorID string, mc *MirrorConfig) (*Upstream, error) {
	maxConns := config.MaxConns
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	semaphore := make(chan struct{}, maxConns)
	for i := 0; i < maxConns; i++ {
		semaphore <- struct{}{}
	}

	u := &Upstream{
		client:      clonedTransport(config.ReqTimeout.Duration),
		semaphore:   semaphore,
		mirrorID:    mirrorID,
		mc:          mc,
		retries:     config.Retries,
		minInterval: config.MinInterval.Duration,
		backoffBase: defaultBackoffBase,
	}

	if mc.PGPKeyPath != "" && !mc.NoPGPCheck {
		armored, err := os.ReadFile(mc.PGPKeyPath) // #nosec G304 - path validated by MirrorConfig.Check
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read PGP key from: %s", mc.PGPKeyPath)
		}
		key, err := crypto.NewKeyFromArmored(string(armored))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse PGP key from: %s", mc.PGPKeyPath)
		}
		u.pgp = crypto.PGP()
		u.verifyKey = key
	}

	return u, nil
}

// acquire takes a request slot; every slot must be returned with release.
func (u *Upstream) acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-u.semaphore:
		return nil
	}
}

func (u *Upstream) release() {
	u.semaphore <- struct{}{}
}

// pace enforces the minimum inter-request spacing.
func (u *Upstream) pace(ctx context.Context) error {
	if u.minInterval <= 0 {
		return nil
	}
	timer := time.NewTimer(u.minInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoffWait sleeps before retry number attempt (zero-based), doubling the
// delay each time and adding jitter so workers do not retry in lockstep.
func (u *Upstream) backoffWait(ctx context.Context, attempt int) error {
	delay := u.backoffBase << uint(attempt)
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	delay += rand.N(delay/2 + 1)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (u *Upstream) get(ctx context.Context, p string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.mc.Resolve(p).String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "max-age=0")
	req.Header.Set("User-Agent", userAgent)
	return u.client.Do(req)
}

// getRetry fetches a path into memory, retrying transient failures.
func (u *Upstream) getRetry(ctx context.Context, p string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= u.retries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying request", "mirror", u.mirrorID, "path", p, "attempt", attempt+1)
			if err := u.backoffWait(ctx, attempt-1); err != nil {
				return nil, err
			}
		}
		if err := u.pace(ctx); err != nil {
			return nil, err
		}

		resp, err := u.get(ctx, p)
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err := io.ReadAll(resp.Body)
			closeRespBody(resp)
			if err != nil {
				lastErr = err
				continue
			}
			return body, nil
		case resp.StatusCode == http.StatusNotFound:
			closeRespBody(resp)
			return nil, errors.Wrap(ErrNotFound, p)
		case resp.StatusCode >= 500:
			closeRespBody(resp)
			lastErr = errors.Newf("server error %d for %s", resp.StatusCode, p)
			continue
		default:
			status := resp.StatusCode
			closeRespBody(resp)
			return nil, errors.Newf("unexpected status %d for %s", status, p)
		}
	}

	return nil, errors.Wrapf(lastErr, "giving up on %s after %d attempts", p, u.retries+1)
}

// FetchIndex downloads and parses the upstream registry index.
//
// When the configured index path ends in ".xz" the payload is decompressed
// transparently.  If a PGP key is configured, a detached armored signature
// is fetched from "<index_path>.sig" and verified over the raw payload
// before parsing.
func (u *Upstream) FetchIndex(ctx context.Context) (*RemoteIndex, error) {
	if err := u.acquire(ctx); err != nil {
		return nil, err
	}
	defer u.release()

	indexPath := u.mc.indexPath()
	raw, err := u.getRetry(ctx, indexPath)
	if err != nil {
		return nil, errors.Wrap(err, "fetch index")
	}

	if u.verifyKey != nil {
		sig, err := u.getRetry(ctx, indexPath+".sig")
		if err != nil {
			return nil, errors.Wrap(err, "fetch index signature")
		}
		if err := u.verifyDetached(raw, sig); err != nil {
			return nil, err
		}
		slog.Info("index signature is valid", "mirror", u.mirrorID, "key_id", u.verifyKey.GetHexKeyID())
	}

	var r io.Reader = bytes.NewReader(raw)
	if strings.HasSuffix(indexPath, ".xz") {
		xzr, err := xz.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "malformed xz index")
		}
		r = xzr
	}

	remote := new(RemoteIndex)
	if err := json.NewDecoder(r).Decode(remote); err != nil {
		return nil, errors.Wrap(err, "malformed upstream index")
	}
	return remote, nil
}

func (u *Upstream) verifyDetached(data, sig []byte) error {
	verifier, err := u.pgp.Verify().VerificationKey(u.verifyKey).New()
	if err != nil {
		return errors.Wrap(err, "failed to create verifier")
	}
	verifyResult, err := verifier.VerifyDetached(data, sig, crypto.Armor)
	if err != nil {
		return errors.Wrapf(err, "PGP verification failed for index of mirror '%s'", u.mirrorID)
	}
	if sigErr := verifyResult.SignatureError(); sigErr != nil {
		return errors.Wrapf(sigErr, "PGP verification failed for index of mirror '%s'", u.mirrorID)
	}
	return nil
}

// FetchArtifact downloads the archive for entry into tmpfile, verifying its
// checksum while streaming.  The caller must hold a request slot acquired
// with Acquire and owns tmpfile cleanup on failure.
//
// A checksum mismatch is never retried: retrying cannot fix corrupted or
// tampered upstream content, and the mismatch must surface to abort the run.
func (u *Upstream) FetchArtifact(ctx context.Context, entry *registry.IndexEntry, tmpfile *os.File) (int64, error) {
	p := "crates/" + entry.Name() + "/" + entry.Filename()
	var lastErr error

	for attempt := 0; attempt <= u.retries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying download", "mirror", u.mirrorID, "crate", entry.Key(), "attempt", attempt+1)
			if err := u.backoffWait(ctx, attempt-1); err != nil {
				return 0, err
			}
		}
		if err := u.pace(ctx); err != nil {
			return 0, err
		}

		if err := tmpfile.Truncate(0); err != nil {
			return 0, errors.Wrap(err, "tempfile truncate")
		}
		if _, err := tmpfile.Seek(0, io.SeekStart); err != nil {
			return 0, errors.Wrap(err, "tempfile seek")
		}

		resp, err := u.get(ctx, p)
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusNotFound:
			closeRespBody(resp)
			return 0, errors.Wrap(ErrNotFound, entry.Key())
		case resp.StatusCode >= 500:
			closeRespBody(resp)
			lastErr = errors.Newf("server error %d for %s", resp.StatusCode, entry.Key())
			continue
		default:
			status := resp.StatusCode
			closeRespBody(resp)
			return 0, errors.Newf("unexpected status %d for %s", status, entry.Key())
		}

		sum, n, err := registry.CopyWithChecksum(tmpfile, resp.Body)
		closeRespBody(resp)
		if err != nil {
			lastErr = err
			continue
		}

		if !bytes.Equal(sum, entry.Checksum()) {
			return 0, errors.Wrapf(ErrChecksumMismatch, "%s: got %s, index declares %s",
				entry.Key(), hex.EncodeToString(sum), hex.EncodeToString(entry.Checksum()))
		}

		if err := tmpfile.Sync(); err != nil {
			return 0, errors.Wrap(err, "tempfile sync")
		}
		return n, nil
	}

	return 0, errors.Wrapf(lastErr, "giving up on %s after %d attempts", entry.Key(), u.retries+1)
}

// Acquire takes a download slot for a worker; Release returns it.
func (u *Upstream) Acquire(ctx context.Context) error {
	return u.acquire(ctx)
}

// Release returns a slot taken with Acquire.
func (u *Upstream) Release() {
	u.release()
}

// closeRespBody closes an HTTP response body.
func closeRespBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}

// clonedTransport creates an HTTP client with tuned transport settings.
// The per-request timeout covers the whole request including body reads;
// zero disables it and leaves cancellation to contexts.
func clonedTransport(timeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second

	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}
}
