package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"rustic/id"
)

// restContentType is the protocol's Content-Type header, per spec.md §6.
const restContentType = "application/vnd.x.restic.rest.v2"

// Rest implements ObjectStore over the REST protocol (GET/HEAD/POST/DELETE)
// spec.md §6 names as an external collaborator for full semantics; the
// operation set and retry wrapper below are the core contract this module
// owns. Requests are retried with exponential backoff for transient
// (5xx/network) errors, matching the teacher-pack's AKJUS-bsc-erigon use
// of github.com/cenkalti/backoff/v4 for resilient remote calls.
type Rest struct {
	BaseURL    string
	HTTPClient *http.Client
	Backoff    func() backoff.BackOff
}

var _ ObjectStore = (*Rest)(nil)

// NewRest constructs a Rest store talking to baseURL (scheme+host+path,
// no trailing slash).
func NewRest(baseURL string) *Rest {
	return &Rest{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: http.DefaultClient,
		Backoff:    func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

func (r *Rest) url(kind FileKind, objID id.Id) string {
	if kind == Config {
		return r.BaseURL + "/config"
	}
	return fmt.Sprintf("%s/%s/%s", r.BaseURL, kind.String(), objID.String())
}

func (r *Rest) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	req.Header.Set("Content-Type", restContentType)
	var resp *http.Response
	op := func() error {
		req = req.Clone(ctx)
		var err error
		resp, err = r.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return fmt.Errorf("backend: rest transient status %d", resp.StatusCode)
		}
		return nil
	}
	if err := backoff.Retry(op, r.Backoff()); err != nil {
		return nil, fmt.Errorf("backend: rest request: %w", err)
	}
	return resp, nil
}

func (r *Rest) Create(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/?create=true", nil)
	if err != nil {
		return err
	}
	resp, err := r.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func (r *Rest) ListWithSize(ctx context.Context, kind FileKind) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BaseURL+"/"+kind.String()+"/", nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend: rest list %s: status %d", kind, resp.StatusCode)
	}
	// The body is parsed by parseRestListing, which expects one
	// {name, size} JSON object per line.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return parseRestListing(body)
}

func (r *Rest) ReadFull(ctx context.Context, kind FileKind, objID id.Id) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url(kind, objID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend: rest get %s/%s: status %d", kind, objID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (r *Rest) ReadPartial(ctx context.Context, kind FileKind, objID id.Id, cacheable bool, offset, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url(kind, objID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	resp, err := r.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("backend: rest range-get %s/%s: status %d", kind, objID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (r *Rest) WriteBytes(ctx context.Context, kind FileKind, objID id.Id, cacheable bool, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url(kind, objID), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(data))
	resp, err := r.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend: rest post %s/%s: status %d", kind, objID, resp.StatusCode)
	}
	return nil
}

func (r *Rest) Remove(ctx context.Context, kind FileKind, objID id.Id, cacheable bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.url(kind, objID), nil)
	if err != nil {
		return err
	}
	resp, err := r.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend: rest delete %s/%s: status %d", kind, objID, resp.StatusCode)
	}
	return nil
}

// parseRestListing parses the REST protocol's directory listing format:
// one JSON object per line, `{"name":"<hex id>","size":<n>}`.
func parseRestListing(body []byte) ([]Entry, error) {
	var entries []Entry
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, size, err := parseListingLine(line)
		if err != nil {
			continue
		}
		parsed, err := id.Parse(name)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{ID: parsed, Size: uint32(size)})
	}
	return entries, nil
}

func parseListingLine(line string) (name string, size int64, err error) {
	nameIdx := strings.Index(line, `"name":"`)
	sizeIdx := strings.Index(line, `"size":`)
	if nameIdx < 0 || sizeIdx < 0 {
		return "", 0, fmt.Errorf("backend: malformed listing line")
	}
	nameStart := nameIdx + len(`"name":"`)
	nameEnd := strings.Index(line[nameStart:], `"`)
	if nameEnd < 0 {
		return "", 0, fmt.Errorf("backend: malformed listing line")
	}
	name = line[nameStart : nameStart+nameEnd]

	sizeStart := sizeIdx + len(`"size":`)
	sizeStr := strings.TrimRight(strings.TrimSpace(line[sizeStart:]), "}, ")
	size, err = strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return "", 0, err
	}
	return name, size, nil
}
