package node

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"diffuse-interceptor/internal/config"
	"diffuse-interceptor/internal/model"
)

// maxRPCBody bounds RPC answers read into memory.
const maxRPCBody = 8 << 20

// Doer sends one outbound request.
type Doer interface {
	DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error)
}

// RPCError is a non-2xx answer from the delegate or the content gateway.
type RPCError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *RPCError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Delegated is a node without local storage: listings and name resolution
// are answered by a delegate RPC endpoint, content by a path gateway.
type Delegated struct {
	rpc     string
	content string
	client  Doer
	logger  *slog.Logger
}

// NewDelegated returns a Factory building Delegated nodes from cfg.Node.
// Creation checks that the delegate answers a version call.
func NewDelegated(cfg *config.Config, client Doer, logger *slog.Logger) Factory {
	return func(ctx context.Context) (Node, error) {
		d := &Delegated{
			rpc:     strings.TrimRight(cfg.Node.DelegateURL, "/"),
			content: strings.TrimRight(cfg.Node.GatewayURL, "/"),
			client:  client,
			logger:  logger.With("component", "delegated_node"),
		}

		var v struct {
			Version string `json:"Version"`
		}
		if err := d.call(ctx, "version", nil, &v); err != nil {
			return nil, fmt.Errorf("delegate %s: %w", d.rpc, err)
		}
		d.logger.Info("delegate connected", "url", d.rpc, "version", v.Version)
		return d, nil
	}
}

// Ls lists the directory at path.
func (d *Delegated) Ls(ctx context.Context, path string) ([]Link, error) {
	var out struct {
		Objects []struct {
			Hash  string `json:"Hash"`
			Links []Link `json:"Links"`
		} `json:"Objects"`
	}
	if err := d.call(ctx, "ls", url.Values{"arg": {path}}, &out); err != nil {
		return nil, err
	}

	links := []Link{}
	for _, obj := range out.Objects {
		links = append(links, obj.Links...)
	}
	return links, nil
}

// ResolveName resolves an IPNS name to a path. Local resolution is mapped to
// the delegate's offline mode.
func (d *Delegated) ResolveName(ctx context.Context, name string, opts ResolveOptions) (string, error) {
	q := url.Values{"arg": {name}}
	if opts.Local {
		q.Set("offline", strconv.FormatBool(true))
	}

	var out struct {
		Path string `json:"Path"`
	}
	if err := d.call(ctx, "name/resolve", q, &out); err != nil {
		return "", err
	}
	return out.Path, nil
}

// Get streams the content at path from the content gateway. Bare content
// identifiers are treated as /ipfs paths.
func (d *Delegated) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	if !strings.HasPrefix(path, "/ipfs/") && !strings.HasPrefix(path, "/ipns/") {
		path = "/ipfs" + ensureLeadingSlash(path)
	}

	// path is decoded; names may contain '#', '?' or '%'.
	escaped := (&url.URL{Path: path}).EscapedPath()
	resp, err := d.client.DoStream(ctx, http.MethodGet, d.content+escaped, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, &RPCError{Op: "get " + path, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp.Body, nil
}

// call issues POST <rpc>/api/v0/<op> and decodes the JSON answer into out.
func (d *Delegated) call(ctx context.Context, op string, q url.Values, out any) error {
	target := d.rpc + "/api/v0/" + op
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	resp, err := d.client.DoStream(ctx, http.MethodPost, target, nil, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRPCBody))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var rpcErr struct {
			Message string `json:"Message"`
		}
		_ = json.Unmarshal(body, &rpcErr)
		return &RPCError{Op: op, StatusCode: resp.StatusCode, Message: rpcErr.Message}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

func ensureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}
