// Package backend talks to the Ecotwin backend-as-a-service (a PocketBase instance): tile and
// simulation records, stored result files, and the /simulate endpoint that runs a simulation.
//
// Requests are made once. Retrying is left to the caller.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ecotwin.ai/internal/logging"
	"ecotwin.ai/internal/records"
)

var (
	// ErrNotFound is returned for 404 answers and empty filtered lookups.
	ErrNotFound = errors.New("backend: not found")
	// ErrUnreachable wraps transport failures: refused connections, timeouts, cut bodies.
	ErrUnreachable = errors.New("backend: unreachable")
)

const maxBodyBytes = 512 << 20

// StatusError is a non-2xx answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: status %d: %s", e.Code, e.Body)
}

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type Client struct {
	base       string
	token      string
	httpClient *http.Client
	log        logrus.FieldLogger
}

func New(cfg Config, logger logrus.FieldLogger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:       base,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{Timeout: timeout},
		log:        logging.Component(logger, "backend"),
	}, nil
}

// TilePage is one page of the tiles collection.
type TilePage struct {
	Page       int            `json:"page"`
	PerPage    int            `json:"perPage"`
	TotalItems int            `json:"totalItems"`
	TotalPages int            `json:"totalPages"`
	Items      []records.Tile `json:"items"`
}

type listEnvelope struct {
	Page       int               `json:"page"`
	PerPage    int               `json:"perPage"`
	TotalItems int               `json:"totalItems"`
	TotalPages int               `json:"totalPages"`
	Items      []json.RawMessage `json:"items"`
}

// ListTiles fetches one page. Items that fail the tile schema are skipped and logged.
func (c *Client) ListTiles(ctx context.Context, page, perPage int) (TilePage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(max(page, 1)))
	q.Set("perPage", strconv.Itoa(min(max(perPage, 1), 500)))
	q.Set("sort", "zoom,x,y")
	return c.listTiles(ctx, q)
}

// ListAllTiles walks every page.
func (c *Client) ListAllTiles(ctx context.Context) ([]records.Tile, error) {
	var out []records.Tile
	for page := 1; ; page++ {
		p, err := c.ListTiles(ctx, page, 200)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Items...)
		if page >= p.TotalPages || p.TotalPages == 0 {
			return out, nil
		}
	}
}

func (c *Client) listTiles(ctx context.Context, q url.Values) (TilePage, error) {
	var env listEnvelope
	if err := c.getJSON(ctx, "/api/collections/tiles/records?"+q.Encode(), &env); err != nil {
		return TilePage{}, err
	}
	p := TilePage{Page: env.Page, PerPage: env.PerPage, TotalItems: env.TotalItems, TotalPages: env.TotalPages}
	for _, raw := range env.Items {
		t, err := records.ParseTile(raw)
		if err != nil {
			c.log.WithError(err).Warn("skipping tile record")
			continue
		}
		p.Items = append(p.Items, t)
	}
	return p, nil
}

func (c *Client) GetTile(ctx context.Context, id string) (records.Tile, error) {
	raw, err := c.get(ctx, "/api/collections/tiles/records/"+url.PathEscape(id))
	if err != nil {
		return records.Tile{}, err
	}
	return records.ParseTile(raw)
}

// GetTileByXYZ returns the first tile at the address.
func (c *Client) GetTileByXYZ(ctx context.Context, x, y, zoom int) (records.Tile, error) {
	q := url.Values{}
	q.Set("page", "1")
	q.Set("perPage", "1")
	q.Set("filter", fmt.Sprintf("x = %d && y = %d && zoom = %d", x, y, zoom))
	p, err := c.listTiles(ctx, q)
	if err != nil {
		return records.Tile{}, err
	}
	if len(p.Items) == 0 {
		return records.Tile{}, fmt.Errorf("%w: tile %d/%d/%d", ErrNotFound, zoom, x, y)
	}
	return p.Items[0], nil
}

func (c *Client) GetSimulation(ctx context.Context, id string) (records.Simulation, error) {
	raw, err := c.get(ctx, "/api/collections/simulations/records/"+url.PathEscape(id))
	if err != nil {
		return records.Simulation{}, err
	}
	return records.ParseSimulation(raw)
}

// FetchSimulationResult returns the raw result record for sim. A stored result file is used
// when the record names one; otherwise the backend runs the simulation and answers in base64.
func (c *Client) FetchSimulationResult(ctx context.Context, sim records.Simulation) ([]byte, error) {
	if sim.ResultJSON != "" {
		collection := sim.CollectionID
		if collection == "" {
			collection = "simulations"
		}
		p := "/api/files/" + url.PathEscape(collection) + "/" + url.PathEscape(sim.ID) + "/" + url.PathEscape(sim.ResultJSON)
		return c.get(ctx, p)
	}
	q := url.Values{}
	q.Set("format", "base64")
	if agent := sim.Agent(); agent != "" {
		q.Set("agent", agent)
	}
	c.log.WithField("simulation", sim.ID).Info("no stored result; running simulation")
	return c.get(ctx, "/simulate/"+url.PathEscape(sim.ID)+"?"+q.Encode())
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	raw, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("backend: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %w", ErrUnreachable, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrUnreachable, path, err)
	}
	c.log.WithFields(logrus.Fields{
		"path":   path,
		"status": resp.StatusCode,
		"bytes":  logging.Bytes(int64(len(body))),
		"took":   time.Since(start).Round(time.Millisecond).String(),
	}).Debug("backend request")

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg := strings.TrimSpace(string(body))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: msg}
	}
	return body, nil
}
