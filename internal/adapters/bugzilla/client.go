// Package bugzilla is the tracker fetch collaborator: a REST client that
// returns raw bug records plus per-item faults for inaccessible bugs.
package bugzilla

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

	"github.com/mozilla/scrumbugz/internal/config"
	"github.com/mozilla/scrumbugz/internal/domain"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrUnavailable wraps network and server-side failures so callers can
// log-and-continue batch operations without inspecting status codes.
var ErrUnavailable = errors.New("bugzilla unavailable")

// FaultUnauthorized is the tracker's per-item fault code for a bug the
// API account is not allowed to see.
const FaultUnauthorized = 102

// BZFields are the bug fields requested on every fetch.
var BZFields = []string{
	"id",
	"status",
	"resolution",
	"summary",
	"whiteboard",
	"assigned_to",
	"priority",
	"severity",
	"product",
	"component",
	"blocks",
	"depends_on",
	"creation_time",
	"last_change_time",
	"target_milestone",
}

type RawBug struct {
	ID              int64              `json:"id"`
	Product         string             `json:"product"`
	Component       string             `json:"component"`
	AssignedTo      string             `json:"assigned_to"`
	Status          string             `json:"status"`
	Resolution      string             `json:"resolution"`
	Summary         string             `json:"summary"`
	Whiteboard      string             `json:"whiteboard"`
	Priority        string             `json:"priority"`
	Severity        string             `json:"severity"`
	TargetMilestone string             `json:"target_milestone"`
	Blocks          []int64            `json:"blocks"`
	DependsOn       []int64            `json:"depends_on"`
	CreationTime    *time.Time         `json:"creation_time"`
	LastChangeTime  *time.Time         `json:"last_change_time"`
	History         []domain.ChangeSet `json:"history"`
	CommentsCount   int                `json:"comments_count"`
}

type Fault struct {
	ID          int64  `json:"id"`
	FaultCode   int    `json:"faultCode"`
	FaultString string `json:"faultString"`
}

// Result is one batch fetch: some bugs, and faults for the ids that
// could not be fetched.
type Result struct {
	Bugs   []RawBug `json:"bugs"`
	Faults []Fault  `json:"faults"`
}

type Product struct {
	ID         int64       `json:"id"`
	Name       string      `json:"name"`
	Components []Component `json:"components"`
}

type Component struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Client struct {
	baseURL      string
	apiKey       string
	http         *http.Client
	log          zerolog.Logger
	workers      int
	openStatuses []string
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
	workers := cfg.WorkersSync
	if workers <= 0 {
		workers = 4
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BugzillaBaseURL, "/"),
		apiKey:       cfg.BugzillaAPIKey,
		http:         &http.Client{Timeout: cfg.HTTPTimeout},
		log:          log,
		workers:      workers,
		openStatuses: cfg.OpenStatuses,
	}
}

func (c *Client) apiURL(path string, q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}
	u := c.baseURL + "/rest" + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("%w: empty base url", ErrUnavailable)
	}
	const attempts = 3
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
		} else {
			if resp.StatusCode >= 300 {
				b, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				// retry on 429/5xx
				if resp.StatusCode == 429 || resp.StatusCode >= 500 {
					lastErr = fmt.Errorf("%w: status=%d body=%s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(b)))
				} else {
					return fmt.Errorf("bugzilla api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
				}
			} else {
				err := json.NewDecoder(resp.Body).Decode(out)
				resp.Body.Close()
				if err != nil {
					return err
				}
				return nil
			}
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(300*(1<<attempt)) * time.Millisecond):
		}
	}
	return lastErr
}

// BugsByID fetches the given bugs with history mixed in. Inaccessible
// ids come back as faults, not errors.
func (c *Client) BugsByID(ctx context.Context, ids []int64) (*Result, error) {
	if len(ids) == 0 {
		return &Result{}, nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.FormatInt(id, 10)
	}
	q := url.Values{}
	q.Set("id", strings.Join(strs, ","))
	q.Set("include_fields", strings.Join(BZFields, ","))
	q.Set("permissive", "1")
	var res Result
	if err := c.getJSON(ctx, c.apiURL("/bug", q), &res); err != nil {
		return nil, err
	}
	if err := c.mixinHistory(ctx, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// BugsByProduct searches open bugs by product and optional component.
// Component domain.AllComponents (or empty) means the whole product.
// Only open statuses are requested; closed bugs already in a sprint keep
// flowing through id-based refetches.
func (c *Client) BugsByProduct(ctx context.Context, product, component string) (*Result, error) {
	q := url.Values{}
	q.Set("product", product)
	if component != "" && component != domain.AllComponents {
		q.Set("component", component)
	}
	for _, st := range c.openStatuses {
		q.Add("status", st)
	}
	q.Set("include_fields", strings.Join(BZFields, ","))
	var res Result
	if err := c.getJSON(ctx, c.apiURL("/bug", q), &res); err != nil {
		return nil, err
	}
	if err := c.mixinHistory(ctx, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// mixinHistory fetches each bug's change history. One bad history fetch
// fails the batch since replaying stale history corrupts burndown data.
func (c *Client) mixinHistory(ctx context.Context, res *Result) error {
	if len(res.Bugs) == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i := range res.Bugs {
		g.Go(func() error {
			h, err := c.history(ctx, res.Bugs[i].ID)
			if err != nil {
				return err
			}
			res.Bugs[i].History = h
			return nil
		})
	}
	return g.Wait()
}

func (c *Client) history(ctx context.Context, id int64) ([]domain.ChangeSet, error) {
	var out struct {
		Bugs []struct {
			ID      int64              `json:"id"`
			History []domain.ChangeSet `json:"history"`
		} `json:"bugs"`
	}
	path := "/bug/" + strconv.FormatInt(id, 10) + "/history"
	if err := c.getJSON(ctx, c.apiURL(path, nil), &out); err != nil {
		return nil, err
	}
	for _, b := range out.Bugs {
		if b.ID == id {
			return b.History, nil
		}
	}
	return nil, nil
}

// Products returns the accessible product/component catalog.
func (c *Client) Products(ctx context.Context) ([]Product, error) {
	q := url.Values{}
	q.Set("type", "accessible")
	q.Set("include_fields", "id,name,components.id,components.name")
	var out struct {
		Products []Product `json:"products"`
	}
	if err := c.getJSON(ctx, c.apiURL("/product", q), &out); err != nil {
		return nil, err
	}
	return out.Products, nil
}
