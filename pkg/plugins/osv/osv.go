// Package osv scans SBOM components against the OSV vulnerability database.
package osv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sbomify/assessments/pkg/plugin"
	"github.com/sbomify/assessments/pkg/sbom"
)

const (
	Name    = "osv"
	Version = "1.0.0"

	defaultAPIURL    = "https://api.osv.dev"
	defaultBatchSize = 1000
	defaultTimeout   = 30 * time.Second

	// maxPages caps next_page_token follow-ups per batch.
	maxPages = 100
)

// Plugin queries the OSV querybatch API for every component that carries a
// purl or a name and ecosystem. querybatch only returns ids, so each advisory
// is fetched once from /v1/vulns/{id} for its summary and severity.
//
// Config keys: api_url, batch_size, hydrate (default true; false keeps the
// bare querybatch records), timeout.
type Plugin struct {
	httpClient *http.Client
}

// Option configures the plugin.
type Option func(*Plugin)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Plugin) { p.httpClient = c }
}

// New returns the OSV plugin.
func New(opts ...Option) plugin.Plugin {
	p := &Plugin{httpClient: &http.Client{}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (*Plugin) Name() string              { return Name }
func (*Plugin) Version() string           { return Version }
func (*Plugin) Category() plugin.Category { return plugin.CategorySecurity }

type query struct {
	Package   pkgRef `json:"package"`
	Version   string `json:"version,omitempty"`
	PageToken string `json:"page_token,omitempty"`
}

type pkgRef struct {
	Name      string `json:"name,omitempty"`
	Ecosystem string `json:"ecosystem,omitempty"`
	PURL      string `json:"purl,omitempty"`
}

type batchRequest struct {
	Queries []query `json:"queries"`
}

type batchResponse struct {
	Results []struct {
		Vulns         []vuln `json:"vulns"`
		NextPageToken string `json:"next_page_token"`
	} `json:"results"`
}

type vuln struct {
	ID       string   `json:"id"`
	Summary  string   `json:"summary"`
	Details  string   `json:"details"`
	Aliases  []string `json:"aliases"`
	Modified string   `json:"modified"`

	References []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"references"`

	Severity []struct {
		Type  string `json:"type"`
		Score string `json:"score"`
	} `json:"severity"`

	DatabaseSpecific struct {
		Severity string `json:"severity"`
	} `json:"database_specific"`
}

// Assess implements plugin.Plugin.
func (p *Plugin) Assess(ctx context.Context, data []byte, format sbom.Format, cfg plugin.Config) (*plugin.Result, error) {
	doc, resolved, err := sbom.Load(data, format)
	if err != nil {
		return nil, plugin.Unparseable(Name, err)
	}
	comps, err := sbom.Components(doc, resolved)
	if err != nil {
		return nil, plugin.Unsupported(Name, resolved)
	}

	apiURL := strings.TrimRight(cfg.String("api_url", defaultAPIURL), "/")
	batchSize := cfg.Int("batch_size", defaultBatchSize)
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	hydrate := cfg.Bool("hydrate", true)

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration("timeout", defaultTimeout))
	defer cancel()

	var queries []query
	var queried []sbom.Component
	skipped := 0
	for _, c := range comps {
		q, ok := toQuery(c)
		if !ok {
			skipped++
			continue
		}
		queries = append(queries, q)
		queried = append(queried, c)
	}

	result := plugin.NewResult(p)
	seen := map[string]bool{}
	records := map[string]*vuln{}
	truncated := false
	for start := 0; start < len(queries); start += batchSize {
		end := min(start+batchSize, len(queries))
		batch := queries[start:end]
		idx := make([]int, len(batch))
		for i := range idx {
			idx[i] = start + i
		}

		for page := 0; len(batch) > 0; page++ {
			if page == maxPages {
				truncated = true
				break
			}
			resp, err := p.queryBatch(ctx, apiURL, batch)
			if err != nil {
				return nil, err
			}
			var nextBatch []query
			var nextIdx []int
			for i, res := range resp.Results {
				if i >= len(batch) {
					break
				}
				comp := queried[idx[i]]
				for _, v := range res.Vulns {
					key := v.ID + "|" + comp.Name + "|" + comp.Version
					if seen[key] {
						continue
					}
					seen[key] = true
					if hydrate && bare(v) {
						full, ok := records[v.ID]
						if !ok {
							if full, err = p.fetchVuln(ctx, apiURL, v.ID); err != nil {
								return nil, err
							}
							records[v.ID] = full
						}
						v = *full
					}
					result.Add(toFinding(v, comp))
				}
				if res.NextPageToken != "" {
					q := batch[i]
					q.PageToken = res.NextPageToken
					nextBatch = append(nextBatch, q)
					nextIdx = append(nextIdx, idx[i])
				}
			}
			batch, idx = nextBatch, nextIdx
		}
	}

	sort.SliceStable(result.Findings, func(i, j int) bool {
		a, b := result.Findings[i], result.Findings[j]
		if a.Component.Name != b.Component.Name {
			return a.Component.Name < b.Component.Name
		}
		return a.ID < b.ID
	})
	result.Metadata = map[string]any{
		"components_total":   len(comps),
		"components_queried": len(queries),
		"components_skipped": skipped,
		"format":             string(resolved),
		"hydrated":           hydrate,
		"pages_truncated":    truncated,
	}
	return result, nil
}

// bare reports whether v is a querybatch stub carrying no advisory detail.
func bare(v vuln) bool {
	return v.Summary == "" && v.Details == "" && len(v.Severity) == 0 && v.DatabaseSpecific.Severity == ""
}

func toQuery(c sbom.Component) (query, bool) {
	if c.PURL != "" {
		// purl already carries the version; OSV rejects both.
		return query{Package: pkgRef{PURL: c.PURL}}, true
	}
	if c.Name != "" && c.Ecosystem != "" {
		return query{Package: pkgRef{Name: c.Name, Ecosystem: c.Ecosystem}, Version: c.Version}, true
	}
	return query{}, false
}

func (p *Plugin) queryBatch(ctx context.Context, apiURL string, queries []query) (*batchResponse, error) {
	body, err := json.Marshal(batchRequest{Queries: queries})
	if err != nil {
		return nil, fmt.Errorf("marshal osv query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/v1/querybatch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build osv request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out batchResponse
	if err := p.do(req, &out); err != nil {
		return nil, fmt.Errorf("osv querybatch: %w", err)
	}
	return &out, nil
}

func (p *Plugin) fetchVuln(ctx context.Context, apiURL, id string) (*vuln, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/v1/vulns/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("build osv request: %w", err)
	}
	var out vuln
	if err := p.do(req, &out); err != nil {
		return nil, fmt.Errorf("osv get %s: %w", id, err)
	}
	return &out, nil
}

func (p *Plugin) do(req *http.Request, out any) error {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func toFinding(v vuln, c sbom.Component) plugin.Finding {
	f := plugin.Finding{
		ID:          v.ID,
		Title:       v.Summary,
		Description: v.Details,
		Aliases:     v.Aliases,
		Component: &plugin.Component{
			Name:      c.Name,
			Version:   c.Version,
			Ecosystem: c.Ecosystem,
			PURL:      c.PURL,
		},
	}
	if f.Title == "" {
		f.Title = v.ID
	}
	for _, ref := range v.References {
		if ref.URL != "" {
			f.References = append(f.References, ref.URL)
		}
	}

	// A CVSS vector decides the severity; the database's own label is the
	// fallback for advisories without one.
	if score, ok := bestScore(v); ok {
		f.CVSSScore = &score
		f.Severity = plugin.SeverityFromCVSS(score)
	} else {
		f.Severity = plugin.ParseSeverity(v.DatabaseSpecific.Severity)
	}
	return f
}
