// Package discovery implements the mlab-ns nearby-server lookup of
// spec.md §6's discovery boundary, grounded on
// original_source/libndt.hpp's query_mlabns/query_mlabns_curl and its
// MlabnsPolicy enum (closest, random, geo_options).
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/m-lab/ndt5-client/internal/errclass"
)

// Policy selects how mlab-ns picks candidate servers, per
// original_source/libndt.hpp's mlabns_policy_* constants. PolicyGeoOptions
// is the zero value, matching spec.md §6's documented default ("robust to
// individual server failure") so a zero-valued Settings picks it without
// Settings.fill needing a sentinel to distinguish "unset" from "explicitly
// PolicyClosest".
type Policy int

const (
	PolicyGeoOptions Policy = iota
	PolicyClosest
	PolicyRandom
)

func (p Policy) queryParam() string {
	switch p {
	case PolicyRandom:
		return "random"
	case PolicyGeoOptions:
		return "geo_options"
	default:
		return ""
	}
}

// DefaultBaseURL is the mlab-ns service libndt.hpp defaults to.
const DefaultBaseURL = "https://mlab-ns.appspot.com"

// toolName is the mlab-ns tool identifier for the legacy NDT protocol.
const toolName = "ndt"

// Directory resolves one or more candidate NDT server hostnames, per
// spec.md §1's "nearby-server directory" external collaborator. Injectable
// so session/client code can be tested without a live mlab-ns dependency.
type Directory interface {
	Discover(ctx context.Context) ([]string, error)
}

// Client queries mlab-ns over HTTP.
type Client struct {
	BaseURL    string
	Policy     Policy
	HTTPClient *http.Client
}

// NewClient returns a discovery Client with libndt.hpp's documented
// defaults (base URL, geo_options policy -- "the most robust to random
// server failures") unless overridden.
func NewClient(baseURL string, policy Policy, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:    baseURL,
		Policy:     policy,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// closestOrRandomResponse is the JSON object shape mlab-ns returns for the
// "closest" and "random" policies: a single server.
type closestOrRandomResponse struct {
	FQDN string `json:"fqdn"`
}

// Discover queries mlab-ns and returns one or more candidate hostnames, in
// the order the client should try them (spec.md §1: "in the event we
// autodiscover more than one server, we will attempt to use each of them").
func (c *Client) Discover(ctx context.Context) ([]string, error) {
	u, err := url.Parse(c.BaseURL + "/" + toolName)
	if err != nil {
		return nil, errclass.Wrap(errclass.KindInvalidArgument, err)
	}
	if param := c.Policy.queryParam(); param != "" {
		q := u.Query()
		q.Set("policy", param)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errclass.Wrap(errclass.KindInvalidArgument, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errclass.Wrap(errclass.KindIOError, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mlab-ns returned HTTP %d", resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	if c.Policy == PolicyGeoOptions {
		// geo_options returns a JSON array of candidate servers, rather than
		// the single-object shape of closest/random.
		var entries []closestOrRandomResponse
		if err := dec.Decode(&entries); err != nil {
			return nil, errclass.Wrap(errclass.KindInvalidArgument, err)
		}
		hostnames := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.FQDN != "" {
				hostnames = append(hostnames, e.FQDN)
			}
		}
		if len(hostnames) == 0 {
			return nil, errclass.New(errclass.KindAINoName)
		}
		return hostnames, nil
	}

	var single closestOrRandomResponse
	if err := dec.Decode(&single); err != nil {
		return nil, errclass.Wrap(errclass.KindInvalidArgument, err)
	}
	if single.FQDN == "" {
		return nil, errclass.New(errclass.KindAINoName)
	}
	return []string{single.FQDN}, nil
}
