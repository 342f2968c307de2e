// Package loki ships session events to the Grafana Loki push API.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/telemetry"
)

// DefaultJob is the job label of every stream when none is configured.
const DefaultJob = "vpn-2fa"

const pushPath = "/loki/api/v1/push"

// invalidLabelChars matches what is replaced in label values.
var invalidLabelChars = regexp.MustCompile(`[^a-zA-Z0-9_\-:]`)

type pushBody struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Labels map[string]string `json:"stream"`
	Values [][2]string       `json:"values"` // [unix ns, line]
}

// Entry is one log line and the stream labels it belongs to.
type Entry struct {
	Time   time.Time
	Line   string
	Labels map[string]string
}

// EntryFromEvent turns a session event as published on Kafka into an entry. Labels are the
// low-cardinality fields (event, status, end_reason, source); ids stay in the line. A
// payload that is not an event is kept as-is with the receive time.
func EntryFromEvent(raw []byte, received time.Time) Entry {
	e := Entry{Time: received, Line: string(raw), Labels: map[string]string{}}
	var ev telemetry.SessionEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return e
	}
	set := func(k, v string) {
		if v != "" {
			e.Labels[k] = v
		}
	}
	set("event", ev.Event)
	set("status", ev.To)
	set("end_reason", ev.EndReason)
	set("source", ev.Source)
	if !ev.CreatedAt.IsZero() {
		e.Time = ev.CreatedAt
	}
	return e
}

// Client pushes entries to one Loki instance.
type Client struct {
	url  string
	job  string
	http *http.Client
}

// New returns a client for the Loki at baseURL (e.g. http://localhost:3100). job defaults to
// DefaultJob and hc to http.DefaultClient.
func New(baseURL, job string, hc *http.Client) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("loki: base URL is empty")
	}
	if job == "" {
		job = DefaultJob
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{url: strings.TrimSuffix(baseURL, "/") + pushPath, job: job, http: hc}, nil
}

// Push sends entries in one request, one stream per distinct label set.
func (c *Client) Push(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	payload, err := json.Marshal(pushBody{Streams: c.streams(entries)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("loki: push: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("loki: push returned %s", resp.Status)
	}
	return nil
}

func (c *Client) streams(entries []Entry) []stream {
	var (
		out   []stream
		index = map[string]int{}
	)
	for _, e := range entries {
		labels := c.labels(e.Labels)
		key := streamKey(labels)
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, stream{Labels: labels})
		}
		out[i].Values = append(out[i].Values, [2]string{strconv.FormatInt(e.Time.UnixNano(), 10), e.Line})
	}
	return out
}

func (c *Client) labels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		if v = invalidLabelChars.ReplaceAllString(strings.TrimSpace(v), "_"); v != "" {
			out[k] = v
		}
	}
	out["job"] = c.job
	return out
}

func streamKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
		sb.WriteByte(',')
	}
	return sb.String()
}
