package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Wyydra/duocall/internal/core/domain"
	"github.com/rs/zerolog/log"
)

// Client talks to the relay server's call-record API. It implements
// CallRecordStore, RecordFeed and UserDirectory.
type Client struct {
	base  string
	http  *http.Client
	retry time.Duration
}

func New(baseURL string) *Client {
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		http:  &http.Client{Timeout: 10 * time.Second},
		retry: 2 * time.Second,
	}
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e apiError
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return statusError(resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(code int, msg string) error {
	switch code {
	case http.StatusNotFound:
		if strings.Contains(msg, domain.ErrUserNotFound.Error()) {
			return fmt.Errorf("%w: %s", domain.ErrUserNotFound, msg)
		}
		return fmt.Errorf("%w: %s", domain.ErrRecordNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrInvalidTransition, msg)
	default:
		return fmt.Errorf("call api: status %d: %s", code, msg)
	}
}

func (c *Client) Insert(ctx context.Context, caller, receiver domain.UserID, kind domain.CallKind) (domain.CallRecord, error) {
	var rec domain.CallRecord
	err := c.do(ctx, http.MethodPost, "/api/calls", map[string]string{
		"caller_id":   caller.String(),
		"receiver_id": receiver.String(),
		"call_type":   string(kind),
	}, &rec)
	return rec, err
}

func (c *Client) UpdateLatest(ctx context.Context, f domain.RecordFilter, p domain.RecordPatch) (domain.CallRecord, error) {
	body := struct {
		domain.RecordFilter
		domain.RecordPatch
	}{f, p}
	var rec domain.CallRecord
	err := c.do(ctx, http.MethodPatch, "/api/calls/latest", body, &rec)
	return rec, err
}

func (c *Client) List(ctx context.Context, user domain.UserID, limit int) ([]domain.CallRecord, error) {
	q := url.Values{"user": {user.String()}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var recs []domain.CallRecord
	err := c.do(ctx, http.MethodGet, "/api/calls?"+q.Encode(), nil, &recs)
	return recs, err
}

func (c *Client) Lookup(ctx context.Context, id domain.UserID) (string, error) {
	var out struct {
		DisplayName string `json:"display_name"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(id.String()), nil, &out); err != nil {
		return "", err
	}
	return out.DisplayName, nil
}

// SubscribeRecords follows the server's event stream for receiver and
// reconnects until the returned cancel func is called.
func (c *Client) SubscribeRecords(receiver domain.UserID) (<-chan domain.RecordEvent, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan domain.RecordEvent, 32)
	l := log.With().Str("receiver", receiver.String()).Logger()

	go func() {
		defer close(ch)
		for {
			err := c.stream(ctx, receiver, ch)
			if ctx.Err() != nil {
				return
			}
			l.Warn().Err(err).Dur("retry", c.retry).Msg("Record stream interrupted")
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retry):
			}
		}
	}()

	return ch, cancel
}

func (c *Client) stream(ctx context.Context, receiver domain.UserID, ch chan<- domain.RecordEvent) error {
	q := url.Values{"receiver": {receiver.String()}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/calls/events?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream is long lived, so it bypasses the client timeout.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: status %d", resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	var event string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if event != "record" {
				continue
			}
			var ev domain.RecordEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
				log.Warn().Err(err).Msg("Bad record event")
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		case line == "":
			event = ""
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}
