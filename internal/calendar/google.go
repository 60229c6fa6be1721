package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GoogleConfig configures the Google Calendar provider.
type GoogleConfig struct {
	CalendarID      string
	CredentialsFile string // service account or authorized-user JSON
	// Endpoint and HTTPClient override the API base URL and transport; tests
	// point them at an httptest server.
	Endpoint   string
	HTTPClient *http.Client
}

// GoogleProvider talks to the Google Calendar v3 API.
type GoogleProvider struct {
	svc        *gcal.Service
	calendarID string
}

// NewGoogleProvider builds a provider. Without an explicit HTTPClient the
// credentials file is loaded and its token source drives an otelhttp
// instrumented client.
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig) (*GoogleProvider, error) {
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	client := cfg.HTTPClient
	if client == nil {
		if cfg.CredentialsFile == "" {
			return nil, errors.New("google calendar: credentials file is required")
		}
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read calendar credentials: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, gcal.CalendarEventsScope)
		if err != nil {
			return nil, fmt.Errorf("parse calendar credentials: %w", err)
		}
		base := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
		client = oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), creds.TokenSource)
	}
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return &GoogleProvider{svc: svc, calendarID: cfg.CalendarID}, nil
}

func classify(err error) Result {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return Failure(gerr.Code, err)
	}
	// Timeouts, cancellations and transport errors carry no status.
	return Failure(0, err)
}

func toGoogle(ev Event) *gcal.Event {
	return &gcal.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: "UTC"},
		End:         &gcal.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: "UTC"},
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{TaskIDProperty: strconv.FormatInt(ev.TaskID, 10)},
		},
	}
}

// tokenTaskID extracts the task id from "<prefix>-<id>@<prefix>".
func tokenTaskID(token string) (string, bool) {
	head, _, ok := strings.Cut(token, "@")
	if !ok {
		return "", false
	}
	i := strings.LastIndexByte(head, '-')
	if i < 0 {
		return "", false
	}
	id := head[i+1:]
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return "", false
	}
	return id, true
}

// Lookup searches by iCalUID first, then by the private task id property.
func (p *GoogleProvider) Lookup(ctx context.Context, token string) Result {
	evs, err := p.svc.Events.List(p.calendarID).ICalUID(token).MaxResults(1).Context(ctx).Do()
	if err != nil {
		return classify(err)
	}
	if len(evs.Items) > 0 {
		return Result{OK: true, ExternalID: evs.Items[0].Id, HTTPStatus: http.StatusOK}
	}
	if id, ok := tokenTaskID(token); ok {
		evs, err = p.svc.Events.List(p.calendarID).
			PrivateExtendedProperty(TaskIDProperty + "=" + id).MaxResults(1).Context(ctx).Do()
		if err != nil {
			return classify(err)
		}
		if len(evs.Items) > 0 {
			return Result{OK: true, ExternalID: evs.Items[0].Id, HTTPStatus: http.StatusOK}
		}
	}
	return Failure(http.StatusNotFound, fmt.Errorf("no event for token %s", token))
}

// Create inserts the event with the token as iCalUID. A conflict means an
// earlier attempt already created it, so the existing event is returned.
func (p *GoogleProvider) Create(ctx context.Context, ev Event) Result {
	ge := toGoogle(ev)
	ge.ICalUID = ev.Token
	created, err := p.svc.Events.Insert(p.calendarID, ge).Context(ctx).Do()
	if err != nil {
		res := classify(err)
		if res.HTTPStatus == http.StatusConflict || res.HTTPStatus == http.StatusPreconditionFailed {
			if found := p.Lookup(ctx, ev.Token); found.OK {
				return found
			}
		}
		return res
	}
	return Result{OK: true, ExternalID: created.Id, HTTPStatus: created.HTTPStatusCode}
}

func (p *GoogleProvider) Patch(ctx context.Context, externalID string, ev Event) Result {
	patched, err := p.svc.Events.Patch(p.calendarID, externalID, toGoogle(ev)).Context(ctx).Do()
	if err != nil {
		return classify(err)
	}
	return Result{OK: true, ExternalID: patched.Id, HTTPStatus: patched.HTTPStatusCode}
}

func (p *GoogleProvider) Delete(ctx context.Context, externalID string) Result {
	if err := p.svc.Events.Delete(p.calendarID, externalID).Context(ctx).Do(); err != nil {
		return classify(err)
	}
	return Result{OK: true, ExternalID: externalID, HTTPStatus: http.StatusNoContent}
}
