package audit

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/meysam81/go-auth-mastodon/auth/mastodon"
)

// SourceExtractor extracts request information (IP, user agent) from the
// context so that events can carry it.
type SourceExtractor func(ctx context.Context) *Source

// FlowWrapper wraps a mastodon.Flow to add audit logging. It implements
// mastodon.Flow and can be handed to mastodon.NewHandler in place of the
// wrapped flow.
type FlowWrapper struct {
	flow       mastodon.Flow
	auditor    AuditLogger
	sourceFunc SourceExtractor
}

// NewFlowWrapper creates an audit-logging wrapper around a login flow.
func NewFlowWrapper(flow mastodon.Flow, auditor AuditLogger, sourceFunc SourceExtractor) *FlowWrapper {
	if auditor == nil {
		auditor = NoOpAuditor{}
	}
	return &FlowWrapper{
		flow:       flow,
		auditor:    auditor,
		sourceFunc: sourceFunc,
	}
}

// StartLogin wraps the StartLogin method with audit logging.
func (w *FlowWrapper) StartLogin(ctx context.Context, sessionID string, req mastodon.StartRequest) (string, error) {
	start := time.Now()
	authURL, err := w.flow.StartLogin(ctx, sessionID, req)

	event := &AuditEvent{
		Timestamp:   start,
		EventType:   EventLoginStart,
		EventResult: EventResultSuccess,
		Actor: &Actor{
			Provider: mastodon.ProviderName,
			Instance: req.Instance,
		},
		SessionID: sessionID,
	}
	if req.Destination != "" {
		event.Metadata = map[string]interface{}{"destination": req.Destination}
	}
	if err != nil {
		w.fail(event, err)
	}

	w.log(ctx, event)
	return authURL, err
}

// HandleCallback wraps the HandleCallback method with audit logging.
func (w *FlowWrapper) HandleCallback(ctx context.Context, sessionID string, params mastodon.CallbackParams) (*mastodon.CallbackResult, error) {
	start := time.Now()
	result, err := w.flow.HandleCallback(ctx, sessionID, params)

	event := &AuditEvent{
		Timestamp:   start,
		EventType:   EventLoginCallback,
		EventResult: EventResultSuccess,
		Actor: &Actor{
			Provider: mastodon.ProviderName,
		},
		Resource: &Resource{
			Type: "identity",
		},
		SessionID: sessionID,
	}

	if err != nil {
		w.fail(event, err)
		if params.Error != "" {
			event.Metadata = map[string]interface{}{"provider_error": params.Error}
		}
	} else {
		profile := result.Profile
		event.Actor.Username = profile.Username
		event.Actor.Instance = profile.InstanceHost
		event.Resource.Name = profile.Identity().String()

		metadata := map[string]interface{}{}
		if result.Provision != nil {
			event.Actor.UserID = result.Provision.UserID
			event.Resource.ID = result.Provision.UserID
			metadata["new_user"] = result.Provision.IsNewUser
		}
		if len(result.ExtraDetails) > 0 {
			labels := make([]string, 0, len(result.ExtraDetails))
			for label := range result.ExtraDetails {
				labels = append(labels, label)
			}
			sort.Strings(labels)
			metadata["extra_details"] = labels
		}
		event.Metadata = metadata
	}

	w.log(ctx, event)
	return result, err
}

// Logout logs the user out of the wrapped flow, if it supports logout.
func (w *FlowWrapper) Logout(ctx context.Context, sessionID string) error {
	logouter, ok := w.flow.(interface {
		Logout(ctx context.Context, sessionID string) error
	})
	if !ok {
		return nil
	}

	start := time.Now()
	err := logouter.Logout(ctx, sessionID)

	event := &AuditEvent{
		Timestamp:   start,
		EventType:   EventLogout,
		EventResult: EventResultSuccess,
		Actor: &Actor{
			Provider: mastodon.ProviderName,
		},
		SessionID: sessionID,
	}
	if err != nil {
		w.fail(event, err)
	}

	w.log(ctx, event)
	return err
}

func (w *FlowWrapper) fail(event *AuditEvent, err error) {
	event.EventResult = EventResultFailure
	if errors.Is(err, mastodon.ErrUserDenied) {
		event.EventResult = EventResultDenied
	}
	event.Error, _ = mastodon.Category(err)
}

func (w *FlowWrapper) log(ctx context.Context, event *AuditEvent) {
	if w.sourceFunc != nil {
		event.Source = w.sourceFunc(ctx)
	}
	_ = w.auditor.Log(ctx, event)
}
