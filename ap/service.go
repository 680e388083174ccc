package ap

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/concrnt/ccworld-ap-core/activity"
	"github.com/concrnt/ccworld-ap-core/jsonld"
	"github.com/concrnt/ccworld-ap-core/store"
	"github.com/concrnt/ccworld-ap-core/types"
	"github.com/concrnt/ccworld-ap-core/world"
)

type Service struct {
	store    *store.Store
	pipeline *activity.Service
	marks    activity.Marks
	info     types.NodeInfo
	config   types.ApConfig
}

func NewService(
	store *store.Store,
	pipeline *activity.Service,
	marks activity.Marks,
	info types.NodeInfo,
	config types.ApConfig,
) *Service {
	return &Service{
		store,
		pipeline,
		marks,
		info,
		config,
	}
}

func (s *Service) WebFinger(ctx context.Context, resource string) (types.WebFinger, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.WebFinger")
	defer span.End()

	split := strings.Split(resource, ":")
	if len(split) != 2 {
		return types.WebFinger{}, errors.New("invalid resource")
	}
	rt, id := split[0], split[1]
	if rt != "acct" {
		return types.WebFinger{}, errors.New("invalid resource type")
	}

	split = strings.Split(id, "@")
	if len(split) != 2 {
		return types.WebFinger{}, errors.New("invalid resource")
	}
	username, domain := split[0], split[1]
	if domain != s.config.FQDN {
		return types.WebFinger{}, errors.New("domain not found")
	}
	_, err := s.store.GetLocalAccountByUsername(ctx, username)
	if err != nil {
		return types.WebFinger{}, err
	}

	return types.WebFinger{
		Subject: resource,
		Links: []types.WebFingerLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: "https://" + s.config.FQDN + "/ap/acct/" + username,
			},
		},
	}, nil
}

func (s *Service) NodeInfo(ctx context.Context) (types.NodeInfo, error) {
	_, span := tracer.Start(ctx, "Ap.Service.NodeInfo")
	defer span.End()
	return s.info, nil
}

func (s *Service) NodeInfoWellKnown(ctx context.Context) (types.WellKnown, error) {
	_, span := tracer.Start(ctx, "Ap.Service.NodeInfoWellKnown")
	defer span.End()
	return types.WellKnown{
		Links: []types.WellKnownLink{
			{
				Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				Href: "https://" + s.config.FQDN + "/ap/nodeinfo/2.0",
			},
		},
	}, nil
}

// User renders a local account as an actor document.
func (s *Service) User(ctx context.Context, username string) (map[string]any, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.User")
	defer span.End()

	account, err := s.store.GetLocalAccountByUsername(ctx, username)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	id := "https://" + s.config.FQDN + "/ap/acct/" + account.Username
	return map[string]any{
		"@context":          []string{world.ActivityStreamsContext, "https://w3id.org/security/v1"},
		"type":              "Person",
		"id":                id,
		"preferredUsername": account.Username,
		"inbox":             id + "/inbox",
		"followers":         id + "/followers",
		"endpoints": map[string]any{
			"sharedInbox": "https://" + s.config.FQDN + "/ap/inbox",
		},
		"publicKey": map[string]any{
			"id":           id + "#main-key",
			"owner":        id,
			"publicKeyPem": account.Publickey,
		},
	}, nil
}

// Inbox ingests one inbound delivery. deliveredTo carries the owner of
// a personal inbox, empty for the shared inbox.
func (s *Service) Inbox(ctx context.Context, body []byte, deliveredTo string) error {
	ctx, span := tracer.Start(ctx, "Ap.Service.Inbox")
	defer span.End()

	envelope, err := types.LoadAsRawApObj(body)
	if err != nil {
		return errors.Wrap(err, "invalid request body")
	}

	actorURI := jsonld.ValueOrID(mustAny(envelope, "actor"))
	if actorURI == "" {
		return errors.New("missing actor")
	}

	actor, err := s.pipeline.ResolveAccount(ctx, actorURI)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if actor == nil {
		return errors.New("actor unresolvable")
	}

	var deliveredToAccountID string
	if deliveredTo != "" {
		account, err := s.store.GetLocalAccountByUsername(ctx, deliveredTo)
		if err != nil {
			return err
		}
		deliveredToAccountID = account.ID
	}

	switch envelope.MustGetString("type") {
	case "Create":
		_, err = s.pipeline.Perform(ctx, envelope, actor, activity.Options{
			DeliveredToAccountID: deliveredToAccountID,
			RequestID:            uuid.New().String(),
			RawDelivery:          body,
		})
		return err

	case "Delete":
		return s.performDelete(ctx, envelope, actor)

	default:
		slog.DebugContext(ctx, "ignoring activity",
			slog.String("type", envelope.MustGetString("type")),
		)
		return nil
	}
}

// performDelete removes a status we know, or remembers the delete so a
// late-arriving create for the same object is suppressed.
func (s *Service) performDelete(ctx context.Context, envelope *types.RawApObj, actor *types.Account) error {
	ctx, span := tracer.Start(ctx, "Ap.Service.PerformDelete")
	defer span.End()

	uri := jsonld.ValueOrID(mustAny(envelope, "object"))
	if uri == "" {
		return errors.New("missing object")
	}
	if jsonld.NonMatchingURIHosts(actor.URI, uri) {
		return nil
	}

	status, err := s.store.GetStatusByURI(ctx, uri)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.marks.MarkDeleteUponArrival(ctx, uri)
	}
	if err != nil {
		return err
	}
	if status.AccountID != actor.ID {
		return nil
	}
	return s.store.DeleteStatus(ctx, status)
}

func mustAny(object *types.RawApObj, key string) any {
	value, _ := object.GetAny(key)
	return value
}
