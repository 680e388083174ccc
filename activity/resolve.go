package activity

import (
	"context"
	"net/url"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/concrnt/ccworld-ap-core/fetch"
	"github.com/concrnt/ccworld-ap-core/jsonld"
	"github.com/concrnt/ccworld-ap-core/types"
	"github.com/concrnt/ccworld-ap-core/world"
)

// ResolveAccount returns the account for an actor URI, fetching and
// creating it when unknown. A nil account with a nil error means the
// actor is permanently unresolvable.
func (s *Service) ResolveAccount(ctx context.Context, uri string) (*types.Account, error) {
	ctx, span := tracer.Start(ctx, "Activity.ResolveAccount")
	defer span.End()

	account, err := s.store.GetAccountByURI(ctx, uri)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	document, err := s.client.FetchActor(ctx, uri, nil)
	if err != nil {
		return nil, err
	}
	if document == nil {
		return nil, nil
	}

	resolved := accountFromActor(document)
	if resolved == nil {
		return nil, nil
	}
	return s.store.CreateAccount(ctx, resolved)
}

// accountFromActor maps an actor document to an account row.
func accountFromActor(document *types.RawApObj) *types.Account {
	id := document.MustGetString("id")
	parsed, err := url.Parse(id)
	if err != nil || parsed.Hostname() == "" {
		return nil
	}

	return &types.Account{
		URI:            id,
		Username:       document.MustGetString("preferredUsername"),
		Domain:         parsed.Hostname(),
		InboxURL:       document.MustGetString("inbox"),
		SharedInboxURL: document.MustGetString("endpoints.sharedInbox"),
		FollowersURL:   document.MustGetString("followers"),
		Publickey:      document.MustGetString("publicKey.publicKeyPem"),
	}
}

// ResolveStatus dereferences a status URI and runs it through the
// create pipeline as a self-initiated fetch. Recursion depth is
// bounded so hostile quote or reply chains terminate.
func (s *Service) ResolveStatus(ctx context.Context, uri string, requestID string, depth int) (*types.Status, error) {
	ctx, span := tracer.Start(ctx, "Activity.ResolveStatus")
	defer span.End()

	if depth >= world.MaxRecursionDepth {
		return nil, &fetch.RecursionLimitExceededError{Depth: depth}
	}

	existing, err := s.store.GetStatusByURI(ctx, uri)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	object, err := s.client.FetchResource(ctx, uri, false, nil, fetch.RaiseTemporary)
	if err != nil || object == nil {
		return nil, err
	}

	actorURI := jsonld.ValueOrID(jsonld.FirstOfValue(mustGetAny(object, "attributedTo")))
	if actorURI == "" {
		return nil, nil
	}
	actor, err := s.ResolveAccount(ctx, actorURI)
	if err != nil || actor == nil {
		return nil, err
	}

	envelope := types.NewRawApObj(map[string]any{
		"type":   "Create",
		"actor":  actorURI,
		"object": object.GetData(),
	})
	return s.Perform(ctx, envelope, actor, Options{
		Fetch:     true,
		RequestID: requestID,
		Depth:     depth + 1,
	})
}
