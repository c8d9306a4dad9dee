// Package firestore provides a Firestore implementation of the paysync.Storage interface.
// Ledger uniqueness relies on Create failing with AlreadyExists; commits run
// in a Firestore transaction.
package firestore

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// Storage implements paysync.Storage using Google Cloud Firestore
type Storage struct {
	client                 *firestore.Client
	eventsCollection       string
	entitlementsCollection string
	usersCollection        string
	premiumField           string
	clock                  paysync.Clock
}

var _ paysync.Storage = (*Storage)(nil)

// maxDocIDBytes is Firestore's limit on a document id
const maxDocIDBytes = 1500

// Config holds Firestore storage configuration
type Config struct {
	// EventsCollection is the collection for the webhook ledger
	// Default: "billing_webhook_events"
	EventsCollection string

	// EntitlementsCollection is the collection for user entitlements
	// Default: "billing_entitlements"
	EntitlementsCollection string

	// UsersCollection is the application's user collection. Document ids are user ids.
	// Default: "users"
	UsersCollection string

	// PremiumField is the boolean field on user documents. Default: "isPremium"
	PremiumField string

	Clock paysync.Clock
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_webhook_events"
	}
	if config.EntitlementsCollection == "" {
		config.EntitlementsCollection = "billing_entitlements"
	}
	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}
	if config.PremiumField == "" {
		config.PremiumField = "isPremium"
	}
	if config.Clock == nil {
		config.Clock = paysync.SystemClock()
	}

	return &Storage{
		client:                 client,
		eventsCollection:       config.EventsCollection,
		entitlementsCollection: config.EntitlementsCollection,
		usersCollection:        config.UsersCollection,
		premiumField:           config.PremiumField,
		clock:                  config.Clock,
	}, nil
}

// InsertPending implements paysync.Ledger
func (s *Storage) InsertPending(ctx context.Context, ev *paysync.WebhookEvent) (bool, error) {
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.clock.Now()
	}
	_, err := s.eventDoc(ev.Key()).Create(ctx, map[string]interface{}{
		"source":       string(ev.Source),
		"externalId":   ev.ExternalID,
		"eventType":    ev.EventType,
		"rawPayload":   ev.RawPayload,
		"status":       string(paysync.StatusPending),
		"attempts":     0,
		"receivedAt":   receivedAt.UTC(),
		"errorMessage": "",
	})
	if status.Code(err) == codes.AlreadyExists {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return true, nil
}

// GetEvent implements paysync.Ledger
func (s *Storage) GetEvent(ctx context.Context, key paysync.EventKey) (*paysync.WebhookEvent, error) {
	snap, err := s.eventDoc(key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, paysync.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return eventFromData(snap.Data()), nil
}

// MarkStatus implements paysync.Ledger
func (s *Storage) MarkStatus(ctx context.Context, key paysync.EventKey, st paysync.EventStatus,
	errMsg string) error {
	doc := s.eventDoc(key)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if _, err := pendingEvent(tx, doc); err != nil {
			return err
		}
		return tx.Update(doc, []firestore.Update{
			{Path: "status", Value: string(st)},
			{Path: "errorMessage", Value: errMsg},
			{Path: "processedAt", Value: s.clock.Now()},
		})
	})
}

// RecordAttempt implements paysync.Ledger
func (s *Storage) RecordAttempt(ctx context.Context, key paysync.EventKey, errMsg string) (int, error) {
	doc := s.eventDoc(key)
	var attempts int
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		ev, err := pendingEvent(tx, doc)
		if err != nil {
			return err
		}
		attempts = ev.Attempts + 1
		return tx.Update(doc, []firestore.Update{
			{Path: "attempts", Value: attempts},
			{Path: "errorMessage", Value: errMsg},
		})
	})
	return attempts, err
}

// ListPending implements paysync.Ledger.
// Requires a composite index on (status, receivedAt).
func (s *Storage) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*paysync.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	iter := s.client.Collection(s.eventsCollection).
		Where("status", "==", string(paysync.StatusPending)).
		Where("receivedAt", "<", olderThan.UTC()).
		OrderBy("receivedAt", firestore.Asc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var events []*paysync.WebhookEvent
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list pending events: %w", err)
		}
		events = append(events, eventFromData(snap.Data()))
	}
	return events, nil
}

// Requeue implements paysync.Ledger
func (s *Storage) Requeue(ctx context.Context, key paysync.EventKey) error {
	doc := s.eventDoc(key)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if status.Code(err) == codes.NotFound {
			return paysync.ErrEventNotFound
		}
		if err != nil {
			return err
		}
		if getString(snap.Data(), "status") != string(paysync.StatusFailed) {
			return paysync.ErrEventNotFailed
		}
		return tx.Update(doc, []firestore.Update{
			{Path: "status", Value: string(paysync.StatusPending)},
			{Path: "attempts", Value: 0},
			{Path: "processedAt", Value: firestore.Delete},
		})
	})
}

// GetEntitlement implements paysync.EntitlementReader
func (s *Storage) GetEntitlement(ctx context.Context, userID, entitlementID string) (*paysync.Entitlement, error) {
	snap, err := s.entitlementDoc(userID, entitlementID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, paysync.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	return entitlementFromData(snap.Data()), nil
}

// ListEntitlements implements paysync.EntitlementReader
func (s *Storage) ListEntitlements(ctx context.Context, userID string) ([]*paysync.Entitlement, error) {
	docs, err := s.client.Collection(s.entitlementsCollection).
		Where("userId", "==", userID).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list entitlements: %w", err)
	}
	ents := make([]*paysync.Entitlement, 0, len(docs))
	for _, snap := range docs {
		ents = append(ents, entitlementFromData(snap.Data()))
	}
	sort.Slice(ents, func(i, j int) bool { return ents[i].EntitlementID < ents[j].EntitlementID })
	return ents, nil
}

// UserExists implements paysync.UserDirectory
func (s *Storage) UserExists(ctx context.Context, userID string) (bool, error) {
	if !validUserID(userID) {
		return false, nil
	}
	_, err := s.userDoc(userID).Get(ctx)
	if code := status.Code(err); code == codes.NotFound || code == codes.InvalidArgument {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up user: %w", err)
	}
	return true, nil
}

// IsPremium implements paysync.UserDirectory
func (s *Storage) IsPremium(ctx context.Context, userID string) (bool, error) {
	if !validUserID(userID) {
		return false, paysync.ErrUserNotFound
	}
	snap, err := s.userDoc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return false, paysync.ErrUserNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read user: %w", err)
	}
	premium, _ := snap.Data()[s.premiumField].(bool)
	return premium, nil
}

// Commit implements paysync.Committer. Firestore transactions require every
// read before the first write, and may run the function more than once.
func (s *Storage) Commit(ctx context.Context, c *paysync.Commit) (*paysync.CommitResult, error) {
	if !validUserID(c.UserID) {
		return nil, paysync.ErrUserNotFound
	}
	eventRef := s.eventDoc(c.Key)
	userRef := s.userDoc(c.UserID)
	occurredAt := c.OccurredAt.UTC().Truncate(time.Microsecond)

	var res *paysync.CommitResult
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		res = &paysync.CommitResult{}

		if _, err := pendingEvent(tx, eventRef); err != nil {
			return err
		}
		if _, err := tx.Get(userRef); err != nil {
			if status.Code(err) == codes.NotFound {
				return paysync.ErrUserNotFound
			}
			return err
		}

		current := make([]*paysync.Entitlement, len(c.Changes))
		for i, ch := range c.Changes {
			snap, err := tx.Get(s.entitlementDoc(c.UserID, ch.EntitlementID))
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if err == nil {
				current[i] = entitlementFromData(snap.Data())
			}
		}

		now := s.clock.Now()
		for i, ch := range c.Changes {
			cur := current[i]
			if cur != nil && !occurredAt.After(cur.LastEventAt) {
				res.Stale = append(res.Stale, ch.EntitlementID)
				continue
			}
			next := ch.Apply(cur.Clone())
			if next == nil {
				continue
			}
			next.UserID = c.UserID
			next.EntitlementID = ch.EntitlementID
			next.LastEventAt = occurredAt
			next.UpdatedAt = now
			if err := tx.Set(s.entitlementDoc(c.UserID, ch.EntitlementID), entitlementData(next)); err != nil {
				return err
			}
			res.Applied = append(res.Applied, next)
			res.Previous = append(res.Previous, cur)
		}

		if len(res.Applied) > 0 && c.Premium != paysync.PremiumUnchanged {
			err := tx.Update(userRef, []firestore.Update{
				{Path: s.premiumField, Value: c.Premium == paysync.PremiumGrant},
			})
			if err != nil {
				return err
			}
			res.PremiumChanged = true
		}

		return tx.Update(eventRef, []firestore.Update{
			{Path: "status", Value: string(paysync.StatusSucceeded)},
			{Path: "errorMessage", Value: ""},
			{Path: "processedAt", Value: now},
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func pendingEvent(tx *firestore.Transaction, doc *firestore.DocumentRef) (*paysync.WebhookEvent, error) {
	snap, err := tx.Get(doc)
	if status.Code(err) == codes.NotFound {
		return nil, paysync.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	ev := eventFromData(snap.Data())
	if ev.Status != paysync.StatusPending {
		return nil, paysync.ErrEventNotPending
	}
	return ev, nil
}

func (s *Storage) eventDoc(key paysync.EventKey) *firestore.DocumentRef {
	return s.client.Collection(s.eventsCollection).
		Doc(string(key.Source) + ":" + url.PathEscape(key.ExternalID))
}

func (s *Storage) entitlementDoc(userID, entitlementID string) *firestore.DocumentRef {
	return s.client.Collection(s.entitlementsCollection).
		Doc(url.PathEscape(userID) + "|" + url.PathEscape(entitlementID))
}

func (s *Storage) userDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.usersCollection).Doc(userID)
}

// validUserID reports whether userID can name a document directly. Provider
// aliases are arbitrary strings and may not.
func validUserID(userID string) bool {
	switch {
	case userID == "", userID == ".", userID == "..":
		return false
	case strings.Contains(userID, "/"):
		return false
	case strings.HasPrefix(userID, "__") && strings.HasSuffix(userID, "__"):
		return false
	}
	return len(userID) <= maxDocIDBytes
}

func eventFromData(data map[string]interface{}) *paysync.WebhookEvent {
	ev := &paysync.WebhookEvent{
		Source:       paysync.Source(getString(data, "source")),
		ExternalID:   getString(data, "externalId"),
		EventType:    getString(data, "eventType"),
		Status:       paysync.EventStatus(getString(data, "status")),
		Attempts:     getInt(data, "attempts"),
		ReceivedAt:   getTime(data, "receivedAt"),
		ErrorMessage: getString(data, "errorMessage"),
	}
	if raw, ok := data["rawPayload"].([]byte); ok {
		ev.RawPayload = raw
	}
	if t := getTime(data, "processedAt"); !t.IsZero() {
		ev.ProcessedAt = &t
	}
	return ev
}

func entitlementData(ent *paysync.Entitlement) map[string]interface{} {
	data := map[string]interface{}{
		"userId":        ent.UserID,
		"entitlementId": ent.EntitlementID,
		"productId":     ent.ProductID,
		"status":        string(ent.Status),
		"platform":      ent.Platform,
		"purchaseDate":  ent.PurchaseDate,
		"autoRenew":     ent.AutoRenew,
		"lastEventAt":   ent.LastEventAt,
		"updatedAt":     ent.UpdatedAt,
	}
	if ent.ExpirationDate != nil {
		data["expirationDate"] = *ent.ExpirationDate
	}
	return data
}

func entitlementFromData(data map[string]interface{}) *paysync.Entitlement {
	ent := &paysync.Entitlement{
		UserID:        getString(data, "userId"),
		EntitlementID: getString(data, "entitlementId"),
		ProductID:     getString(data, "productId"),
		Status:        paysync.EntitlementStatus(getString(data, "status")),
		Platform:      getString(data, "platform"),
		PurchaseDate:  getTime(data, "purchaseDate"),
		LastEventAt:   getTime(data, "lastEventAt"),
		UpdatedAt:     getTime(data, "updatedAt"),
	}
	ent.AutoRenew, _ = data["autoRenew"].(bool)
	if t := getTime(data, "expirationDate"); !t.IsZero() {
		ent.ExpirationDate = &t
	}
	return ent
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
