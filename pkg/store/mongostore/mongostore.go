// Package mongostore implements store.Store on MongoDB.
//
// Collections:
//
//	channels          one document per registered chat, unique channel_id
//	posted_messages   delivery ledger, unique (source chat, source message, destination)
//	message_mappings  source message -> destination copy, unique destination pair
//	join_requests     pending/approved membership requests, unique (channel_id, user_id)
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/tinyland-inc/channelrelay/pkg/logger"
	"github.com/tinyland-inc/channelrelay/pkg/store"
)

const (
	collChannels     = "channels"
	collLedger       = "posted_messages"
	collMappings     = "message_mappings"
	collJoinRequests = "join_requests"
)

// mappingDoc adds the document id to an identity mapping.
type mappingDoc struct {
	ID                    primitive.ObjectID `bson:"_id,omitempty"`
	store.IdentityMapping `bson:",inline"`
}

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects to uri, verifies the connection and ensures indexes exist.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := &Store{client: client, db: client.Database(database), now: time.Now}
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	logger.InfoCF("store", "Connected to MongoDB", map[string]any{"database": database})
	return s, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the unique and lookup indexes the store relies on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for coll, models := range indexModels() {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

func indexModels() map[string][]mongo.IndexModel {
	unique := func() *options.IndexOptions { return options.Index().SetUnique(true) }
	return map[string][]mongo.IndexModel{
		collChannels: {
			{Keys: bson.D{{Key: "channel_id", Value: 1}}, Options: unique()},
			{Keys: bson.D{{Key: "role", Value: 1}, {Key: "is_active", Value: 1}}},
		},
		collLedger: {
			{Keys: bson.D{
				{Key: "source_chat_id", Value: 1},
				{Key: "source_message_id", Value: 1},
				{Key: "destination_chat_id", Value: 1},
			}, Options: unique()},
			{Keys: bson.D{{Key: "delivered_at", Value: 1}}},
		},
		collMappings: {
			{Keys: bson.D{{Key: "source_chat_id", Value: 1}, {Key: "source_message_id", Value: 1}}},
			{Keys: bson.D{
				{Key: "destination_chat_id", Value: 1},
				{Key: "destination_message_id", Value: 1},
			}, Options: unique()},
			{Keys: bson.D{{Key: "created_at", Value: 1}}},
		},
		collJoinRequests: {
			{Keys: bson.D{{Key: "channel_id", Value: 1}, {Key: "user_id", Value: 1}}, Options: unique()},
			{Keys: bson.D{{Key: "channel_id", Value: 1}, {Key: "approved", Value: 1}, {Key: "request_date", Value: 1}}},
		},
	}
}

func notFound(err error, what string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// Channels

func channelFilter(id string) bson.D {
	return bson.D{{Key: "channel_id", Value: id}}
}

func (s *Store) UpsertChannel(ctx context.Context, ch store.Channel) error {
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = s.now()
	}
	_, err := s.db.Collection(collChannels).UpdateOne(ctx,
		channelFilter(ch.ID),
		bson.D{{Key: "$set", Value: ch}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert channel %s: %w", ch.ID, err)
	}
	return nil
}

func (s *Store) GetChannel(ctx context.Context, id string) (store.Channel, error) {
	var ch store.Channel
	err := s.db.Collection(collChannels).FindOne(ctx, channelFilter(id)).Decode(&ch)
	if err != nil {
		return store.Channel{}, notFound(err, "channel "+id)
	}
	return ch, nil
}

func (s *Store) ListChannels(ctx context.Context, role store.Role) ([]store.Channel, error) {
	cur, err := s.db.Collection(collChannels).Find(ctx,
		bson.D{{Key: "role", Value: role}, {Key: "is_active", Value: true}},
		options.Find().SetSort(bson.D{{Key: "added_at", Value: 1}, {Key: "channel_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("list %s channels: %w", role, err)
	}
	var out []store.Channel
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	return out, nil
}

func (s *Store) SetRole(ctx context.Context, id string, role store.Role) error {
	res, err := s.db.Collection(collChannels).UpdateOne(ctx,
		channelFilter(id),
		bson.D{{Key: "$set", Value: bson.D{{Key: "role", Value: role}}}},
	)
	if err != nil {
		return fmt.Errorf("set role of %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("channel %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	res, err := s.db.Collection(collChannels).DeleteOne(ctx, channelFilter(id))
	if err != nil {
		return fmt.Errorf("delete channel %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("channel %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// Ledger

func ledgerFilter(sourceChatID string, sourceMessageID int, destinationChatID string) bson.D {
	return bson.D{
		{Key: "source_chat_id", Value: sourceChatID},
		{Key: "source_message_id", Value: sourceMessageID},
		{Key: "destination_chat_id", Value: destinationChatID},
	}
}

func olderThanFilter(field string, cutoff time.Time) bson.D {
	return bson.D{{Key: field, Value: bson.D{{Key: "$lt", Value: cutoff}}}}
}

func (s *Store) IsDelivered(ctx context.Context, sourceChatID string, sourceMessageID int, destinationChatID string) (bool, error) {
	n, err := s.db.Collection(collLedger).CountDocuments(ctx,
		ledgerFilter(sourceChatID, sourceMessageID, destinationChatID),
		options.Count().SetLimit(1),
	)
	if err != nil {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
	return n > 0, nil
}

func (s *Store) RecordDelivery(ctx context.Context, rec store.RelayRecord) error {
	if rec.DeliveredAt.IsZero() {
		rec.DeliveredAt = s.now()
	}
	_, err := s.db.Collection(collLedger).UpdateOne(ctx,
		ledgerFilter(rec.SourceChatID, rec.SourceMessageID, rec.DestinationChatID),
		bson.D{{Key: "$setOnInsert", Value: rec}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

func (s *Store) PruneOlderThan(ctx context.Context, age time.Duration) (int, error) {
	res, err := s.db.Collection(collLedger).DeleteMany(ctx, olderThanFilter("delivered_at", s.now().Add(-age)))
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	return int(res.DeletedCount), nil
}

func (s *Store) CountDeliveries(ctx context.Context) (int, error) {
	n, err := s.db.Collection(collLedger).CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count deliveries: %w", err)
	}
	return int(n), nil
}

// Identity mappings

func destinationFilter(destinationChatID string, destinationMessageID int) bson.D {
	return bson.D{
		{Key: "destination_chat_id", Value: destinationChatID},
		{Key: "destination_message_id", Value: destinationMessageID},
	}
}

func (s *Store) RecordMapping(ctx context.Context, m store.IdentityMapping) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	if _, err := s.db.Collection(collMappings).InsertOne(ctx, mappingDoc{IdentityMapping: m}); err != nil {
		return fmt.Errorf("record mapping: %w", err)
	}
	return nil
}

func (s *Store) FindByDestination(ctx context.Context, destinationChatID string, destinationMessageID int) (store.IdentityMapping, error) {
	var doc mappingDoc
	err := s.db.Collection(collMappings).FindOne(ctx, destinationFilter(destinationChatID, destinationMessageID)).Decode(&doc)
	if err != nil {
		return store.IdentityMapping{}, notFound(err, fmt.Sprintf("mapping %s/%d", destinationChatID, destinationMessageID))
	}
	return doc.IdentityMapping, nil
}

func (s *Store) findMappings(ctx context.Context, filter bson.D) ([]store.IdentityMapping, error) {
	cur, err := s.db.Collection(collMappings).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find mappings: %w", err)
	}
	var docs []mappingDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode mappings: %w", err)
	}
	out := make([]store.IdentityMapping, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.IdentityMapping)
	}
	return out, nil
}

func (s *Store) FindAllBySource(ctx context.Context, sourceChatID string, sourceMessageID int) ([]store.IdentityMapping, error) {
	return s.findMappings(ctx, bson.D{
		{Key: "source_chat_id", Value: sourceChatID},
		{Key: "source_message_id", Value: sourceMessageID},
	})
}

func (s *Store) DeleteMapping(ctx context.Context, destinationChatID string, destinationMessageID int) error {
	res, err := s.db.Collection(collMappings).DeleteOne(ctx, destinationFilter(destinationChatID, destinationMessageID))
	if err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("mapping %s/%d: %w", destinationChatID, destinationMessageID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) FindOlderThan(ctx context.Context, age time.Duration) ([]store.IdentityMapping, error) {
	return s.findMappings(ctx, olderThanFilter("created_at", s.now().Add(-age)))
}

func (s *Store) CountMappings(ctx context.Context) (int, error) {
	n, err := s.db.Collection(collMappings).CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count mappings: %w", err)
	}
	return int(n), nil
}

// Join requests

func joinFilter(chatID string, userID int64) bson.D {
	return bson.D{{Key: "channel_id", Value: chatID}, {Key: "user_id", Value: userID}}
}

func (s *Store) AddJoinRequest(ctx context.Context, req store.JoinRequest) error {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = s.now()
	}
	req.Approved = false
	req.ApprovedAt = nil
	_, err := s.db.Collection(collJoinRequests).UpdateOne(ctx,
		joinFilter(req.ChatID, req.UserID),
		bson.D{{Key: "$set", Value: req}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("add join request: %w", err)
	}
	return nil
}

func pendingOptions(offset, limit int) *options.FindOptions {
	opts := options.Find().
		SetSort(bson.D{{Key: "request_date", Value: 1}, {Key: "user_id", Value: 1}}).
		SetSkip(int64(offset))
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return opts
}

func (s *Store) ListPendingJoinRequests(ctx context.Context, chatID string, offset, limit int) ([]store.JoinRequest, error) {
	cur, err := s.db.Collection(collJoinRequests).Find(ctx,
		bson.D{{Key: "channel_id", Value: chatID}, {Key: "approved", Value: false}},
		pendingOptions(offset, limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list join requests: %w", err)
	}
	var out []store.JoinRequest
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode join requests: %w", err)
	}
	return out, nil
}

func (s *Store) MarkJoinRequestApproved(ctx context.Context, chatID string, userID int64) error {
	res, err := s.db.Collection(collJoinRequests).UpdateOne(ctx,
		joinFilter(chatID, userID),
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "approved", Value: true},
			{Key: "approved_at", Value: s.now()},
		}}},
	)
	if err != nil {
		return fmt.Errorf("mark join request approved: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("join request %s/%d: %w", chatID, userID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteJoinRequest(ctx context.Context, chatID string, userID int64) error {
	res, err := s.db.Collection(collJoinRequests).DeleteOne(ctx, joinFilter(chatID, userID))
	if err != nil {
		return fmt.Errorf("delete join request: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("join request %s/%d: %w", chatID, userID, store.ErrNotFound)
	}
	return nil
}
