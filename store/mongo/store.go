// Package mongo implements the Rebill store on MongoDB using the official
// driver. Documents keep nested structures (history, failure details) as
// subdocuments; sweep filters run against flat indexed fields.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/rebillhq/rebill"
	"github.com/rebillhq/rebill/discount"
	"github.com/rebillhq/rebill/id"
	"github.com/rebillhq/rebill/payment"
	rebillstore "github.com/rebillhq/rebill/store"
	"github.com/rebillhq/rebill/subscription"
)

// Collection name constants.
const (
	colSubscriptions = "rebill_subscriptions"
	colPayments      = "rebill_payments"
	colDiscounts     = "rebill_discounts"
)

// compile-time interface check
var _ rebillstore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	db     *mongo.Database
	client *mongo.Client // owned only when built by Open
}

// New wraps an existing database handle. The caller keeps ownership of
// the client; Close is a no-op.
func New(db *mongo.Database) *Store {
	return &Store{db: db}
}

// Open connects to MongoDB and selects the given database.
func Open(uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("rebill/mongo: connect: %w", err)
	}
	return &Store{db: client.Database(database), client: client}, nil
}

// DB returns the underlying database handle for direct access.
func (s *Store) DB() *mongo.Database { return s.db }

// Migrate creates indexes for all rebill collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("rebill/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close disconnects the client when this store opened it.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	_, err := s.db.Collection(colSubscriptions).InsertOne(ctx, m)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return rebill.ErrAlreadyExists
		}
		return fmt.Errorf("rebill/mongo: create subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.db.Collection(colSubscriptions).
		FindOne(ctx, bson.M{"_id": subID.String()}).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, rebill.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("rebill/mongo: get subscription: %w", err)
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) ListSubscriptions(ctx context.Context, customerID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	filter := bson.M{"customer_id": customerID}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts = findOpts.SetSkip(int64(opts.Offset))
	}

	return s.findSubscriptions(ctx, filter, findOpts)
}

// UpdateSubscription writes the full document, inserting when it does not
// exist yet. Saves are idempotent upserts keyed by ID.
func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	_, err := s.db.Collection(colSubscriptions).
		ReplaceOne(ctx, bson.M{"_id": m.ID}, m, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("rebill/mongo: update subscription: %w", err)
	}
	return nil
}

// ==================== Sweep queries ====================

func (s *Store) ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	filter := bson.M{
		"status":     string(subscription.StatusActive),
		"period_end": bson.M{"$lt": now},
	}
	return s.findSubscriptions(ctx, filter, sweepOpts("period_end", limit))
}

func (s *Store) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	filter := bson.M{
		"status":        string(subscription.StatusRetry),
		"next_retry_at": bson.M{"$lte": now},
	}
	return s.findSubscriptions(ctx, filter, sweepOpts("next_retry_at", limit))
}

func (s *Store) ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	filter := bson.M{
		"status": bson.M{"$in": []string{
			string(subscription.StatusPastDue),
			string(subscription.StatusGracePeriod),
		}},
		"grace_end": bson.M{"$lt": now},
	}
	return s.findSubscriptions(ctx, filter, sweepOpts("grace_end", limit))
}

func (s *Store) ListTrialsEnding(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	filter := bson.M{
		"status":    string(subscription.StatusTrialing),
		"trial_end": bson.M{"$lte": now},
	}
	return s.findSubscriptions(ctx, filter, sweepOpts("trial_end", limit))
}

// sweepOpts sorts by the sweep trigger, oldest first; limit 0 means no cap.
func sweepOpts(trigger string, limit int) *options.FindOptionsBuilder {
	findOpts := options.Find().
		SetSort(bson.D{{Key: trigger, Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		findOpts = findOpts.SetLimit(int64(limit))
	}
	return findOpts
}

func (s *Store) findSubscriptions(ctx context.Context, filter bson.M, findOpts *options.FindOptionsBuilder) ([]*subscription.Subscription, error) {
	cursor, err := s.db.Collection(colSubscriptions).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("rebill/mongo: find subscriptions: %w", err)
	}

	var models []subscriptionModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("rebill/mongo: decode subscriptions: %w", err)
	}

	result := make([]*subscription.Subscription, len(models))
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sub
	}
	return result, nil
}

// ==================== Payment Store ====================

func (s *Store) CreatePayment(ctx context.Context, p *payment.Payment) error {
	m := toPaymentModel(p)
	_, err := s.db.Collection(colPayments).InsertOne(ctx, m)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return rebill.ErrAlreadyExists
		}
		return fmt.Errorf("rebill/mongo: create payment: %w", err)
	}
	return nil
}

func (s *Store) GetPayment(ctx context.Context, payID id.PaymentID) (*payment.Payment, error) {
	var m paymentModel
	err := s.db.Collection(colPayments).
		FindOne(ctx, bson.M{"_id": payID.String()}).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, rebill.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("rebill/mongo: get payment: %w", err)
	}
	return fromPaymentModel(&m)
}

func (s *Store) UpdatePayment(ctx context.Context, p *payment.Payment) error {
	m := toPaymentModel(p)
	_, err := s.db.Collection(colPayments).
		ReplaceOne(ctx, bson.M{"_id": m.ID}, m, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("rebill/mongo: update payment: %w", err)
	}
	return nil
}

func (s *Store) GetPaymentByIdempotencyKey(ctx context.Context, key string) (*payment.Payment, error) {
	var m paymentModel
	err := s.db.Collection(colPayments).
		FindOne(ctx, bson.M{"idempotency_key": key}).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, rebill.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("rebill/mongo: get payment by idempotency key: %w", err)
	}
	return fromPaymentModel(&m)
}

func (s *Store) ListPaymentsBySubscription(ctx context.Context, subID id.SubscriptionID, opts payment.ListOpts) ([]*payment.Payment, error) {
	filter := bson.M{"subscription_id": subID.String()}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	created := bson.M{}
	if !opts.Start.IsZero() {
		created["$gte"] = opts.Start
	}
	if !opts.End.IsZero() {
		created["$lte"] = opts.End
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}

	findOpts := options.Find().
		SetSort(bson.D{
			{Key: "created_at", Value: -1},
			{Key: "attempt_number", Value: -1},
			{Key: "_id", Value: -1},
		})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts = findOpts.SetSkip(int64(opts.Offset))
	}

	cursor, err := s.db.Collection(colPayments).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("rebill/mongo: find payments: %w", err)
	}

	var models []paymentModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("rebill/mongo: decode payments: %w", err)
	}

	result := make([]*payment.Payment, len(models))
	for i := range models {
		p, err := fromPaymentModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = p
	}
	return result, nil
}

// ==================== Discount Store ====================

func (s *Store) CreateDiscount(ctx context.Context, d *discount.Discount) error {
	m := toDiscountModel(d)
	_, err := s.db.Collection(colDiscounts).InsertOne(ctx, m)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return rebill.ErrAlreadyExists
		}
		return fmt.Errorf("rebill/mongo: create discount: %w", err)
	}
	return nil
}

func (s *Store) GetDiscount(ctx context.Context, code string) (*discount.Discount, error) {
	var m discountModel
	err := s.db.Collection(colDiscounts).
		FindOne(ctx, bson.M{"code": code}).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, rebill.ErrDiscountNotFound
		}
		return nil, fmt.Errorf("rebill/mongo: get discount: %w", err)
	}
	return fromDiscountModel(&m)
}

func (s *Store) GetDiscountByID(ctx context.Context, discountID id.DiscountID) (*discount.Discount, error) {
	var m discountModel
	err := s.db.Collection(colDiscounts).
		FindOne(ctx, bson.M{"_id": discountID.String()}).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, rebill.ErrDiscountNotFound
		}
		return nil, fmt.Errorf("rebill/mongo: get discount by id: %w", err)
	}
	return fromDiscountModel(&m)
}

func (s *Store) ListDiscounts(ctx context.Context, opts discount.ListOpts) ([]*discount.Discount, error) {
	filter := bson.M{}
	if opts.Active {
		now := time.Now().UTC()
		filter["$and"] = bson.A{
			bson.M{"$or": bson.A{
				bson.M{"valid_from": bson.M{"$exists": false}},
				bson.M{"valid_from": bson.M{"$lte": now}},
			}},
			bson.M{"$or": bson.A{
				bson.M{"valid_until": bson.M{"$exists": false}},
				bson.M{"valid_until": bson.M{"$gte": now}},
			}},
			bson.M{"$or": bson.A{
				bson.M{"max_redemptions": 0},
				bson.M{"$expr": bson.M{"$lt": bson.A{"$times_redeemed", "$max_redemptions"}}},
			}},
		}
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "code", Value: 1}})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts = findOpts.SetSkip(int64(opts.Offset))
	}

	cursor, err := s.db.Collection(colDiscounts).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("rebill/mongo: find discounts: %w", err)
	}

	var models []discountModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("rebill/mongo: decode discounts: %w", err)
	}

	result := make([]*discount.Discount, len(models))
	for i := range models {
		d, err := fromDiscountModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = d
	}
	return result, nil
}

func (s *Store) UpdateDiscount(ctx context.Context, d *discount.Discount) error {
	m := toDiscountModel(d)
	_, err := s.db.Collection(colDiscounts).
		ReplaceOne(ctx, bson.M{"_id": m.ID}, m, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("rebill/mongo: update discount: %w", err)
	}
	return nil
}

func (s *Store) DeleteDiscount(ctx context.Context, discountID id.DiscountID) error {
	res, err := s.db.Collection(colDiscounts).
		DeleteOne(ctx, bson.M{"_id": discountID.String()})
	if err != nil {
		return fmt.Errorf("rebill/mongo: delete discount: %w", err)
	}
	if res.DeletedCount == 0 {
		return rebill.ErrDiscountNotFound
	}
	return nil
}

// ==================== Helpers ====================

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all rebill collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colSubscriptions: {
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "period_end", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_retry_at", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "grace_end", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "trial_end", Value: 1}}},
		},
		colPayments: {
			{Keys: bson.D{{Key: "subscription_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "subscription_id", Value: 1}, {Key: "period_start", Value: 1}}},
			{
				Keys: bson.D{{Key: "idempotency_key", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.D{{Key: "idempotency_key", Value: bson.D{{Key: "$gt", Value: ""}}}}),
			},
		},
		colDiscounts: {
			{
				Keys:    bson.D{{Key: "code", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "created_at", Value: -1}}},
		},
	}
}
